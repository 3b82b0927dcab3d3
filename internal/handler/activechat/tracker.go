// Package activechat keeps the per-browser pointer to the chat in use inside
// a signed cookie.
package activechat

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const cookieName = "active_chat"

var errInvalidToken = errors.New("invalid active chat token")

// Tracker reads and writes the active chat cookie.
type Tracker struct {
	secret []byte
	secure bool
	ttl    time.Duration
}

// New returns a Tracker signing cookies with secret (HS256).
func New(secret string, secure bool, ttl time.Duration) *Tracker {
	return &Tracker{
		secret: []byte(secret),
		secure: secure,
		ttl:    ttl,
	}
}

type claims struct {
	ChatID string `json:"chat_id"`
	jwt.RegisteredClaims
}

// Current returns the active chat id, or "" when the cookie is missing,
// expired or was not signed by us.
func (t *Tracker) Current(r *http.Request) string {
	c, err := r.Cookie(cookieName)
	if err != nil || c.Value == "" {
		return ""
	}

	parsed, err := t.parse(c.Value)
	if err != nil {
		return ""
	}
	return parsed.ChatID
}

// Set points the browser at chatID.
func (t *Tracker) Set(w http.ResponseWriter, chatID string) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return err
	}

	http.SetCookie(w, t.cookie(signed, int(t.ttl.Seconds())))
	return nil
}

// Clear forgets the active chat.
func (t *Tracker) Clear(w http.ResponseWriter) {
	http.SetCookie(w, t.cookie("", -1))
}

func (t *Tracker) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (t *Tracker) parse(tok string) (*claims, error) {
	c := &claims{}
	parsed, err := jwt.ParseWithClaims(tok, c, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || c.ChatID == "" {
		return nil, errInvalidToken
	}
	return c, nil
}
