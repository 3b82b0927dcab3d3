// Package page serves the single-page chat UI.
package page

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

//go:embed assets
var assets embed.FS

// Data is rendered into index.html.
type Data struct {
	Title    string
	Provider string
	Model    string
}

// Handler renders the index page and serves its static files.
type Handler struct {
	tmpl   *template.Template
	static http.Handler
	data   Data
	log    *zerolog.Logger
}

// New parses the embedded page template.
func New(data Data, logger *zerolog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(assets, "assets/index.html")
	if err != nil {
		return nil, err
	}

	static, err := fs.Sub(assets, "assets/static")
	if err != nil {
		return nil, err
	}

	return &Handler{
		tmpl:   tmpl,
		static: http.StripPrefix("/static/", http.FileServer(http.FS(static))),
		data:   data,
		log:    logger,
	}, nil
}

// RegisterRoutes 注册页面与静态资源路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
	r.Get("/static/*", h.static.ServeHTTP)
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, h.data); err != nil {
		h.log.Error().Err(err).Msg("render index failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
