package chat

import "strings"

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message within a chat. It is stored in the
// {role, parts:[text]} shape the history file has always used.
type Turn struct {
	Role  Role     `json:"role"`
	Parts []string `json:"parts"`
}

// NewTurn builds a single-part turn.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Parts: []string{content}}
}

// Content returns the text of the turn.
func (t Turn) Content() string {
	switch len(t.Parts) {
	case 0:
		return ""
	case 1:
		return t.Parts[0]
	default:
		return strings.Join(t.Parts, "")
	}
}
