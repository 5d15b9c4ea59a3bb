package chat

import (
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

// Session captures a transient anonymous tutoring conversation.
// Persona is a snapshot taken at creation; it never changes afterwards.
type Session struct {
	ID        string         `json:"id"`
	PersonaID string         `json:"personaId,omitempty"`
	Persona   persona.Config `json:"persona"`
	CreatedAt time.Time      `json:"createdAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// Ended reports whether the session has been closed.
func (s Session) Ended() bool {
	return s.EndedAt != nil
}
