package chat

import (
	"errors"
	"strings"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleTutor   Role = "TUTOR"
)

// ParseRole maps wire roles onto the two conversation roles. Anything that is
// not recognisably the student is treated as the tutor.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "student", "user":
		return RoleStudent
	default:
		return RoleTutor
	}
}

// Utterance is one recognition fragment from the speech capture.
type Utterance struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// Turn is one entry of the ordered conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sentiment string    `json:"sentiment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider-facing roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// ChatMessage is a turn reshaped for a chat-completion provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrNoStudentMessage is returned when shaping leaves nothing for the tutor to answer.
var ErrNoStudentMessage = errors.New("no student message found")

// ShapeHistory converts conversation turns into the alternating user/assistant
// sequence chat providers accept. Tutor turns that precede the first student
// turn are returned separately as greeting so callers can fold them into the
// system prompt. Adjacent turns with the same role are merged.
func ShapeHistory(turns []Turn) ([]ChatMessage, string, error) {
	var (
		messages []ChatMessage
		greeting []string
	)

	for _, turn := range turns {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}

		role := MessageRoleAssistant
		if turn.Role == RoleStudent {
			role = MessageRoleUser
		}

		if len(messages) == 0 && role == MessageRoleAssistant {
			greeting = append(greeting, content)
			continue
		}

		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n\n" + content
			continue
		}
		messages = append(messages, ChatMessage{Role: role, Content: content})
	}

	if len(messages) == 0 || messages[0].Role != MessageRoleUser {
		return nil, "", ErrNoStudentMessage
	}
	return messages, strings.Join(greeting, "\n\n"), nil
}

// CompletionRequest carries everything a chat-completion collaborator needs
// to produce the next tutor turn.
type CompletionRequest struct {
	Persona    persona.Config `json:"persona"`
	Greeting   string         `json:"greeting,omitempty"`
	Messages   []ChatMessage  `json:"messages"`
	Adaptation string         `json:"adaptation,omitempty"`
}

// DeltaStream yields text deltas of a tutor reply in order. Recv returns
// io.EOF once the reply is complete.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}
