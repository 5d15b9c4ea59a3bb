package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

var (
	ErrPersonaRequired = errors.New("persona name and subject are required")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
	ErrEmptyMessage    = errors.New("message content is empty")
)

// Service keeps tutoring sessions and their transcripts in memory.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
	now      func() time.Time
}

// NewService bootstraps the in-memory transcript store.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession provisions an anonymous session bound to a tutor configuration.
// personaID is optional and only recorded for reference.
func (s *Service) CreateSession(_ context.Context, personaID string, cfg persona.Config) (chat.Session, error) {
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.Subject) == "" {
		return chat.Session{}, ErrPersonaRequired
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		Persona:   cfg,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()

	return session, nil
}

// EndSession marks the session as ended. Ending twice is a no-op.
func (s *Service) EndSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	if session.EndedAt == nil {
		ended := s.now()
		session.EndedAt = &ended
		s.sessions[sessionID] = session
	}
	return session, nil
}

// SaveMessage appends a message to the session transcript.
func (s *Service) SaveMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	if message.SessionID == "" {
		return chat.Message{}, ErrSessionNotFound
	}
	if strings.TrimSpace(message.Content) == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[message.SessionID]
	if !ok {
		return chat.Message{}, ErrSessionNotFound
	}
	if session.Ended() {
		return chat.Message{}, ErrSessionEnded
	}

	message.ID = uuid.NewString()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}

	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	return message, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Service) LoadTranscript(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// History rebuilds the conversation turns of a session, e.g. for a reconnecting client.
func (s *Service) History(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	messages, err := s.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns := make([]chat.Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, chat.Turn{
			Role:      msg.Sender,
			Content:   msg.Content,
			Sentiment: msg.Sentiment,
			Timestamp: msg.CreatedAt,
		})
	}
	return turns, nil
}
