package turn

import (
	"encoding/json"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
)

// Phase is the externally visible state of a tutoring session.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
	PhaseMuted     Phase = "muted"
	PhaseEnded     Phase = "ended"
)

// EventType identifies a controller notification.
type EventType string

const (
	EventPhase        EventType = "phase"
	EventPreview      EventType = "preview"
	EventTurn         EventType = "turn"
	EventTurnDelta    EventType = "turn_delta"
	EventTurnComplete EventType = "turn_complete"
	EventTurnRemoved  EventType = "turn_removed"
	EventSpeechStart  EventType = "speech_start"
	EventSpeechEnd    EventType = "speech_end"
	EventSentiment    EventType = "sentiment"
	EventVisual       EventType = "visual"
	EventError        EventType = "error"
	EventEnded        EventType = "ended"
)

// Event is delivered to the Listener from the controller goroutine.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Phase     Phase           `json:"phase,omitempty"`
	Index     int             `json:"index"`
	Turn      *chat.Turn      `json:"turn,omitempty"`
	Complete  bool            `json:"complete,omitempty"`
	Text      string          `json:"text,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	ClipID    string          `json:"clipId,omitempty"`
	Sentiment string          `json:"sentiment,omitempty"`
	Visual    json.RawMessage `json:"visual,omitempty"`
	Message   string          `json:"message,omitempty"`
	Time      time.Time       `json:"time"`
}

// Listener receives controller events. It runs on the controller goroutine
// and must not call back into the controller synchronously.
type Listener func(Event)

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID    string          `json:"sessionId"`
	Phase        Phase           `json:"phase"`
	BasePhase    Phase           `json:"basePhase"`
	Muted        bool            `json:"muted"`
	VoiceActive  bool            `json:"voiceActive"`
	Preview      string          `json:"preview,omitempty"`
	Pending      string          `json:"pending,omitempty"`
	Turns        []chat.Turn     `json:"turns"`
	Sentiment    string          `json:"sentiment,omitempty"`
	Objective    string          `json:"objective,omitempty"`
	BloomLevel   pedagogy.Level  `json:"bloomLevel"`
	Visual       json.RawMessage `json:"visual,omitempty"`
	ChatInFlight bool            `json:"chatInFlight"`
	Speaking     bool            `json:"speaking"`
}
