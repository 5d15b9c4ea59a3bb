package chat

import "time"

// Message persists individual turns of a tutoring session for review.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    Role      `json:"sender"`
	Content   string    `json:"content"`
	Sentiment string    `json:"sentiment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
