// Package chatclient consumes the streaming chat endpoint (POST /api/chat)
// of a remote tutor backend.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

const chatPath = "/api/chat"

// HTTPError is returned when the endpoint answers with a non-200 status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint returned %d: %s", e.StatusCode, e.Message)
}

// StreamError is an error record received inside the event stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "chat stream error: " + e.Message
}

// Message is one transcript entry in the request body.
type Message struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Request is the body of POST /api/chat.
type Request struct {
	Messages   []Message      `json:"messages"`
	Persona    persona.Config `json:"persona"`
	Adaptation string         `json:"adaptation,omitempty"`
}

// Client streams tutor replies from a remote backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for baseURL, e.g. "http://localhost:8080". A nil
// httpClient uses a client without overall timeout, since replies stream.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second}}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// NewRequest converts a completion request back into transcript form. The
// greeting becomes the leading tutor message so the server folds it again.
func NewRequest(req chat.CompletionRequest) Request {
	out := Request{Persona: req.Persona, Adaptation: req.Adaptation}
	if greeting := strings.TrimSpace(req.Greeting); greeting != "" {
		out.Messages = append(out.Messages, Message{Role: chat.RoleTutor, Content: greeting})
	}
	for _, m := range req.Messages {
		role := chat.RoleTutor
		if m.Role == chat.MessageRoleUser {
			role = chat.RoleStudent
		}
		out.Messages = append(out.Messages, Message{Role: role, Content: m.Content})
	}
	return out
}

// StreamCompletion posts the request and returns the reply as a delta stream.
func (c *Client) StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error) {
	body, err := json.Marshal(NewRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	return newStream(resp.Body), nil
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
