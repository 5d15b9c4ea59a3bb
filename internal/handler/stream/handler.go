package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	aiService "github.com/zhouzirui/edu-avatar/backend/internal/service/ai"
	"github.com/zhouzirui/edu-avatar/backend/internal/validation"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

const (
	invalidRequestMessage = "Invalid request: messages and persona required"
	noStudentMessage      = "No student message found"
	invalidKeyMessage     = "Invalid API key, check ANTHROPIC_API_KEY"
	generateFailedMessage = "Failed to generate response"
)

// Completer streams the next tutor turn.
type Completer interface {
	StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error)
}

// Handler serves the streaming chat endpoint over Server-Sent Events.
type Handler struct {
	completer Completer
}

// New creates a new stream handler
func New(completer Completer) *Handler {
	return &Handler{completer: completer}
}

// RegisterRoutes attaches the chat endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

type messagePayload struct {
	Role    string `json:"role" validate:"notblank"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages   []messagePayload `json:"messages" validate:"dive"`
	Persona    persona.Config   `json:"persona"`
	Adaptation string           `json:"adaptation,omitempty" validate:"max=2000"`
}

// textChunk and errorChunk are the two record shapes of the event stream.
type textChunk struct {
	Text string `json:"text"`
}

type errorChunk struct {
	Error string `json:"error"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, invalidRequestMessage)
		return
	}
	if err := validation.Struct(req); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			utils.RespondJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  invalidRequestMessage,
				"fields": verr.Fields,
			})
			return
		}
		utils.RespondError(w, http.StatusBadRequest, invalidRequestMessage)
		return
	}

	turns := make([]chat.Turn, 0, len(req.Messages))
	for _, m := range req.Messages {
		turns = append(turns, chat.Turn{Role: chat.ParseRole(m.Role), Content: m.Content})
	}
	messages, greeting, err := chat.ShapeHistory(turns)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, noStudentMessage)
		return
	}

	if h.completer == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.completer.StreamCompletion(r.Context(), chat.CompletionRequest{
		Persona:    req.Persona,
		Greeting:   greeting,
		Messages:   messages,
		Adaptation: req.Adaptation,
	})
	if err != nil {
		observability.ReportError("chat", fmt.Errorf("start completion: %w", err), map[string]interface{}{"tutor": req.Persona.Name})
		utils.RespondError(w, http.StatusInternalServerError, errorMessage(err))
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deltas := 0
	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				log.Printf("[chat] client went away after %d deltas", deltas)
				return
			}
			observability.ReportError("chat", err, map[string]interface{}{"tutor": req.Persona.Name, "deltas": deltas})
			_ = utils.SendSSEChunk(w, flusher, errorChunk{Error: errorMessage(err)})
			return
		}
		if text == "" {
			continue
		}
		if err := utils.SendSSEChunk(w, flusher, textChunk{Text: text}); err != nil {
			log.Printf("[chat] write failed: %v", err)
			return
		}
		deltas++
	}

	_ = utils.SendSSEDone(w, flusher)
	log.Printf("[chat] completed reply for tutor=%s, deltas=%d", req.Persona.Name, deltas)
}

func errorMessage(err error) string {
	if errors.Is(err, aiService.ErrUnauthorized) {
		return invalidKeyMessage
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return generateFailedMessage
}
