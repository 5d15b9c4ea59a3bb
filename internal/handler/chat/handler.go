package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	chatService "github.com/zhouzirui/edu-avatar/backend/internal/service/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/validation"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// Handler 会话与转写记录的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	personaStore persona.Store
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, personaStore persona.Store) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		personaStore: personaStore,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}", h.handleGetSession)
	r.Get("/session/{sessionID}/transcript", h.handleTranscript)
	r.Post("/session/{sessionID}/end", h.handleEndSession)
	r.Post("/messages", h.handleSaveMessage)
}

type createSessionRequest struct {
	PersonaID string          `json:"personaId" validate:"required_without=Persona"`
	Persona   *persona.Config `json:"persona,omitempty"`
}

type sessionResponse struct {
	chat.Session
	Greeting string `json:"greeting,omitempty"`
	VoiceID  string `json:"voiceId,omitempty"`
}

// handleCreateSession 创建会话：内置导师用 personaId，自定义导师直接传 persona
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !respondValidation(w, payload) {
		return
	}

	var (
		cfg  persona.Config
		resp sessionResponse
	)
	if payload.Persona != nil {
		cfg = *payload.Persona
	} else {
		found, ok := h.personaStore.FindByID(payload.PersonaID)
		if !ok {
			utils.RespondError(w, http.StatusBadRequest, "persona not found")
			return
		}
		cfg = found.Config()
		resp.Greeting = found.OpeningLine
		resp.VoiceID = found.VoiceID
	}

	session, err := h.chatSvc.CreateSession(r.Context(), payload.PersonaID, cfg)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp.Session = session
	utils.RespondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

type saveMessageRequest struct {
	SessionID string `json:"sessionId" validate:"notblank"`
	Sender    string `json:"sender" validate:"notblank"`
	Content   string `json:"content" validate:"notblank,max=8000"`
	Sentiment string `json:"sentiment,omitempty"`
}

// handleSaveMessage 保存一条转写记录
func (h *Handler) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var payload saveMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !respondValidation(w, payload) {
		return
	}

	saved, err := h.chatSvc.SaveMessage(r.Context(), chat.Message{
		SessionID: payload.SessionID,
		Sender:    chat.ParseRole(payload.Sender),
		Content:   strings.TrimSpace(payload.Content),
		Sentiment: payload.Sentiment,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, saved)
}

func respondValidation(w http.ResponseWriter, payload interface{}) bool {
	err := validation.Struct(payload)
	if err == nil {
		return true
	}
	var verr *validation.Error
	if errors.As(err, &verr) {
		utils.RespondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "invalid request",
			"fields": verr.Fields,
		})
		return false
	}
	utils.RespondError(w, http.StatusBadRequest, err.Error())
	return false
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrSessionEnded):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrEmptyMessage), errors.Is(err, chatService.ErrPersonaRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
