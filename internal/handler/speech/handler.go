package speech

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	chatservice "github.com/zhouzirui/edu-avatar/backend/internal/service/chat"
	speechsvc "github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// SpeechService 抽象语音业务，便于测试与替换实现
type SpeechService interface {
	TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error)
	SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error)
	Voices(ctx context.Context) []speech.Voice
	Health() speechsvc.Health
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc    SpeechService
	chatSvc      *chatservice.Service
	personaStore persona.Store
}

// New 创建语音处理器
func New(speechSvc SpeechService, chatSvc *chatservice.Service, personaStore persona.Store) *Handler {
	return &Handler{
		speechSvc:    speechSvc,
		chatSvc:      chatSvc,
		personaStore: personaStore,
	}
}

// RegisterRoutes 注册语音相关的路由。ws 为 nil 时实时会话端点返回 501。
func (h *Handler) RegisterRoutes(r chi.Router, ws *WebSocketHandler) {
	r.Post("/tts", h.handleTTS)
	r.Get("/voices", h.handleVoices)

	r.Route("/speech", func(speechRouter chi.Router) {
		// ASR 端点
		speechRouter.Post("/transcribe", h.handleTranscribe)
		speechRouter.Post("/transcribe/{sessionID}", h.handleTranscribeWithSession)

		// TTS 端点
		speechRouter.Post("/synthesize", h.handleSynthesize)
		speechRouter.Post("/synthesize/{sessionID}", h.handleSynthesizeWithSession)

		speechRouter.Get("/health", h.handleHealth)

		if ws != nil {
			ws.RegisterWebSocketRoutes(speechRouter)
		} else {
			speechRouter.Get("/ws/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
				utils.RespondError(w, http.StatusNotImplemented, "speech websocket not available")
			})
		}
	})
}

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

// handleTTS 使用 ElevenLabs 合成一段导师语音，去除 markdown 后直接返回音频
func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "text and voiceId are required")
		return
	}
	text := utils.StripMarkup(req.Text)
	if text == "" || strings.TrimSpace(req.VoiceID) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text and voiceId are required")
		return
	}

	resp, err := h.speechSvc.SynthesizeSpeech(r.Context(), &speech.TTSRequest{
		Text:     text,
		Voice:    req.VoiceID,
		Provider: speechsvc.ProviderElevenLabs,
	})
	if err != nil {
		if errors.Is(err, speechsvc.ErrElevenLabsNotConfigured) {
			utils.RespondError(w, http.StatusInternalServerError, "ElevenLabs API key not configured")
			return
		}
		observability.ReportError("tts", err, map[string]interface{}{"voiceId": req.VoiceID})
		utils.RespondError(w, http.StatusInternalServerError, "Failed to generate speech")
		return
	}

	writeAudio(w, resp)
}

func (h *Handler) handleVoices(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"voices": h.speechSvc.Voices(r.Context())})
}

// handleTranscribe 处理语音转文本请求
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	h.processTranscribe(w, r, "")
}

// handleTranscribeWithSession 处理带会话ID的语音转文本请求
func (h *Handler) handleTranscribeWithSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	h.processTranscribe(w, r, sessionID)
}

// handleSynthesize 处理文本转语音请求
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	h.processSynthesize(w, r, "")
}

// handleSynthesizeWithSession 处理带会话ID的文本转语音请求
func (h *Handler) handleSynthesizeWithSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionID is required")
		return
	}

	h.processSynthesize(w, r, sessionID)
}

func (h *Handler) processTranscribe(w http.ResponseWriter, r *http.Request, overrideSessionID string) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	sessionID := overrideSessionID
	if sessionID == "" {
		sessionID = r.FormValue("sessionId")
	}
	if sessionID == "" {
		sessionID = "default"
	}

	language := r.FormValue("language")
	if language == "" {
		language = h.languageForSession(r.Context(), sessionID)
	}

	resp, err := h.speechSvc.TranscribeAudio(r.Context(), &speech.ASRRequest{
		SessionID: sessionID,
		AudioData: file,
		Format:    inferAudioFormat(header.Filename),
		Language:  language,
	})
	if err != nil {
		if errors.Is(err, speechsvc.ErrNoAudio) {
			utils.RespondError(w, http.StatusBadRequest, "audio file is empty")
			return
		}
		observability.ReportError("speech", err, map[string]interface{}{"sessionId": sessionID, "op": "transcribe"})
		utils.RespondError(w, http.StatusInternalServerError, "speech recognition failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) processSynthesize(w http.ResponseWriter, r *http.Request, overrideSessionID string) {
	var req speech.TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if overrideSessionID != "" {
		req.SessionID = overrideSessionID
	}
	req.Text = utils.StripMarkup(req.Text)
	if req.Text == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	if strings.TrimSpace(req.Voice) == "" {
		if p, ok := h.personaForSession(r.Context(), req.SessionID); ok {
			req.Voice = speechsvc.NormalizeVoiceAlias(p.VoiceID)
			if req.Provider == "" {
				req.Provider = p.VoiceProvider
			}
		}
	}

	resp, err := h.speechSvc.SynthesizeSpeech(r.Context(), &req)
	if err != nil {
		if errors.Is(err, speechsvc.ErrUnknownProvider) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		observability.ReportError("speech", err, map[string]interface{}{"sessionId": req.SessionID, "op": "synthesize"})
		utils.RespondError(w, http.StatusInternalServerError, "speech synthesis failed")
		return
	}

	if len(resp.AudioData) == 0 {
		utils.RespondJSON(w, http.StatusOK, resp)
		return
	}
	writeAudio(w, resp)
}

func (h *Handler) personaForSession(ctx context.Context, sessionID string) (persona.Persona, bool) {
	if h.chatSvc == nil || h.personaStore == nil {
		return persona.Persona{}, false
	}

	session, err := h.chatSvc.GetSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return persona.Persona{}, false
	}

	personaID := strings.TrimSpace(session.PersonaID)
	if personaID == "" {
		return persona.Persona{}, false
	}
	return h.personaStore.FindByID(personaID)
}

func (h *Handler) languageForSession(ctx context.Context, sessionID string) string {
	if h.chatSvc != nil {
		if session, err := h.chatSvc.GetSession(ctx, sessionID); err == nil {
			return recognitionLanguage(session.Persona.Language)
		}
	}
	return recognitionLanguage("")
}

// handleHealth 健康检查端点
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.speechSvc.Health()
	status := "healthy"
	if !health.Recognition || !health.Synthesis {
		status = "degraded"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"service":     "speech",
		"provider":    health.Provider,
		"recognition": health.Recognition,
		"synthesis":   health.Synthesis,
	})
}

func writeAudio(w http.ResponseWriter, resp *speech.TTSResponse) {
	w.Header().Set("Content-Type", audioContentType(resp.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.AudioData)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.AudioData); err != nil {
		log.Printf("[speech] failed to write audio response: %v", err)
	}
}

func audioContentType(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "":
		return "application/octet-stream"
	default:
		return "audio/" + strings.ToLower(format)
	}
}

// inferAudioFormat 从文件名推断音频格式
func inferAudioFormat(filename string) string {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".mp3", ".wav", ".webm", ".m4a", ".aac", ".pcm", ".ogg":
		return strings.TrimPrefix(ext, ".")
	default:
		return "wav"
	}
}

// recognitionLanguage 将导师语言映射为识别语言代码
func recognitionLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "hindi", "hi", "hi-in":
		return "hi-IN"
	default:
		return "en-US"
	}
}
