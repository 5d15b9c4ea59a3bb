package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/room"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	chatservice "github.com/zhouzirui/edu-avatar/backend/internal/service/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 256
)

// SessionDependencies are the services a realtime tutoring session runs on.
// Chat and Sessions are required; without Synthesizer the tutor is silent and
// without Recognizer only client-side capture is offered.
type SessionDependencies struct {
	Synthesizer turn.Synthesizer
	Recognizer  Recognizer
	Chat        turn.ChatClient
	Sentiment   turn.SentimentAssessor
	Sessions    *chatservice.Service
	Personas    persona.Store
	Session     config.SessionConfig
}

// WebSocketHandler 实时辅导会话：每个连接驱动一个轮次控制器
type WebSocketHandler struct {
	deps     SessionDependencies
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(deps SessionDependencies) *WebSocketHandler {
	return &WebSocketHandler{
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// AudioMessage 一段推流音频
type AudioMessage struct {
	AudioData []byte `json:"audioData"`
	Format    string `json:"format"`
}

// ConfigMessage 会话配置
type ConfigMessage struct {
	Voice       string `json:"voice"`
	CaptureMode string `json:"captureMode"`
	AudioFormat string `json:"audioFormat"`
	// Objective 当前学习目标，为空时保持不变
	Objective string `json:"objective"`
}

type captureEndedMessage struct {
	Reason string `json:"reason"`
}

type playbackEndedMessage struct {
	UtteranceID string `json:"utteranceId"`
}

var outboundTypes = map[turn.EventType]string{
	turn.EventPhase:        "phase",
	turn.EventPreview:      "preview",
	turn.EventTurn:         "transcript",
	turn.EventTurnDelta:    "transcript_delta",
	turn.EventTurnComplete: "transcript_complete",
	turn.EventTurnRemoved:  "transcript_removed",
	turn.EventSpeechStart:  "speaking",
	turn.EventSpeechEnd:    "speaking",
	turn.EventSentiment:    "sentiment_update",
	turn.EventVisual:       "display_visual",
	turn.EventError:        "error",
	turn.EventEnded:        "ended",
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}
	if h.deps.Sessions == nil || h.deps.Chat == nil {
		http.Error(w, "tutoring unavailable", http.StatusServiceUnavailable)
		return
	}

	session, err := h.deps.Sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if session.Ended() {
		http.Error(w, "session already ended", http.StatusConflict)
		return
	}
	history, err := h.deps.Sessions.History(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "failed to load transcript", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[websocket] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := h.newSession(conn, session, history)
	if err != nil {
		observability.ReportError("websocket", err, map[string]interface{}{"sessionId": sessionID})
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.enqueue("connected", map[string]any{
		"persona":      session.Persona,
		"voice":        s.voice,
		"language":     s.language,
		"captureModes": s.capture.modes(),
	})

	go func() {
		if err := s.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[websocket] controller stopped session=%s: %v", sessionID, err)
		}
		s.close()
	}()

	s.readLoop()

	cancel()
	<-s.ctrl.Done()
	s.close()
	<-writerDone
	log.Printf("[websocket] connection closed for session: %s", sessionID)
}

// wsSession 一个连接上的实时会话状态
type wsSession struct {
	id        string
	voice     string
	language  string
	objective string
	conn      *websocket.Conn
	sessions  *chatservice.Service

	send      chan outgoingMessage
	closed    chan struct{}
	closeOnce sync.Once

	ctrl         *turn.Controller
	player       *wsPlayer
	capture      *captureRouter
	endRequested atomic.Bool
}

func (h *WebSocketHandler) newSession(conn *websocket.Conn, session chat.Session, history []chat.Turn) (*wsSession, error) {
	greeting := ""
	voice := ""
	provider := ""
	if p, ok := h.findPersona(session.PersonaID); ok {
		greeting = p.OpeningLine
		voice = p.VoiceID
		provider = p.VoiceProvider
	}
	if greeting == "" {
		greeting = fmt.Sprintf("Hi, I'm %s. What would you like to learn about %s today?", session.Persona.Name, session.Persona.Subject)
	}

	s := &wsSession{
		id:       session.ID,
		voice:    voice,
		language: recognitionLanguage(session.Persona.Language),
		conn:     conn,
		sessions: h.deps.Sessions,
		send:     make(chan outgoingMessage, wsSendBuffer),
		closed:   make(chan struct{}),
	}
	s.player = newWSPlayer(s, h.deps.Session.PlaybackGrace)
	s.capture = newCaptureRouter(newClientCapture(s), newASRCapture(s, h.deps.Recognizer))

	var speaker *turn.Speaker
	if h.deps.Synthesizer != nil {
		speaker = turn.NewSpeaker(providerSynthesizer{synth: h.deps.Synthesizer, provider: provider}, s.player)
	}

	ctrl, err := turn.New(turn.Config{
		SessionID:          session.ID,
		Persona:            session.Persona,
		Greeting:           greeting,
		History:            history,
		Voice:              voice,
		Language:           s.language,
		SilenceDelay:       h.deps.Session.SilenceDelay,
		FallbackText:       h.deps.Session.FallbackText,
		MaxCaptureRestarts: h.deps.Session.MaxCaptureRestarts,
	}, turn.Dependencies{
		Chat:      h.deps.Chat,
		Speaker:   speaker,
		Capture:   s.capture,
		Sentiment: h.deps.Sentiment,
		Listener:  s.onEvent,
	})
	if err != nil {
		return nil, fmt.Errorf("create turn controller: %w", err)
	}
	s.ctrl = ctrl
	return s, nil
}

func (h *WebSocketHandler) findPersona(id string) (persona.Persona, bool) {
	if h.deps.Personas == nil || strings.TrimSpace(id) == "" {
		return persona.Persona{}, false
	}
	return h.deps.Personas.FindByID(id)
}

// onEvent 在控制器协程上运行：转发事件并持久化已完成的轮次
func (s *wsSession) onEvent(ev turn.Event) {
	if name, ok := outboundTypes[ev.Type]; ok {
		data := any(ev)
		if ev.Type == turn.EventSpeechStart || ev.Type == turn.EventSpeechEnd {
			data = map[string]any{
				"speaking": ev.Type == turn.EventSpeechStart,
				"clipId":   ev.ClipID,
				"text":     ev.Text,
			}
		}
		s.enqueue(name, data)
	}

	switch ev.Type {
	case turn.EventTurn, turn.EventTurnComplete:
		if ev.Complete && ev.Turn != nil {
			s.persist(*ev.Turn)
		}
	case turn.EventEnded:
		if s.endRequested.Load() {
			if _, err := s.sessions.EndSession(context.Background(), s.id); err != nil && !errors.Is(err, chatservice.ErrSessionEnded) {
				observability.ReportError("websocket", err, map[string]interface{}{"sessionId": s.id})
			}
		}
	}
}

func (s *wsSession) persist(t chat.Turn) {
	if strings.TrimSpace(t.Content) == "" {
		return
	}
	_, err := s.sessions.SaveMessage(context.Background(), chat.Message{
		SessionID: s.id,
		Sender:    t.Role,
		Content:   t.Content,
		Sentiment: t.Sentiment,
		CreatedAt: t.Timestamp,
	})
	if err != nil {
		observability.ReportError("websocket", fmt.Errorf("save turn: %w", err), map[string]interface{}{"sessionId": s.id})
	}
}

func (s *wsSession) readLoop() {
	s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		var msg inboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		if msg.SessionID != "" && msg.SessionID != s.id {
			s.sendError("session mismatch")
			continue
		}
		if err := s.handleMessage(&msg); err != nil {
			s.sendError(err.Error())
		}
	}
}

func (s *wsSession) handleMessage(msg *inboundMessage) error {
	switch msg.Type {
	case "start_voice":
		return s.ctrl.StartVoice()
	case "stop_voice":
		return s.ctrl.StopVoice()
	case "mute":
		return s.ctrl.Mute()
	case "unmute":
		return s.ctrl.Unmute()
	case "interrupt":
		return s.ctrl.Interrupt()
	case "end":
		s.endRequested.Store(true)
		return s.ctrl.End()
	case "snapshot":
		snap, err := s.ctrl.Snapshot()
		if err != nil {
			return err
		}
		s.enqueue("snapshot", snap)
		return nil
	case "transcript_fragment":
		var u chat.Utterance
		if err := decodeData(msg.Data, &u); err != nil {
			return errors.New("invalid transcript fragment")
		}
		s.capture.client.fragment(u)
		return nil
	case "capture_ended":
		var ended captureEndedMessage
		if err := decodeData(msg.Data, &ended); err != nil {
			return errors.New("invalid capture_ended payload")
		}
		s.capture.client.ended(ended.Reason)
		return nil
	case "audio":
		var audio AudioMessage
		if err := decodeData(msg.Data, &audio); err != nil {
			return errors.New("invalid audio payload")
		}
		return s.capture.server.feed(audio.AudioData)
	case "playback_ended":
		var ended playbackEndedMessage
		if err := decodeData(msg.Data, &ended); err != nil {
			return errors.New("invalid playback_ended payload")
		}
		s.player.ended(ended.UtteranceID)
		return nil
	case "config":
		var cfg ConfigMessage
		if err := decodeData(msg.Data, &cfg); err != nil {
			return errors.New("invalid config payload")
		}
		return s.applyConfig(cfg)
	case string(room.TypeTextMessage), string(room.TypeTranscript), string(room.TypeDisplayVisual), string(room.TypeSentimentUpdate):
		roomMsg, err := decodeRoomMessage(msg.Type, msg.Data)
		if err != nil {
			return err
		}
		return s.ctrl.ApplyRoomMessage(roomMsg)
	default:
		return fmt.Errorf("unsupported message type: %s", msg.Type)
	}
}

func (s *wsSession) applyConfig(cfg ConfigMessage) error {
	if cfg.CaptureMode != "" {
		if err := s.capture.setMode(cfg.CaptureMode); err != nil {
			return err
		}
	}
	if cfg.AudioFormat != "" {
		s.capture.server.setFormat(cfg.AudioFormat)
	}
	if cfg.Voice != "" {
		if err := s.ctrl.SetVoice(cfg.Voice); err != nil {
			return err
		}
		s.voice = cfg.Voice
	}
	if objective := strings.TrimSpace(cfg.Objective); objective != "" {
		if err := s.ctrl.SetObjective(objective); err != nil {
			return err
		}
		s.objective = objective
	}
	s.enqueue("config", map[string]any{
		"voice":       s.voice,
		"captureMode": s.capture.mode(),
		"audioFormat": s.capture.server.audioFormat(),
		"objective":   s.objective,
	})
	return nil
}

// decodeRoomMessage 将信封中的数据还原为数据通道消息
func decodeRoomMessage(msgType string, data json.RawMessage) (room.Message, error) {
	fields := map[string]json.RawMessage{}
	if err := decodeData(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid %s payload", msgType)
	}
	typ, _ := json.Marshal(msgType)
	fields["type"] = typ
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return room.Decode(raw)
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// enqueue 交给写协程发送；连接关闭后丢弃
func (s *wsSession) enqueue(msgType string, data interface{}) {
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: s.id,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case s.send <- msg:
	case <-s.closed:
	}
}

func (s *wsSession) sendError(message string) {
	s.enqueue("error", map[string]string{"message": message})
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// writeLoop 是连接唯一的写入者，同时负责心跳
func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				log.Printf("[websocket] write failed session=%s: %v", s.id, err)
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			s.flush()
			return
		}
	}
}

// flush 发送剩余消息后关闭连接
func (s *wsSession) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				return
			}
		default:
			deadline := time.Now().Add(wsWriteTimeout)
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
			if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, deadline); err != nil {
				log.Printf("[websocket] close frame failed session=%s: %v", s.id, err)
			}
			return
		}
	}
}

func (s *wsSession) write(msg outgoingMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// providerSynthesizer 为未指定提供方的请求补上导师音色的提供方
type providerSynthesizer struct {
	synth    turn.Synthesizer
	provider string
}

func (p providerSynthesizer) SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	if req.Provider == "" && p.provider != "" {
		cp := *req
		cp.Provider = p.provider
		req = &cp
	}
	return p.synth.SynthesizeSpeech(ctx, req)
}
