package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/edu-avatar/backend/internal/middleware"
	personaModel "github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	chatService "github.com/zhouzirui/edu-avatar/backend/internal/service/chat"
	speechService "github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// Services 是 HTTP 层依赖的核心服务。Chat 为 nil 时对话相关端点返回 503。
type Services struct {
	Personas       personaModel.Store
	Sessions       *chatService.Service
	Chat           turn.ChatClient
	Sentiment      turn.SentimentAssessor
	Speech         *speechService.Service
	Session        config.SessionConfig
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(svc.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"chat":   svc.Chat != nil,
			"speech": svc.Speech != nil,
		})
	})

	wsDeps := speech.SessionDependencies{
		Chat:      svc.Chat,
		Sentiment: svc.Sentiment,
		Sessions:  svc.Sessions,
		Personas:  svc.Personas,
		Session:   svc.Session,
	}
	if svc.Speech != nil {
		wsDeps.Synthesizer = svc.Speech
		wsDeps.Recognizer = speech.NewRecognizer(svc.Speech)
	}
	wsHandler := speech.NewWebSocketHandler(wsDeps)

	r.Route("/api", func(api chi.Router) {
		persona.New(svc.Personas).RegisterRoutes(api)
		chat.New(svc.Sessions, svc.Personas).RegisterRoutes(api)
		pedagogy.New().RegisterRoutes(api)

		var completer stream.Completer
		if svc.Chat != nil {
			completer = svc.Chat
		}
		stream.New(completer).RegisterRoutes(api)

		if svc.Speech != nil {
			speech.New(svc.Speech, svc.Sessions, svc.Personas).RegisterRoutes(api, wsHandler)
		} else {
			// 无语音服务时导师静音，仅支持浏览器端识别
			api.Route("/speech", wsHandler.RegisterWebSocketRoutes)
		}
	})

	return r
}
