package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
	"github.com/zhouzirui/edu-avatar/backend/internal/handler"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/ai"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/sentiment"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
)

const scriptedWordDelay = 60 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	observability.Init(cfg.Observability)
	defer observability.Close()

	personaStore := persona.NewMemoryStore(persona.Seed())
	chatService := chat.NewService()

	// 对话模型：显式要求或未配置凭证时使用规则应答
	var (
		chatClient turn.ChatClient
		chatModel  model.BaseChatModel
	)
	switch {
	case cfg.Session.Scripted:
		log.Println("SESSION_SCRIPTED set, tutor replies come from the rule table")
	case cfg.AI.Enabled():
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
		} else {
			log.Printf("AI service initialized provider=%s", aiService.Provider())
			chatClient = aiService
			chatModel = aiService.ChatModel()
		}
	default:
		log.Printf("%s credentials not configured, skipping AI initialization", cfg.AI.Provider)
	}
	if chatClient == nil {
		chatClient = turn.NewScriptedChat(turn.DefaultRuleTable(), scriptedWordDelay)
		log.Println("using scripted tutor replies")
	}

	sentimentCfg := sentiment.Config{
		Enabled:      cfg.AI.SentimentLLMEnabled,
		HistoryLimit: cfg.AI.SentimentHistoryLimit,
	}
	sentimentSvc, err := sentiment.NewService(ctx, chatModel, sentimentCfg)
	if err != nil {
		log.Printf("warning: failed to initialize sentiment classifier: %v", err)
		sentimentSvc = &sentiment.Service{}
	} else if sentimentSvc.Enabled() {
		log.Println("Sentiment classifier enabled")
	} else {
		log.Println("Sentiment classifier disabled, using keyword heuristics")
	}

	var speechService *speech.Service
	if cfg.Speech.Enabled || cfg.ElevenLabs.Enabled() {
		speechService = speech.NewService(cfg.SpeechServiceConfig())
		health := speechService.Health()
		log.Printf("Speech service initialized provider=%s recognition=%t synthesis=%t", health.Provider, health.Recognition, health.Synthesis)
	} else {
		log.Println("speech credentials not configured, tutor will be silent")
	}

	router := handler.NewRouter(handler.Services{
		Personas:       personaStore,
		Sessions:       chatService,
		Chat:           chatClient,
		Sentiment:      sentimentSvc,
		Speech:         speechService,
		Session:        cfg.Session,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("tutoring backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
