package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/edu-avatar/backend/internal/config"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/ai/anthropic"
)

// ErrUnauthorized reports that the chat provider rejected the API key.
var ErrUnauthorized = anthropic.ErrUnauthorized

// Service produces tutor replies through an eino chain.
type Service struct {
	chatModel model.BaseChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
	prompts   *TutorPromptBuilder
	budget    *HistoryBudget
}

// NewService creates the chat model described by cfg and wraps it in a tutor chain.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel builds the tutor chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.BaseChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
		prompts:   NewTutorPromptBuilder(),
		budget:    NewHistoryBudget(cfg.HistoryTokenBudget),
	}, nil
}

// ChatModel 返回底层的聊天模型，供情绪分析复用。
func (s *Service) ChatModel() model.BaseChatModel {
	return s.chatModel
}

// Provider returns the configured provider name.
func (s *Service) Provider() string {
	return s.cfg.Provider
}

// StreamCompletion streams the next tutor turn for req.
func (s *Service) StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return nil, err
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return newMessageStream(stream), nil
}

// Complete returns the whole tutor turn for req.
func (s *Service) Complete(ctx context.Context, req chat.CompletionRequest) (string, error) {
	input, err := s.buildChainInput(req)
	if err != nil {
		return "", err
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Printf("[ai] generated reply for tutor=%s, length=%d", req.Persona.Name, len(response.Content))
	return response.Content, nil
}

func (s *Service) buildChainInput(req chat.CompletionRequest) (map[string]any, error) {
	if len(req.Messages) == 0 || req.Messages[0].Role != chat.MessageRoleUser {
		return nil, chat.ErrNoStudentMessage
	}

	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req.Persona, req.Greeting, req.Adaptation),
		"history": s.buildHistoryMessages(req.Messages),
	}, nil
}

func (s *Service) buildHistoryMessages(messages []chat.ChatMessage) []*schema.Message {
	messages = s.budget.Trim(messages)

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case chat.MessageRoleUser:
			history = append(history, schema.UserMessage(content))
		case chat.MessageRoleAssistant:
			history = append(history, schema.AssistantMessage(content, nil))
		}
	}
	return history
}
