package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
)

// Config 控制情绪分析服务的行为。
type Config struct {
	Enabled      bool
	HistoryLimit int
}

// Guidance 表示学生情绪判断以及导师应采用的教学调整。
type Guidance struct {
	Label      analysis.Label
	Strategy   analysis.Strategy
	Prompt     string
	Confidence float32
	Reason     string
}

// Service 使用大模型判断学生情绪，失败时回退到关键词规则。
type Service struct {
	enabled      bool
	classifier   compose.Runnable[map[string]any, *schema.Message]
	historyLimit int
}

// NewService 创建情绪分析服务。chatModel 为 nil 时仅使用关键词规则。
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Service, error) {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 6
	}

	svc := &Service{
		enabled:      cfg.Enabled && chatModel != nil,
		historyLimit: historyLimit,
	}

	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(sentimentSystemPrompt),
		schema.UserMessage(sentimentUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile sentiment classifier chain: %w", err)
	}

	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分类是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Assess 判断学生最新话语的情绪，并给出对应的教学策略。
func (s *Service) Assess(ctx context.Context, cfg persona.Config, history []chat.Turn, utterance string) Guidance {
	if !s.Enabled() {
		return fallbackGuidance(utterance)
	}

	input := map[string]any{
		"persona":   summarizePersona(cfg),
		"history":   formatHistory(history, s.historyLimit),
		"utterance": strings.TrimSpace(utterance),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		log.Printf("[sentiment] classifier invoke failed, use fallback: %v", err)
		return fallbackGuidance(utterance)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return fallbackGuidance(utterance)
	}

	result, err := parseClassifierOutput(msg.Content)
	if err != nil {
		log.Printf("[sentiment] classifier output parse failed, use fallback: %v", err)
		return fallbackGuidance(utterance)
	}

	label, ok := analysis.ParseLabel(result.Sentiment)
	if !ok {
		return fallbackGuidance(utterance)
	}

	confidence := result.Confidence
	if confidence <= 0 {
		confidence = 0.6
	}
	if confidence > 1 {
		confidence = 1
	}

	return newGuidance(label, confidence, strings.TrimSpace(result.Reason))
}

func fallbackGuidance(utterance string) Guidance {
	result := analysis.Analyze(utterance)

	confidence := float32(0.3)
	reason := "fallback"
	if result.Keyword != "" {
		confidence = 0.55
		reason = fmt.Sprintf("fallback: matched %q", result.Keyword)
	}
	return newGuidance(result.Label, confidence, reason)
}

func newGuidance(label analysis.Label, confidence float32, reason string) Guidance {
	return Guidance{
		Label:      label,
		Strategy:   analysis.StrategyFor(label),
		Prompt:     analysis.AdaptationPrompt(label),
		Confidence: confidence,
		Reason:     reason,
	}
}

// parseClassifierOutput 解析大模型返回的 JSON，容忍前后多余文本。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func summarizePersona(cfg persona.Config) string {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return "A tutor."
	}
	return fmt.Sprintf("%s, teaching %s (%s style)", name, strings.TrimSpace(cfg.Subject), cfg.Style().DisplayName())
}

func formatHistory(turns []chat.Turn, limit int) string {
	if limit < 1 {
		limit = 1
	}
	start := len(turns) - limit
	if start < 0 {
		start = 0
	}

	var lines []string
	for _, turn := range turns[start:] {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := "Tutor"
		if turn.Role == chat.RoleStudent {
			role = "Student"
		}
		lines = append(lines, role+": "+content)
	}
	if len(lines) == 0 {
		return "(no earlier conversation)"
	}
	return strings.Join(lines, "\n")
}

type classifierPayload struct {
	Sentiment  string  `json:"sentiment"`
	Confidence float32 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const sentimentSystemPrompt = "You watch a live tutoring session and judge how the student feels right now. Read the tutor description, the recent conversation and the student's latest words.\nReturn only one JSON object with the fields: sentiment (one of confused/frustrated/excited/bored/disengaged/neutral), confidence (a number between 0 and 1) and reason (one short sentence). Do not output anything else."

const sentimentUserPrompt = "Tutor:\n{persona}\n\nRecent conversation:\n{history}\n\nStudent just said:\n{utterance}\n\nReply with the JSON object."
