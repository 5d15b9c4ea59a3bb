// Package anthropic adapts the Anthropic Messages API to the eino chat model
// interface so it can be composed into the same chains as the Ark model.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultMaxTokens = 512
	APIVersion       = "2023-06-01"
)

// Config configures the Anthropic chat model.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature *float32
	TopP        *float32
	HTTPClient  *http.Client
}

// ChatModel implements model.BaseChatModel over the Messages API.
type ChatModel struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature *float32
	topP        *float32
	httpClient  *http.Client
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel validates cfg and returns a ready model.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}

	m := &ChatModel{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		httpClient:  cfg.HTTPClient,
	}
	if m.model == "" {
		m.model = DefaultModel
	}
	if m.baseURL == "" {
		m.baseURL = DefaultBaseURL
	}
	if m.maxTokens <= 0 {
		m.maxTokens = DefaultMaxTokens
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 0, Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 60 * time.Second,
		}}
	}
	return m, nil
}

// Generate runs a streaming request and concatenates the result.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if isEOF(err) {
				break
			}
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

// Stream sends the conversation and returns text deltas as assistant messages.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req, err := m.buildRequest(input, opts...)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", m.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	reader, writer := schema.Pipe[*schema.Message](16)
	go pumpEvents(resp.Body, writer)
	return reader, nil
}

type messageParam struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []messageParam `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature *float32       `json:"temperature,omitempty"`
	TopP        *float32       `json:"top_p,omitempty"`
	StopSeqs    []string       `json:"stop_sequences,omitempty"`
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts ...model.Option) (*messagesRequest, error) {
	maxTokens := m.maxTokens
	modelName := m.model
	options := model.GetCommonOptions(&model.Options{
		MaxTokens:   &maxTokens,
		Model:       &modelName,
		Temperature: m.temperature,
		TopP:        m.topP,
	}, opts...)

	req := &messagesRequest{
		Model:       *options.Model,
		MaxTokens:   *options.MaxTokens,
		Stream:      true,
		Temperature: options.Temperature,
		TopP:        options.TopP,
		StopSeqs:    options.Stop,
	}

	var system []string
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.User:
			req.Messages = append(req.Messages, messageParam{Role: "user", Content: msg.Content})
		case schema.Assistant:
			req.Messages = append(req.Messages, messageParam{Role: "assistant", Content: msg.Content})
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	req.System = strings.Join(system, "\n\n")

	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: at least one user message is required")
	}
	return req, nil
}
