package ai

import (
	"log"

	"github.com/pkoukk/tiktoken-go"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
)

// HistoryBudget trims the oldest history so the prompt stays within a token limit.
type HistoryBudget struct {
	limit    int
	encoding *tiktoken.Tiktoken
}

// NewHistoryBudget returns a budget of limit tokens. A non-positive limit
// disables trimming. When the cl100k_base encoding cannot be loaded the
// budget falls back to a four-characters-per-token estimate.
func NewHistoryBudget(limit int) *HistoryBudget {
	budget := &HistoryBudget{limit: limit}
	if limit <= 0 {
		return budget
	}

	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[ai] tokenizer unavailable, estimating history tokens: %v", err)
		return budget
	}
	budget.encoding = encoding
	return budget
}

// CountTokens 计算单条文本的 Token 数
func (b *HistoryBudget) CountTokens(text string) int {
	if b.encoding == nil {
		return len(text)/4 + 1
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// CountMessages 计算消息列表的 Token 数，包含每条消息约 4 tokens 的角色开销
func (b *HistoryBudget) CountMessages(messages []chat.ChatMessage) int {
	tokens := 3
	for _, m := range messages {
		tokens += 4 + b.CountTokens(m.Content) + b.CountTokens(m.Role)
	}
	return tokens
}

// Trim keeps the newest messages that fit the budget. The latest message is
// always kept and the result still starts with a user message.
func (b *HistoryBudget) Trim(messages []chat.ChatMessage) []chat.ChatMessage {
	if b == nil || b.limit <= 0 || len(messages) == 0 {
		return messages
	}

	used := 3
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := 4 + b.CountTokens(messages[i].Content) + b.CountTokens(messages[i].Role)
		if used+cost > b.limit && i < len(messages)-1 {
			break
		}
		used += cost
		start = i
	}

	kept := messages[start:]
	for len(kept) > 1 && kept[0].Role != chat.MessageRoleUser {
		kept = kept[1:]
	}
	return kept
}
