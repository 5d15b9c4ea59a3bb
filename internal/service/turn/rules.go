package turn

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
)

// Rule maps keywords to a rotating set of canned replies.
type Rule struct {
	Name     string
	Keywords []string
	Replies  []string
}

// RuleTable picks replies for student utterances without a language model.
// Rules are checked in order and the first keyword hit wins; replies within a
// rule rotate round-robin.
type RuleTable struct {
	rules    []Rule
	fallback []string

	mu     sync.Mutex
	cursor map[string]int
}

// NewRuleTable builds a table. fallback is used when no rule matches.
func NewRuleTable(rules []Rule, fallback []string) *RuleTable {
	return &RuleTable{
		rules:    rules,
		fallback: fallback,
		cursor:   make(map[string]int),
	}
}

// Reply returns the next reply for utterance.
func (t *RuleTable) Reply(utterance string) string {
	text := strings.ToLower(utterance)
	for _, rule := range t.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(text, keyword) {
				return t.next(rule.Name, rule.Replies)
			}
		}
	}
	return t.next("", t.fallback)
}

func (t *RuleTable) next(name string, replies []string) string {
	if len(replies) == 0 {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.cursor[name] % len(replies)
	t.cursor[name] = i + 1
	return replies[i]
}

// DefaultRuleTable returns the offline tutoring script. {name} and {subject}
// are replaced with the tutor's values.
func DefaultRuleTable() *RuleTable {
	return NewRuleTable([]Rule{
		{
			Name:     "greeting",
			Keywords: []string{"hello", "hi ", "hey", "namaste", "good morning"},
			Replies: []string{
				"Hello! I'm {name}. What would you like to explore in {subject} today?",
				"Hi there! Ready to dig into some {subject}? Tell me where you'd like to start.",
			},
		},
		{
			Name:     "confused",
			Keywords: []string{"don't understand", "confused", "lost", "explain again", "what do you mean"},
			Replies: []string{
				"No problem, let's slow down. Which part felt unclear, the idea itself or the steps?",
				"Let's try it another way. Imagine a simple everyday example first, and we'll build up from there.",
			},
		},
		{
			Name:     "frustrated",
			Keywords: []string{"too hard", "give up", "i can't", "impossible"},
			Replies: []string{
				"That's okay, this is genuinely tricky. Let's take just the first small step together.",
				"You're doing better than you think. Here's a hint: start with what you already know.",
			},
		},
		{
			Name:     "answer",
			Keywords: []string{"the answer is", "is it", "i think"},
			Replies: []string{
				"Good thinking! How did you get there? Walk me through your reasoning.",
				"Interesting. What would happen if we changed one of the numbers?",
			},
		},
		{
			Name:     "thanks",
			Keywords: []string{"thank", "got it", "makes sense"},
			Replies: []string{
				"Great work! Want to try a slightly harder one?",
				"Wonderful. Can you explain it back to me in your own words?",
			},
		},
		{
			Name:     "goodbye",
			Keywords: []string{"bye", "see you", "that's all"},
			Replies:  []string{"Great session today! Keep practising and see you next time."},
		},
	}, []string{
		"That's a great question. What do you already know about it?",
		"Let's think about that together. Where would you start?",
		"Good. Can you give me an example of that?",
	})
}

// ScriptedChat implements ChatClient with a RuleTable, streaming the reply
// word by word.
type ScriptedChat struct {
	table *RuleTable
	delay time.Duration
}

// NewScriptedChat creates a scripted responder. delay is the pause between words.
func NewScriptedChat(table *RuleTable, delay time.Duration) *ScriptedChat {
	if table == nil {
		table = DefaultRuleTable()
	}
	return &ScriptedChat{table: table, delay: delay}
}

// StreamCompletion answers the latest student message.
func (s *ScriptedChat) StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == chat.MessageRoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if last == "" {
		return nil, chat.ErrNoStudentMessage
	}

	reply := strings.NewReplacer("{name}", req.Persona.Name, "{subject}", req.Persona.Subject).Replace(s.table.Reply(last))
	return &scriptedStream{ctx: ctx, words: splitWords(reply), delay: s.delay}, nil
}

// splitWords keeps the separating spaces so the deltas concatenate back to the reply.
func splitWords(text string) []string {
	fields := strings.SplitAfter(text, " ")
	words := fields[:0]
	for _, f := range fields {
		if f != "" {
			words = append(words, f)
		}
	}
	return words
}

type scriptedStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
}

func (s *scriptedStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.words) == 0 {
		return "", io.EOF
	}
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return "", s.ctx.Err()
		case <-timer.C:
		}
	}
	word := s.words[0]
	s.words = s.words[1:]
	return word, nil
}

func (s *scriptedStream) Close() error {
	s.words = nil
	return nil
}
