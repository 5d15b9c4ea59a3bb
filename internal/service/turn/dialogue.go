package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/sentiment"
)

// ChatClient streams tutor replies.
type ChatClient interface {
	StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error)
}

// SentimentAssessor judges the student's affect after each utterance.
type SentimentAssessor interface {
	Assess(ctx context.Context, cfg persona.Config, history []chat.Turn, utterance string) sentiment.Guidance
}

// dialogueRequest is one tutor reply to produce.
type dialogueRequest struct {
	gen       uint64
	student   int
	utterance string
	history   []chat.Turn
	plan      pedagogy.Plan
	request   chat.CompletionRequest
}

// runDialogue assesses the utterance, streams the reply and posts every
// step back to the controller loop. It runs on its own goroutine.
func (c *Controller) runDialogue(ctx context.Context, d dialogueRequest) {
	defer func() {
		if r := recover(); r != nil {
			observability.ReportPanic("session", r, map[string]interface{}{"sessionId": c.cfg.SessionID})
			err := fmt.Errorf("tutor reply panicked: %v", r)
			c.post(func() { c.dialogueDone(d.gen, err) })
		}
	}()

	guidance := c.deps.Sentiment.Assess(ctx, c.cfg.Persona, d.history, d.utterance)
	c.post(func() {
		if d.gen == c.chatGen {
			c.applyStudentSentiment(d.student, string(guidance.Label))
		}
	})

	if ctx.Err() != nil {
		c.post(func() { c.dialogueDone(d.gen, ctx.Err()) })
		return
	}

	req := d.request
	req.Adaptation = adaptation(guidance, d.plan)

	stream, err := c.deps.Chat.StreamCompletion(ctx, req)
	if err != nil {
		c.post(func() { c.dialogueDone(d.gen, err) })
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.post(func() { c.dialogueDone(d.gen, nil) })
			return
		}
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			c.post(func() { c.dialogueDone(d.gen, err) })
			return
		}
		c.post(func() {
			if d.gen == c.chatGen {
				c.appendDelta(delta)
			}
		})
	}
}

// adaptation combines the sentiment strategy with the teaching context for
// the system prompt.
func adaptation(guidance sentiment.Guidance, plan pedagogy.Plan) string {
	var parts []string
	for _, part := range []string{guidance.Prompt, pedagogy.ContextMessage(guidance.Label, plan)} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n")
}
