package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/room"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/observability"
	sentimentsvc "github.com/zhouzirui/edu-avatar/backend/internal/service/sentiment"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

const (
	DefaultSilenceDelay       = 1500 * time.Millisecond
	DefaultFallbackText       = "Sorry, I had trouble answering that. Could you say it again?"
	DefaultMaxCaptureRestarts = 5
)

var (
	// ErrSessionEnded is returned by every operation after End.
	ErrSessionEnded = errors.New("session ended")
	// ErrEmptyText is returned by SendText for blank input.
	ErrEmptyText = errors.New("text is empty")

	errEmptyReply = errors.New("chat stream ended without any text")
)

// Config describes one tutoring session.
type Config struct {
	SessionID          string
	Persona            persona.Config
	Greeting           string
	Objective          string
	History            []chat.Turn
	Voice              string
	Language           string
	SilenceDelay       time.Duration
	FallbackText       string
	MaxCaptureRestarts int
}

// Dependencies are the collaborators of a Controller. Only Chat is required.
type Dependencies struct {
	Chat      ChatClient
	Speaker   *Speaker
	Capture   Capture
	Sentiment SentimentAssessor
	Listener  Listener
	Clock     Clock
}

// Controller coordinates the turn-taking of one session. All state is owned
// by the goroutine running Run; public methods hand closures to it and
// background work posts generation-tagged results back, so a result that
// belongs to a cancelled call is dropped.
type Controller struct {
	cfg  Config
	deps Dependencies

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}

	// loop-owned state
	phase       Phase
	published   Phase
	muted       bool
	ended       bool
	voiceActive bool
	turns       []chat.Turn
	agg         aggregator
	sentiment   string
	visual      json.RawMessage
	learning    *pedagogy.Tracker

	timer    Timer
	timerGen uint64

	chatGen      uint64
	chatCancel   context.CancelFunc
	chatInFlight bool
	replyIndex   int

	speechGen    uint64
	speechCancel context.CancelFunc
	speaking     bool

	captureGen      uint64
	captureCancel   context.CancelFunc
	captureRunning  bool
	captureRestarts int
}

// New validates the configuration and returns a controller. Call Run to start it.
func New(cfg Config, deps Dependencies) (*Controller, error) {
	if deps.Chat == nil {
		return nil, errors.New("turn: chat client is required")
	}
	if cfg.SilenceDelay <= 0 {
		cfg.SilenceDelay = DefaultSilenceDelay
	}
	if strings.TrimSpace(cfg.FallbackText) == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.MaxCaptureRestarts < 0 {
		cfg.MaxCaptureRestarts = 0
	} else if cfg.MaxCaptureRestarts == 0 {
		cfg.MaxCaptureRestarts = DefaultMaxCaptureRestarts
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Sentiment == nil {
		deps.Sentiment = &sentimentsvc.Service{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		deps:       deps,
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan func(), 64),
		done:       make(chan struct{}),
		phase:      PhaseIdle,
		published:  PhaseIdle,
		replyIndex: -1,
		turns:      append([]chat.Turn(nil), cfg.History...),
		learning:   pedagogy.NewTracker(cfg.Objective),
	}
	return c, nil
}

// Run processes commands until End is called or ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)

	c.safely(c.greet)

	for {
		select {
		case fn := <-c.cmds:
			c.safely(fn)
			if c.ended {
				return nil
			}
		case <-ctx.Done():
			c.safely(c.end)
			return ctx.Err()
		}
	}
}

// Done is closed once the controller has stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// StartVoice begins listening to the student.
func (c *Controller) StartVoice() error {
	return c.exec(func() error {
		if c.deps.Capture == nil {
			return ErrNoCapture
		}
		if c.voiceActive {
			return nil
		}
		c.captureRestarts = 0
		if !c.muted {
			if err := c.startCapture(); err != nil {
				observability.ReportError("session", fmt.Errorf("start speech capture: %w", err), map[string]interface{}{"sessionId": c.cfg.SessionID})
				return err
			}
		}
		c.voiceActive = true
		if c.phase == PhaseIdle {
			c.phase = PhaseListening
		}
		c.publishPhase()
		return nil
	})
}

// StopVoice stops listening. Buffered speech is discarded.
func (c *Controller) StopVoice() error {
	return c.exec(func() error {
		if !c.voiceActive {
			return nil
		}
		c.voiceActive = false
		c.stopCapture()
		c.cancelTimer()
		c.agg.clear()
		c.emit(Event{Type: EventPreview})
		if c.phase == PhaseListening {
			c.phase = PhaseIdle
		}
		c.publishPhase()
		return nil
	})
}

// SendText submits typed student input. Pending speech is discarded, tutor
// speech is cut off and an in-flight reply is superseded.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return c.exec(func() error {
		c.sendText(text)
		return nil
	})
}

// Mute stops listening and speaking. A reply being generated keeps
// streaming; buffered speech is kept for Unmute.
func (c *Controller) Mute() error {
	return c.exec(func() error {
		if c.muted {
			return nil
		}
		c.muted = true
		c.stopCapture()
		c.cancelTimer()
		c.agg.interim("")
		c.stopSpeech()
		c.publishPhase()
		return nil
	})
}

// Unmute resumes listening if voice input was active.
func (c *Controller) Unmute() error {
	return c.exec(func() error {
		if !c.muted {
			return nil
		}
		c.muted = false
		if c.voiceActive {
			c.captureRestarts = 0
			if err := c.startCapture(); err != nil {
				c.failCapture(err)
			}
		}
		// flush applies the drop rule if a reply is still in flight.
		if c.agg.hasPending() {
			c.armTimer()
		}
		c.publishPhase()
		return nil
	})
}

// Interrupt stops the tutor's speech without touching anything else.
func (c *Controller) Interrupt() error {
	return c.exec(func() error {
		c.stopSpeech()
		c.publishPhase()
		return nil
	})
}

// SetVoice changes the synthesis voice for subsequent utterances.
func (c *Controller) SetVoice(voice string) error {
	return c.exec(func() error {
		c.cfg.Voice = strings.TrimSpace(voice)
		return nil
	})
}

// SetObjective changes the learning objective the tutor works towards.
func (c *Controller) SetObjective(objective string) error {
	return c.exec(func() error {
		c.learning.SetObjective(objective)
		return nil
	})
}

// ApplyRoomMessage merges a message received from the realtime data channel.
func (c *Controller) ApplyRoomMessage(msg room.Message) error {
	return c.exec(func() error {
		switch m := msg.(type) {
		case room.Transcript:
			c.appendRemoteTurn(m)
		case room.DisplayVisual:
			c.visual = append(json.RawMessage(nil), m.Payload...)
			c.emit(Event{Type: EventVisual, Visual: c.visual})
		case room.SentimentUpdate:
			c.setSentiment(m.Sentiment)
		case room.TextMessage:
			text := strings.TrimSpace(m.Text)
			if text == "" {
				return ErrEmptyText
			}
			c.sendText(text)
		default:
			return fmt.Errorf("%w: %T", room.ErrUnknownType, msg)
		}
		return nil
	})
}

// End terminates the session. Every outstanding operation is cancelled.
func (c *Controller) End() error {
	err := c.exec(func() error {
		c.end()
		return nil
	})
	if errors.Is(err, ErrSessionEnded) {
		return nil
	}
	return err
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.exec(func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		SessionID:    c.cfg.SessionID,
		Phase:        c.reportedPhase(),
		BasePhase:    c.phase,
		Muted:        c.muted,
		VoiceActive:  c.voiceActive,
		Preview:      c.agg.preview,
		Pending:      c.agg.pendingText(),
		Turns:        append([]chat.Turn(nil), c.turns...),
		Sentiment:    c.sentiment,
		Objective:    c.learning.Objective(),
		BloomLevel:   c.learning.Level(),
		Visual:       append(json.RawMessage(nil), c.visual...),
		ChatInFlight: c.chatInFlight,
		Speaking:     c.speaking,
	}
}

// exec runs fn on the loop and waits for it.
func (c *Controller) exec(fn func() error) error {
	result := make(chan error, 1)
	ok := c.post(func() {
		if c.ended {
			result <- ErrSessionEnded
			return
		}
		var err error
		defer func() { result <- err }()
		err = fn()
	})
	if !ok {
		return ErrSessionEnded
	}

	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

// post queues fn for the loop. It reports false once the loop has stopped.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.cmds <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observability.ReportPanic("session", r, map[string]interface{}{"sessionId": c.cfg.SessionID})
			if c.ended {
				return
			}
			c.emit(Event{Type: EventError, Message: "Something went wrong. Please try again."})
			if !c.chatInFlight && !c.speaking {
				c.phase = c.restPhase()
			}
			c.publishPhase()
		}
	}()
	fn()
}

func (c *Controller) emit(e Event) {
	if c.deps.Listener == nil {
		return
	}
	e.SessionID = c.cfg.SessionID
	if e.Time.IsZero() {
		e.Time = c.deps.Clock.Now()
	}
	c.deps.Listener(e)
}

func (c *Controller) reportedPhase() Phase {
	switch {
	case c.ended:
		return PhaseEnded
	case c.muted:
		return PhaseMuted
	default:
		return c.phase
	}
}

func (c *Controller) publishPhase() {
	p := c.reportedPhase()
	if p == c.published {
		return
	}
	c.published = p
	c.emit(Event{Type: EventPhase, Phase: p})
}

// restPhase is where the session settles when nothing is in progress.
func (c *Controller) restPhase() Phase {
	if c.voiceActive {
		return PhaseListening
	}
	return PhaseIdle
}

func (c *Controller) greet() {
	greeting := strings.TrimSpace(c.cfg.Greeting)
	if greeting == "" || len(c.turns) > 0 {
		return
	}
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleTutor, Content: greeting, Timestamp: c.deps.Clock.Now()})
	idx := len(c.turns) - 1
	c.emit(Event{Type: EventTurn, Index: idx, Turn: c.turnAt(idx), Complete: true})
	c.startSpeech(greeting)
}

// --- speech capture -------------------------------------------------------

func (c *Controller) startCapture() error {
	if c.deps.Capture == nil {
		return ErrNoCapture
	}
	if c.captureRunning {
		return nil
	}
	c.captureGen++
	gen := c.captureGen
	ctx, cancel := context.WithCancel(c.ctx)

	events := CaptureEvents{
		Fragment: func(u chat.Utterance) {
			c.post(func() {
				if gen == c.captureGen && c.captureRunning {
					c.handleFragment(u)
				}
			})
		},
		Ended: func(err error) {
			c.post(func() {
				if gen == c.captureGen && c.captureRunning {
					c.handleCaptureEnded(err)
				}
			})
		},
	}

	if err := c.deps.Capture.Start(ctx, c.cfg.Language, events); err != nil {
		cancel()
		return err
	}
	c.captureCancel = cancel
	c.captureRunning = true
	return nil
}

func (c *Controller) stopCapture() {
	if !c.captureRunning {
		return
	}
	c.captureRunning = false
	c.captureGen++
	c.captureCancel()
	c.captureCancel = nil
	c.deps.Capture.Stop()
}

func (c *Controller) handleCaptureEnded(err error) {
	c.captureRunning = false
	c.captureCancel()
	c.captureCancel = nil

	if c.ended || c.muted || !c.voiceActive {
		return
	}
	if !IsTransientCaptureError(err) {
		c.failCapture(err)
		return
	}
	if c.captureRestarts >= c.cfg.MaxCaptureRestarts {
		c.failCapture(fmt.Errorf("speech capture keeps stopping: %w", ErrNoSpeech))
		return
	}
	c.captureRestarts++
	if err := c.startCapture(); err != nil {
		c.failCapture(err)
	}
}

func (c *Controller) failCapture(err error) {
	observability.ReportError("session", fmt.Errorf("speech capture failed: %w", err), map[string]interface{}{"sessionId": c.cfg.SessionID})
	c.voiceActive = false
	c.emit(Event{Type: EventError, Message: "Listening stopped. Check your microphone and try again."})
	if c.phase == PhaseListening {
		c.phase = PhaseIdle
	}
	c.publishPhase()
}

// --- utterance aggregation --------------------------------------------------

func (c *Controller) handleFragment(u chat.Utterance) {
	if c.ended || c.muted {
		return
	}
	c.captureRestarts = 0

	if !u.IsFinal {
		c.agg.interim(u.Text)
		c.emit(Event{Type: EventPreview, Text: u.Text})
		return
	}

	appended := c.agg.final(u.Text)
	c.emit(Event{Type: EventPreview})
	if appended {
		c.armTimer()
	}
}

func (c *Controller) armTimer() {
	c.cancelTimer()
	gen := c.timerGen
	c.timer = c.deps.Clock.AfterFunc(c.cfg.SilenceDelay, func() {
		c.post(func() {
			if gen == c.timerGen {
				c.timer = nil
				c.flush()
			}
		})
	})
}

func (c *Controller) cancelTimer() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// flush hands the buffered utterance to the dialogue requester. While a reply
// is being generated the buffer is dropped rather than queued.
func (c *Controller) flush() {
	text := c.agg.take()
	if text == "" || c.ended || c.muted {
		return
	}
	if c.chatInFlight {
		log.Printf("[session] %s dropped utterance while tutor is thinking: %q", c.cfg.SessionID, text)
		return
	}
	c.submit(text)
}

func (c *Controller) sendText(text string) {
	c.cancelTimer()
	if c.agg.hasPending() || c.agg.preview != "" {
		c.agg.clear()
		c.emit(Event{Type: EventPreview})
	}
	c.submit(text)
}

// --- dialogue -------------------------------------------------------------

func (c *Controller) submit(text string) {
	c.stopSpeech()
	c.cancelChat()

	now := c.deps.Clock.Now()
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleStudent, Content: text, Timestamp: now})
	student := len(c.turns) - 1
	c.emit(Event{Type: EventTurn, Index: student, Turn: c.turnAt(student), Complete: true})

	messages, greeting, err := chat.ShapeHistory(c.turns)
	if err != nil {
		observability.ReportError("session", err, map[string]interface{}{"sessionId": c.cfg.SessionID})
		c.emit(Event{Type: EventError, Message: err.Error()})
		return
	}

	history := append([]chat.Turn(nil), c.turns...)
	plan := c.learning.Observe(text)
	c.turns = append(c.turns, chat.Turn{Role: chat.RoleTutor, Timestamp: now})
	c.replyIndex = len(c.turns) - 1
	c.emit(Event{Type: EventTurn, Index: c.replyIndex, Turn: c.turnAt(c.replyIndex)})

	c.chatGen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.chatCancel = cancel
	c.chatInFlight = true
	c.phase = PhaseThinking
	c.publishPhase()

	go c.runDialogue(ctx, dialogueRequest{
		gen:       c.chatGen,
		student:   student,
		utterance: text,
		history:   history,
		plan:      plan,
		request: chat.CompletionRequest{
			Persona:  c.cfg.Persona,
			Greeting: greeting,
			Messages: messages,
		},
	})
}

func (c *Controller) appendDelta(delta string) {
	if c.replyIndex < 0 || c.replyIndex >= len(c.turns) {
		return
	}
	reply := &c.turns[c.replyIndex]
	reply.Content += delta
	c.emit(Event{Type: EventTurnDelta, Index: c.replyIndex, Delta: delta, Text: reply.Content})
}

func (c *Controller) dialogueDone(gen uint64, err error) {
	if gen != c.chatGen || !c.chatInFlight {
		return
	}
	c.chatInFlight = false
	c.chatCancel()
	c.chatCancel = nil

	idx := c.replyIndex
	c.replyIndex = -1
	reply := &c.turns[idx]
	if err == nil && strings.TrimSpace(reply.Content) == "" {
		err = errEmptyReply
	}
	if err != nil {
		observability.ReportError("session", fmt.Errorf("tutor reply failed: %w", err), map[string]interface{}{"sessionId": c.cfg.SessionID})
		if strings.TrimSpace(reply.Content) == "" {
			reply.Content = c.cfg.FallbackText
		}
		c.emit(Event{Type: EventError, Message: "The tutor could not finish that reply."})
	}
	c.emit(Event{Type: EventTurnComplete, Index: idx, Turn: c.turnAt(idx), Complete: true})

	// Thinking lasts until the first audio plays.
	c.startSpeech(reply.Content)
	if !c.speaking {
		c.phase = c.restPhase()
	}
	c.publishPhase()
}

// cancelChat abandons the in-flight reply. A reply with partial content is
// kept; an empty placeholder is removed.
func (c *Controller) cancelChat() {
	if !c.chatInFlight {
		return
	}
	c.chatGen++
	c.chatInFlight = false
	c.chatCancel()
	c.chatCancel = nil

	idx := c.replyIndex
	c.replyIndex = -1
	if idx < 0 || idx >= len(c.turns) {
		return
	}
	if strings.TrimSpace(c.turns[idx].Content) == "" {
		c.turns = append(c.turns[:idx], c.turns[idx+1:]...)
		c.emit(Event{Type: EventTurnRemoved, Index: idx})
		return
	}
	c.emit(Event{Type: EventTurnComplete, Index: idx, Turn: c.turnAt(idx), Complete: true})
}

// --- speech output --------------------------------------------------------

// startSpeech speaks text unless the session is muted or has no speaker.
func (c *Controller) startSpeech(text string) {
	if c.muted || c.ended || c.deps.Speaker == nil || utils.StripMarkup(text) == "" {
		return
	}
	c.stopSpeech()

	c.speechGen++
	gen := c.speechGen
	ctx, cancel := context.WithCancel(c.ctx)
	c.speechCancel = cancel
	c.speaking = true

	req := &speech.TTSRequest{
		SessionID: c.cfg.SessionID,
		Text:      text,
		Voice:     c.cfg.Voice,
		Language:  c.cfg.Language,
		Emotion:   c.sentiment,
	}
	if label, ok := sentiment.ParseLabel(c.sentiment); ok {
		req.Speed = sentiment.StrategyFor(label).SpeedRatio()
	}

	speaker := c.deps.Speaker
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				observability.ReportPanic("session", r, map[string]interface{}{"sessionId": c.cfg.SessionID})
				err = fmt.Errorf("speech output panicked: %v", r)
			}
			c.post(func() { c.speechDone(gen, err) })
		}()
		err = speaker.Speak(ctx, req, func(clip Clip) {
			c.post(func() { c.speechStarted(gen, clip) })
		})
	}()
}

func (c *Controller) speechStarted(gen uint64, clip Clip) {
	if gen != c.speechGen || !c.speaking {
		return
	}
	c.phase = PhaseSpeaking
	c.emit(Event{Type: EventSpeechStart, ClipID: clip.ID, Text: clip.Text})
	c.publishPhase()
}

func (c *Controller) speechDone(gen uint64, err error) {
	if gen != c.speechGen || !c.speaking {
		return
	}
	c.speaking = false
	c.speechCancel()
	c.speechCancel = nil

	if err != nil && !errors.Is(err, context.Canceled) {
		observability.ReportError("session", fmt.Errorf("speech output failed: %w", err), map[string]interface{}{"sessionId": c.cfg.SessionID})
	}
	c.emit(Event{Type: EventSpeechEnd})
	c.settleAfterSpeech()
	c.publishPhase()
}

func (c *Controller) stopSpeech() {
	if !c.speaking {
		return
	}
	c.speechGen++
	c.speaking = false
	c.speechCancel()
	c.speechCancel = nil
	c.deps.Speaker.Stop()
	c.emit(Event{Type: EventSpeechEnd})
	c.settleAfterSpeech()
}

// settleAfterSpeech leaves Speaking, or a Thinking phase that was only
// waiting for audio.
func (c *Controller) settleAfterSpeech() {
	if c.phase == PhaseSpeaking || (c.phase == PhaseThinking && !c.chatInFlight) {
		c.phase = c.restPhase()
	}
}

// --- affect and remote turns -------------------------------------------------

func (c *Controller) applyStudentSentiment(idx int, label string) {
	if idx >= 0 && idx < len(c.turns) && c.turns[idx].Role == chat.RoleStudent {
		c.turns[idx].Sentiment = label
	}
	c.setSentiment(label)
}

func (c *Controller) setSentiment(raw string) {
	label, ok := sentiment.ParseLabel(raw)
	if !ok || string(label) == c.sentiment {
		return
	}
	c.sentiment = string(label)
	c.emit(Event{Type: EventSentiment, Sentiment: c.sentiment})
}

func (c *Controller) appendRemoteTurn(m room.Transcript) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	c.turns = append(c.turns, chat.Turn{
		Role:      chat.ParseRole(m.Role),
		Content:   text,
		Sentiment: m.Sentiment,
		Timestamp: c.deps.Clock.Now(),
	})
	idx := len(c.turns) - 1
	c.emit(Event{Type: EventTurn, Index: idx, Turn: c.turnAt(idx), Complete: true})
	if m.Sentiment != "" {
		c.setSentiment(m.Sentiment)
	}
}

func (c *Controller) turnAt(idx int) *chat.Turn {
	t := c.turns[idx]
	return &t
}

// --- end --------------------------------------------------------------------

func (c *Controller) end() {
	if c.ended {
		return
	}
	c.cancelTimer()
	c.agg.clear()
	c.stopCapture()
	c.stopSpeech()
	c.cancelChat()
	c.voiceActive = false
	c.ended = true
	c.cancel()
	c.publishPhase()
	c.emit(Event{Type: EventEnded})
	log.Printf("[session] %s ended after %d turns", c.cfg.SessionID, len(c.turns))
}
