package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/pedagogy"
	"github.com/zhouzirui/edu-avatar/backend/internal/analysis/sentiment"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/room"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	sentimentsvc "github.com/zhouzirui/edu-avatar/backend/internal/service/sentiment"
)

// ---- fakes -----------------------------------------------------------------

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// fire runs every timer that has not been stopped.
func (c *fakeClock) fire() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
		}
	}
}

// fireStale runs a timer even though it was stopped, as a real timer racing
// with Stop would.
func (c *fakeClock) fireStale(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.f()
}

type sliceStream struct {
	deltas []string
	err    error
}

func (s *sliceStream) Recv() (string, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error { return nil }

// chanStream yields deltas sent on ch until ch is closed or ctx is done.
type chanStream struct {
	ctx context.Context
	ch  chan string
}

func (s *chanStream) Recv() (string, error) {
	select {
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	case d, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return d, nil
	}
}

func (s *chanStream) Close() error { return nil }

type fakeChat struct {
	mu       sync.Mutex
	requests []chat.CompletionRequest
	script   []func(ctx context.Context) (chat.DeltaStream, error)
}

func (f *fakeChat) then(fn func(ctx context.Context) (chat.DeltaStream, error)) *fakeChat {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, fn)
	return f
}

func (f *fakeChat) reply(deltas ...string) *fakeChat {
	return f.then(func(context.Context) (chat.DeltaStream, error) {
		return &sliceStream{deltas: deltas}, nil
	})
}

func (f *fakeChat) blocking(ch chan string) *fakeChat {
	return f.then(func(ctx context.Context) (chat.DeltaStream, error) {
		return &chanStream{ctx: ctx, ch: ch}, nil
	})
}

func (f *fakeChat) StreamCompletion(ctx context.Context, req chat.CompletionRequest) (chat.DeltaStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var next func(ctx context.Context) (chat.DeltaStream, error)
	if len(f.script) > 0 {
		next = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()
	if next == nil {
		return &sliceStream{deltas: []string{"Sure", "."}}, nil
	}
	return next(ctx)
}

func (f *fakeChat) calls() []chat.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.CompletionRequest(nil), f.requests...)
}

type fakeAssessor struct {
	label sentiment.Label
}

func (a fakeAssessor) Assess(context.Context, persona.Config, []chat.Turn, string) sentimentsvc.Guidance {
	return sentimentsvc.Guidance{
		Label:  a.label,
		Prompt: sentiment.AdaptationPrompt(a.label),
	}
}

type fakeCapture struct {
	mu      sync.Mutex
	starts  int
	stops   int
	events  CaptureEvents
	failErr error
}

func (f *fakeCapture) Start(_ context.Context, _ string, events CaptureEvents) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.starts++
	f.events = events
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeCapture) fragment(text string, final bool) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events.Fragment(chat.Utterance{Text: text, IsFinal: final})
}

func (f *fakeCapture) end(err error) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()
	events.Ended(err)
}

type fakeSynth struct {
	mu       sync.Mutex
	requests []speech.TTSRequest
	err      error
}

func (s *fakeSynth) SynthesizeSpeech(_ context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)
	if s.err != nil {
		return nil, s.err
	}
	return &speech.TTSResponse{AudioData: []byte("mp3"), Format: "mp3", Duration: 1200}, nil
}

func (s *fakeSynth) calls() []speech.TTSRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech.TTSRequest(nil), s.requests...)
}

// fakePlayer blocks in Play until release is called or the clip is stopped.
type fakePlayer struct {
	mu      sync.Mutex
	played  []Clip
	stops   int
	release chan struct{}
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{release: make(chan struct{}, 8)}
}

func (p *fakePlayer) Play(ctx context.Context, clip Clip) error {
	p.mu.Lock()
	p.played = append(p.played, clip)
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.release:
		return nil
	}
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.played)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) phases() []Phase {
	var out []Phase
	for _, e := range r.ofType(EventPhase) {
		out = append(out, e.Phase)
	}
	return out
}

// ---- harness ---------------------------------------------------------------

var ada = persona.Config{Name: "Prof. Ada", Subject: "Mathematics", TeachingStyle: "Socratic"}

type harness struct {
	ctrl    *Controller
	clock   *fakeClock
	chat    *fakeChat
	capture *fakeCapture
	synth   *fakeSynth
	player  *fakePlayer
	events  *recorder
}

type harnessOption func(*Config, *Dependencies, *harness)

func withSpeaker() harnessOption {
	return func(_ *Config, deps *Dependencies, h *harness) {
		h.synth = &fakeSynth{}
		h.player = newFakePlayer()
		deps.Speaker = NewSpeaker(h.synth, h.player)
	}
}

func withGreeting(text string) harnessOption {
	return func(cfg *Config, _ *Dependencies, _ *harness) {
		cfg.Greeting = text
	}
}

func withObjective(objective string) harnessOption {
	return func(cfg *Config, _ *Dependencies, _ *harness) {
		cfg.Objective = objective
	}
}

func withAssessor(label sentiment.Label) harnessOption {
	return func(_ *Config, deps *Dependencies, _ *harness) {
		deps.Sentiment = fakeAssessor{label: label}
	}
}

func newHarness(t *testing.T, fc *fakeChat, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		chat:    fc,
		capture: &fakeCapture{},
		events:  &recorder{},
	}
	cfg := Config{SessionID: "sess-1", Persona: ada, Language: "en-US", MaxCaptureRestarts: 2}
	deps := Dependencies{
		Chat:      fc,
		Capture:   h.capture,
		Sentiment: fakeAssessor{label: sentiment.Neutral},
		Listener:  h.events.listen,
		Clock:     h.clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, h)
	}

	ctrl, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)
	t.Cleanup(func() {
		_ = ctrl.End()
		cancel()
		<-ctrl.Done()
	})
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.ctrl.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot returned error: %v", err)
	}
	return snap
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	eventually(t, "phase "+string(want), func() bool {
		return h.snapshot(t).Phase == want
	})
}

func (h *harness) waitReplies(t *testing.T, n int) {
	t.Helper()
	eventually(t, "completed replies", func() bool {
		return len(h.events.ofType(EventTurnComplete)) >= n
	})
}

// ---- tests -----------------------------------------------------------------

func TestNewRequiresChatClient(t *testing.T) {
	if _, err := New(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error without chat client")
	}
}

func TestSilenceTimerFlushesAggregatedUtterance(t *testing.T) {
	h := newHarness(t, (&fakeChat{}).reply("A fraction ", "is part of a whole."))

	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	h.waitPhase(t, PhaseListening)

	h.capture.fragment("what is", false)
	eventually(t, "preview", func() bool { return h.snapshot(t).Preview == "what is" })

	h.capture.fragment("what is", true)
	h.capture.fragment("  a fraction ", true)
	eventually(t, "pending text", func() bool { return h.snapshot(t).Pending == "what is a fraction" })

	if got := h.clock.active(); got != 1 {
		t.Fatalf("expected exactly one armed silence timer, got %d", got)
	}
	if h.clock.delays[0] != DefaultSilenceDelay {
		t.Fatalf("expected silence delay %s, got %s", DefaultSilenceDelay, h.clock.delays[0])
	}
	if len(h.chat.calls()) != 0 {
		t.Fatalf("chat must not be called before the silence timer fires")
	}

	h.clock.fire()
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseListening)

	calls := h.chat.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one chat request, got %d", len(calls))
	}
	msgs := calls[0].Messages
	if len(msgs) != 1 || msgs[0].Role != chat.MessageRoleUser || msgs[0].Content != "what is a fraction" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	snap := h.snapshot(t)
	if snap.Pending != "" || snap.Preview != "" {
		t.Fatalf("buffer should be empty after flush, got %+v", snap)
	}
	if len(snap.Turns) != 2 {
		t.Fatalf("expected student and tutor turns, got %+v", snap.Turns)
	}
	if snap.Turns[1].Role != chat.RoleTutor || snap.Turns[1].Content != "A fraction is part of a whole." {
		t.Fatalf("unexpected tutor turn %+v", snap.Turns[1])
	}
	if len(h.events.ofType(EventTurnDelta)) != 2 {
		t.Fatalf("expected two delta events")
	}
}

func TestStaleSilenceTimerIsIgnored(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}

	h.capture.fragment("first", true)
	eventually(t, "first timer", func() bool { return h.clock.active() == 1 })
	h.capture.fragment("second", true)
	eventually(t, "re-armed timer", func() bool { return h.clock.count() == 2 && h.clock.active() == 1 })

	h.clock.fireStale(0)
	// Snapshot is serialised behind the stale callback.
	if snap := h.snapshot(t); snap.Pending != "first second" {
		t.Fatalf("stale timer must not flush, pending=%q", snap.Pending)
	}
	if len(h.chat.calls()) != 0 {
		t.Fatalf("stale timer must not start a chat")
	}
}

func TestGreetingIsFoldedIntoPrompt(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withGreeting("Hello! I'm Prof. Ada."))

	if err := h.ctrl.SendText("hi, can we do fractions?"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)

	calls := h.chat.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one chat request, got %d", len(calls))
	}
	if calls[0].Greeting != "Hello! I'm Prof. Ada." {
		t.Fatalf("unexpected greeting %q", calls[0].Greeting)
	}
	if len(calls[0].Messages) != 1 || calls[0].Messages[0].Role != chat.MessageRoleUser {
		t.Fatalf("history must start with the student, got %+v", calls[0].Messages)
	}
	if calls[0].Persona != ada {
		t.Fatalf("persona not forwarded: %+v", calls[0].Persona)
	}
}

func TestSendTextRejectsBlankInput(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.SendText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestChatFailureUsesFallbackReply(t *testing.T) {
	fc := (&fakeChat{}).then(func(context.Context) (chat.DeltaStream, error) {
		return nil, errors.New("upstream down")
	})
	h := newHarness(t, fc)

	if err := h.ctrl.SendText("help"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseIdle)

	snap := h.snapshot(t)
	if got := snap.Turns[len(snap.Turns)-1].Content; got != DefaultFallbackText {
		t.Fatalf("expected fallback reply, got %q", got)
	}
	if len(h.events.ofType(EventError)) == 0 {
		t.Fatalf("expected an error event")
	}
}

func TestPartialReplyIsKeptOnStreamError(t *testing.T) {
	fc := (&fakeChat{}).then(func(context.Context) (chat.DeltaStream, error) {
		return &sliceStream{deltas: []string{"Let's start "}, err: io.ErrUnexpectedEOF}, nil
	})
	h := newHarness(t, fc)

	if err := h.ctrl.SendText("help"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)

	snap := h.snapshot(t)
	if got := snap.Turns[len(snap.Turns)-1].Content; got != "Let's start " {
		t.Fatalf("partial reply should be kept, got %q", got)
	}
}

func TestSendTextSupersedesInFlightReply(t *testing.T) {
	first := make(chan string)
	fc := (&fakeChat{}).blocking(first).reply("Second answer.")
	h := newHarness(t, fc)

	if err := h.ctrl.SendText("first question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseThinking)
	eventually(t, "first request", func() bool { return len(h.chat.calls()) == 1 })

	if err := h.ctrl.SendText("second question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseIdle)

	removed := h.events.ofType(EventTurnRemoved)
	if len(removed) != 1 || removed[0].Index != 1 {
		t.Fatalf("expected empty placeholder at index 1 to be removed, got %+v", removed)
	}

	snap := h.snapshot(t)
	var contents []string
	for _, turn := range snap.Turns {
		contents = append(contents, string(turn.Role)+":"+turn.Content)
	}
	want := []string{"STUDENT:first question", "STUDENT:second question", "TUTOR:Second answer."}
	if len(contents) != len(want) {
		t.Fatalf("unexpected turns %v", contents)
	}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("turn %d: want %q, got %q", i, want[i], contents[i])
		}
	}

	second := h.chat.calls()[1].Messages
	if len(second) != 1 || second[0].Content != "first question\n\nsecond question" {
		t.Fatalf("consecutive student turns should merge, got %+v", second)
	}
}

func TestUtteranceIsDroppedWhileThinking(t *testing.T) {
	pending := make(chan string)
	h := newHarness(t, (&fakeChat{}).blocking(pending))

	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	if err := h.ctrl.SendText("question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseThinking)

	h.capture.fragment("wait, also this", true)
	eventually(t, "timer", func() bool { return h.clock.active() == 1 })
	h.clock.fire()

	snap := h.snapshot(t)
	if snap.Pending != "" {
		t.Fatalf("buffer should be emptied, got %q", snap.Pending)
	}
	if len(h.chat.calls()) != 1 {
		t.Fatalf("no second request expected while thinking")
	}

	pending <- "Answer."
	close(pending)
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseListening)

	if n := len(h.snapshot(t).Turns); n != 2 {
		t.Fatalf("dropped utterance must not become a turn, got %d turns", n)
	}
}

func TestReplyIsSpokenWithSentimentPacing(t *testing.T) {
	h := newHarness(t, (&fakeChat{}).reply("**Good** question."), withSpeaker(), withAssessor(sentiment.Confused))

	if err := h.ctrl.SendText("I'm confused"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseSpeaking)

	reqs := h.synth.calls()
	if len(reqs) != 1 {
		t.Fatalf("expected one synthesis request, got %d", len(reqs))
	}
	if reqs[0].Text != "Good question." {
		t.Fatalf("markup should be stripped, got %q", reqs[0].Text)
	}
	if reqs[0].Emotion != string(sentiment.Confused) || reqs[0].Speed != 0.9 {
		t.Fatalf("unexpected emotion/speed %q/%v", reqs[0].Emotion, reqs[0].Speed)
	}

	snap := h.snapshot(t)
	if snap.Turns[0].Sentiment != string(sentiment.Confused) || snap.Sentiment != string(sentiment.Confused) {
		t.Fatalf("student sentiment not recorded: %+v", snap)
	}
	if len(h.events.ofType(EventSpeechStart)) != 1 {
		t.Fatalf("expected speech start event")
	}

	h.player.release <- struct{}{}
	h.waitPhase(t, PhaseIdle)
	if len(h.events.ofType(EventSpeechEnd)) != 1 {
		t.Fatalf("expected speech end event")
	}

	phases := h.events.phases()
	want := []Phase{PhaseThinking, PhaseSpeaking, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("unexpected phases %v", phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("unexpected phases %v", phases)
		}
	}
}

func TestGreetingIsSpokenOnStart(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withSpeaker(), withGreeting("Hi, I'm Prof. Ada!"))

	h.waitPhase(t, PhaseSpeaking)
	if got := h.synth.calls()[0].Text; got != "Hi, I'm Prof. Ada!" {
		t.Fatalf("unexpected greeting speech %q", got)
	}
	h.player.release <- struct{}{}
	h.waitPhase(t, PhaseIdle)
}

func TestSynthesisFailureReturnsToRest(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withSpeaker())
	h.synth.err = errors.New("tts unavailable")

	if err := h.ctrl.SendText("hello"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseIdle)
	if h.player.playCount() != 0 {
		t.Fatalf("nothing should be played")
	}
}

func TestMuteStopsSpeechAndKeepsBuffer(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withSpeaker())

	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	if err := h.ctrl.SendText("explain fractions"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseSpeaking)

	h.capture.fragment("one more thing", true)
	eventually(t, "pending", func() bool { return h.snapshot(t).Pending == "one more thing" })

	if err := h.ctrl.Mute(); err != nil {
		t.Fatalf("Mute returned error: %v", err)
	}
	snap := h.snapshot(t)
	if snap.Phase != PhaseMuted || snap.Speaking {
		t.Fatalf("expected muted and silent, got %+v", snap)
	}
	if snap.Pending != "one more thing" {
		t.Fatalf("mute must keep buffered speech, got %q", snap.Pending)
	}
	if h.player.stopCount() == 0 {
		t.Fatalf("player should be stopped on mute")
	}
	if h.clock.active() != 0 {
		t.Fatalf("silence timer should be cancelled on mute")
	}

	// typed input still gets a reply, but nothing is spoken
	startsBefore := h.capture.startCount()
	if err := h.ctrl.SendText("typed while muted"); err != nil {
		t.Fatalf("SendText while muted returned error: %v", err)
	}
	h.waitReplies(t, 2)
	if len(h.synth.calls()) != 1 {
		t.Fatalf("muted session must not speak")
	}

	if err := h.ctrl.Unmute(); err != nil {
		t.Fatalf("Unmute returned error: %v", err)
	}
	h.waitPhase(t, PhaseListening)
	if h.capture.startCount() != startsBefore+1 {
		t.Fatalf("unmute should restart capture")
	}
}

func TestUnmuteRearmsSilenceTimer(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	h.capture.fragment("half a thought", true)
	eventually(t, "timer", func() bool { return h.clock.active() == 1 })

	if err := h.ctrl.Mute(); err != nil {
		t.Fatalf("Mute returned error: %v", err)
	}
	if err := h.ctrl.Unmute(); err != nil {
		t.Fatalf("Unmute returned error: %v", err)
	}
	if h.clock.active() != 1 {
		t.Fatalf("expected timer to be re-armed after unmute")
	}
	h.clock.fire()
	h.waitReplies(t, 1)
	if got := h.chat.calls()[0].Messages[0].Content; got != "half a thought" {
		t.Fatalf("unexpected flushed text %q", got)
	}
}

func TestUnmuteWhileThinkingDropsBufferedSpeech(t *testing.T) {
	pending := make(chan string)
	h := newHarness(t, (&fakeChat{}).blocking(pending).reply("Next answer."))
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	if err := h.ctrl.SendText("first question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseThinking)

	h.capture.fragment("stray words", true)
	eventually(t, "timer", func() bool { return h.clock.active() == 1 })
	if err := h.ctrl.Mute(); err != nil {
		t.Fatalf("Mute returned error: %v", err)
	}
	if err := h.ctrl.Unmute(); err != nil {
		t.Fatalf("Unmute returned error: %v", err)
	}
	if h.clock.active() != 1 {
		t.Fatalf("buffered speech should be timed again after unmute")
	}

	h.clock.fire()
	if snap := h.snapshot(t); snap.Pending != "" {
		t.Fatalf("speech buffered while thinking should be dropped, got %q", snap.Pending)
	}

	pending <- "Answer."
	close(pending)
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseListening)

	h.capture.fragment("new question", true)
	eventually(t, "timer", func() bool { return h.clock.active() == 1 })
	h.clock.fire()
	h.waitReplies(t, 2)

	messages := h.chat.calls()[1].Messages
	if got := messages[len(messages)-1].Content; got != "new question" {
		t.Fatalf("stale speech leaked into the next utterance: %q", got)
	}
}

func TestInterruptStopsSpeechOnly(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withSpeaker())
	if err := h.ctrl.SendText("hello"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseSpeaking)

	if err := h.ctrl.Interrupt(); err != nil {
		t.Fatalf("Interrupt returned error: %v", err)
	}
	snap := h.snapshot(t)
	if snap.Phase != PhaseIdle || snap.Speaking || snap.Muted {
		t.Fatalf("unexpected state after interrupt %+v", snap)
	}
	if len(snap.Turns) != 2 {
		t.Fatalf("interrupt must not alter the transcript")
	}
}

func TestEndIsTerminal(t *testing.T) {
	pending := make(chan string, 1)
	h := newHarness(t, (&fakeChat{}).blocking(pending))
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	if err := h.ctrl.SendText("question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitPhase(t, PhaseThinking)

	if err := h.ctrl.End(); err != nil {
		t.Fatalf("End returned error: %v", err)
	}
	select {
	case <-h.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop")
	}

	if err := h.ctrl.SendText("again"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if _, err := h.ctrl.Snapshot(); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded from Snapshot, got %v", err)
	}
	if err := h.ctrl.End(); err != nil {
		t.Fatalf("second End should be a no-op, got %v", err)
	}

	// a reply arriving after the session ended must not reach the transcript
	h.events.mu.Lock()
	before := len(h.events.events)
	h.events.mu.Unlock()
	pending <- "late answer"
	time.Sleep(50 * time.Millisecond)
	if deltas := h.events.ofType(EventTurnDelta); len(deltas) != 0 {
		t.Fatalf("late delta was applied after end: %+v", deltas)
	}
	h.events.mu.Lock()
	after := len(h.events.events)
	h.events.mu.Unlock()
	if after != before {
		t.Fatalf("expected no events after end, got %d new", after-before)
	}

	phases := h.events.phases()
	if phases[len(phases)-1] != PhaseEnded {
		t.Fatalf("last phase should be ended, got %v", phases)
	}
	if len(h.events.ofType(EventEnded)) != 1 {
		t.Fatalf("expected exactly one ended event")
	}
	if h.capture.stopCount() == 0 {
		t.Fatalf("capture should be stopped on end")
	}
}

func TestStartVoiceWithoutCapture(t *testing.T) {
	ctrl, err := New(Config{}, Dependencies{Chat: &fakeChat{}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	if err := ctrl.StartVoice(); !errors.Is(err, ErrNoCapture) {
		t.Fatalf("expected ErrNoCapture, got %v", err)
	}
	_ = ctrl.End()
}

func TestStartVoiceFailure(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	h.capture.failErr = errors.New("microphone denied")

	if err := h.ctrl.StartVoice(); err == nil {
		t.Fatalf("expected start error")
	}
	if snap := h.snapshot(t); snap.VoiceActive || snap.Phase != PhaseIdle {
		t.Fatalf("voice should stay inactive, got %+v", snap)
	}
}

func TestCaptureRestartsAreBounded(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}

	// MaxCaptureRestarts is 2 in the harness.
	for i := 1; i <= 2; i++ {
		h.capture.end(ErrNoSpeech)
		want := i + 1
		eventually(t, "capture restart", func() bool { return h.capture.startCount() == want })
	}

	h.capture.end(nil)
	h.waitPhase(t, PhaseIdle)
	if h.snapshot(t).VoiceActive {
		t.Fatalf("voice should be inactive after too many restarts")
	}
	if len(h.events.ofType(EventError)) != 1 {
		t.Fatalf("expected one error event")
	}
}

func TestFragmentResetsCaptureRestarts(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	for i := 1; i <= 6; i++ {
		h.capture.end(nil)
		want := i + 1
		eventually(t, "capture restart", func() bool { return h.capture.startCount() == want })
		h.capture.fragment("um", false)
	}
	if !h.snapshot(t).VoiceActive {
		t.Fatalf("recognised speech should keep the capture alive")
	}
}

func TestFatalCaptureErrorStopsVoice(t *testing.T) {
	h := newHarness(t, &fakeChat{})
	if err := h.ctrl.StartVoice(); err != nil {
		t.Fatalf("StartVoice returned error: %v", err)
	}
	h.capture.end(errors.New("not-allowed"))
	h.waitPhase(t, PhaseIdle)
	if h.capture.startCount() != 1 {
		t.Fatalf("fatal errors must not restart the capture")
	}
}

func TestApplyRoomMessage(t *testing.T) {
	h := newHarness(t, (&fakeChat{}).reply("Nice!"))

	msgs := []room.Message{
		room.Transcript{Role: "student", Text: "I solved it", Sentiment: "excited"},
		room.DisplayVisual{Payload: json.RawMessage(`{"kind":"graph"}`)},
		room.SentimentUpdate{Sentiment: "bored"},
		room.SentimentUpdate{Sentiment: "sleepy"},
	}
	for _, m := range msgs {
		if err := h.ctrl.ApplyRoomMessage(m); err != nil {
			t.Fatalf("ApplyRoomMessage(%T) returned error: %v", m, err)
		}
	}

	snap := h.snapshot(t)
	if len(snap.Turns) != 1 || snap.Turns[0].Role != chat.RoleStudent || snap.Turns[0].Sentiment != "excited" {
		t.Fatalf("unexpected turns %+v", snap.Turns)
	}
	if string(snap.Visual) != `{"kind":"graph"}` {
		t.Fatalf("unexpected visual %s", snap.Visual)
	}
	if snap.Sentiment != "bored" {
		t.Fatalf("unknown labels must be ignored, got %q", snap.Sentiment)
	}
	if n := len(h.events.ofType(EventSentiment)); n != 2 {
		t.Fatalf("expected two sentiment events, got %d", n)
	}

	if err := h.ctrl.ApplyRoomMessage(room.TextMessage{Text: "what next?"}); err != nil {
		t.Fatalf("text message returned error: %v", err)
	}
	h.waitReplies(t, 1)
	if got := h.chat.calls()[0].Messages[0].Content; got != "I solved it\n\nwhat next?" {
		t.Fatalf("unexpected history %q", got)
	}

	if err := h.ctrl.ApplyRoomMessage(room.TextMessage{Text: " "}); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

type panicSynth struct{}

func (panicSynth) SynthesizeSpeech(context.Context, *speech.TTSRequest) (*speech.TTSResponse, error) {
	panic("tts bug")
}

func TestPanickingChatClientFallsBack(t *testing.T) {
	fc := (&fakeChat{}).then(func(context.Context) (chat.DeltaStream, error) {
		panic("provider bug")
	})
	h := newHarness(t, fc)

	if err := h.ctrl.SendText("hi"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseIdle)

	snap := h.snapshot(t)
	if got := snap.Turns[len(snap.Turns)-1].Content; got != DefaultFallbackText {
		t.Fatalf("expected fallback reply, got %q", got)
	}
	if len(h.events.ofType(EventError)) == 0 {
		t.Fatalf("expected an error event")
	}

	if err := h.ctrl.SendText("again"); err != nil {
		t.Fatalf("session should stay usable, got %v", err)
	}
	h.waitReplies(t, 2)
}

func TestPanickingSynthesizerEndsSpeech(t *testing.T) {
	h := newHarness(t, (&fakeChat{}).reply("Hello there."), func(_ *Config, deps *Dependencies, _ *harness) {
		deps.Speaker = NewSpeaker(panicSynth{}, newFakePlayer())
	})

	if err := h.ctrl.SendText("hi"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	eventually(t, "speech end", func() bool { return len(h.events.ofType(EventSpeechEnd)) == 1 })
	h.waitPhase(t, PhaseIdle)

	if h.snapshot(t).Speaking {
		t.Fatalf("speaking flag should be cleared")
	}
}

func TestEmptyReplyUsesFallback(t *testing.T) {
	h := newHarness(t, (&fakeChat{}).reply().reply("Fine."))

	if err := h.ctrl.SendText("hi"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)
	h.waitPhase(t, PhaseIdle)

	snap := h.snapshot(t)
	if got := snap.Turns[len(snap.Turns)-1].Content; got != DefaultFallbackText {
		t.Fatalf("empty reply should be replaced, got %q", got)
	}
	if len(h.events.ofType(EventError)) != 1 {
		t.Fatalf("expected one error event")
	}

	if err := h.ctrl.SendText("next"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 2)
	if messages := h.chat.calls()[1].Messages; len(messages) != 3 {
		t.Fatalf("student turns should stay separated by the tutor reply, got %+v", messages)
	}
}

func TestReplyCarriesTeachingContext(t *testing.T) {
	h := newHarness(t, &fakeChat{}, withAssessor(sentiment.Frustrated), withObjective("Add fractions"))

	if err := h.ctrl.SendText("I would design a new way to add these fractions together"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	h.waitReplies(t, 1)

	adaptation := h.chat.calls()[0].Adaptation
	for _, want := range []string{
		sentiment.AdaptationPrompt(sentiment.Frustrated),
		"INSTRUCTION: Be encouraging.",
		"CURRENT LEARNING OBJECTIVE: Add fractions",
		"aim for APPLY",
	} {
		if !strings.Contains(adaptation, want) {
			t.Fatalf("adaptation missing %q:\n%s", want, adaptation)
		}
	}

	snap := h.snapshot(t)
	if snap.BloomLevel != pedagogy.Apply || snap.Objective != "Add fractions" {
		t.Fatalf("unexpected learning state %s %q", snap.BloomLevel, snap.Objective)
	}

	if err := h.ctrl.SetObjective("Compare decimals"); err != nil {
		t.Fatalf("SetObjective returned error: %v", err)
	}
	snap = h.snapshot(t)
	if snap.BloomLevel != pedagogy.StartLevel || snap.Objective != "Compare decimals" {
		t.Fatalf("new objective should reset the level, got %s %q", snap.BloomLevel, snap.Objective)
	}
}
