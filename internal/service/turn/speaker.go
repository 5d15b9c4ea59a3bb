package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// Synthesizer turns text into audio.
type Synthesizer interface {
	SynthesizeSpeech(ctx context.Context, req *speech.TTSRequest) (*speech.TTSResponse, error)
}

// Clip is one synthesized utterance ready for playback.
type Clip struct {
	ID       string
	Text     string
	Audio    []byte
	Format   string
	Duration time.Duration
}

// Player plays clips on the student's device.
type Player interface {
	// Play blocks until the clip finished playing or ctx is done.
	Play(ctx context.Context, clip Clip) error
	// Stop silences whatever is playing.
	Stop()
}

// Speaker synthesizes and plays tutor turns one at a time. Starting a new
// utterance cancels the synthesis or playback of the previous one.
type Speaker struct {
	synth  Synthesizer
	player Player

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelFunc
	playing bool
}

// NewSpeaker wires a synthesizer to a player.
func NewSpeaker(synth Synthesizer, player Player) *Speaker {
	return &Speaker{synth: synth, player: player}
}

// Speak strips markup from req.Text, synthesizes it and plays it. onStart is
// called right before playback begins. Speak returns ctx.Err() (or
// context.Canceled) when superseded; an empty text returns nil immediately.
func (s *Speaker) Speak(ctx context.Context, req *speech.TTSRequest, onStart func(Clip)) error {
	text := utils.StripMarkup(req.Text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	s.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()
	defer s.finish(seq, cancel)

	synthReq := *req
	synthReq.Text = text
	resp, err := s.synth.SynthesizeSpeech(ctx, &synthReq)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	if resp == nil || len(resp.AudioData) == 0 {
		return errors.New("synthesize speech: empty audio")
	}

	clip := Clip{
		ID:       uuid.NewString(),
		Text:     text,
		Audio:    resp.AudioData,
		Format:   resp.Format,
		Duration: time.Duration(resp.Duration) * time.Millisecond,
	}

	s.mu.Lock()
	if seq != s.seq {
		s.mu.Unlock()
		return context.Canceled
	}
	s.playing = true
	s.mu.Unlock()

	if onStart != nil {
		onStart(clip)
	}
	if err := s.player.Play(ctx, clip); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("play speech: %w", err)
	}
	return nil
}

// Stop cancels the current utterance, if any.
func (s *Speaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Speaker) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.playing {
		s.playing = false
		s.player.Stop()
	}
}

func (s *Speaker) finish(seq uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq == s.seq {
		s.cancel = nil
		s.playing = false
	}
}
