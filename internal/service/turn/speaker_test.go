package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

func TestSpeakStripsMarkupAndPlays(t *testing.T) {
	synth := &fakeSynth{}
	player := newFakePlayer()
	player.release <- struct{}{}
	s := NewSpeaker(synth, player)

	var started Clip
	err := s.Speak(context.Background(), &speech.TTSRequest{Text: "## Step 1\n**Add** the `numerators`", Voice: "v1"}, func(c Clip) {
		started = c
	})
	if err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}
	if started.ID == "" || started.Text != "Step 1\nAdd the numerators" {
		t.Fatalf("unexpected clip %+v", started)
	}
	if started.Duration != 1200*time.Millisecond {
		t.Fatalf("unexpected duration %s", started.Duration)
	}
	if got := synth.calls()[0]; got.Text != started.Text || got.Voice != "v1" {
		t.Fatalf("unexpected synthesis request %+v", got)
	}
	if player.playCount() != 1 {
		t.Fatalf("expected one clip played")
	}
}

func TestSpeakSkipsEmptyText(t *testing.T) {
	synth := &fakeSynth{}
	s := NewSpeaker(synth, newFakePlayer())

	if err := s.Speak(context.Background(), &speech.TTSRequest{Text: "** **"}, nil); err != nil {
		t.Fatalf("Speak returned error: %v", err)
	}
	if len(synth.calls()) != 0 {
		t.Fatalf("empty text must not be synthesized")
	}
}

func TestSpeakSupersedesPreviousUtterance(t *testing.T) {
	player := newFakePlayer()
	s := NewSpeaker(&fakeSynth{}, player)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- s.Speak(context.Background(), &speech.TTSRequest{Text: "first"}, nil)
	}()
	eventually(t, "first playback", func() bool { return player.playCount() == 1 })

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- s.Speak(context.Background(), &speech.TTSRequest{Text: "second"}, nil)
	}()

	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected first utterance to be cancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first utterance was not stopped")
	}
	if player.stopCount() != 1 {
		t.Fatalf("expected player to be stopped once, got %d", player.stopCount())
	}

	eventually(t, "second playback", func() bool { return player.playCount() == 2 })
	player.release <- struct{}{}
	if err := <-secondDone; err != nil {
		t.Fatalf("second utterance returned error: %v", err)
	}
}

func TestStopCancelsPlayback(t *testing.T) {
	player := newFakePlayer()
	s := NewSpeaker(&fakeSynth{}, player)

	done := make(chan error, 1)
	go func() {
		done <- s.Speak(context.Background(), &speech.TTSRequest{Text: "long explanation"}, nil)
	}()
	eventually(t, "playback", func() bool { return player.playCount() == 1 })

	s.Stop()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Speak did not return after Stop")
	}
	if player.stopCount() != 1 {
		t.Fatalf("expected player to be stopped once, got %d", player.stopCount())
	}
}

func TestSpeakReportsSynthesisError(t *testing.T) {
	s := NewSpeaker(&fakeSynth{err: errors.New("quota exceeded")}, newFakePlayer())
	called := false
	err := s.Speak(context.Background(), &speech.TTSRequest{Text: "hello"}, func(Clip) { called = true })
	if err == nil || called {
		t.Fatalf("expected synthesis error without start callback, got %v", err)
	}
}
