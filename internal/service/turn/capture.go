package turn

import (
	"context"
	"errors"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
)

var (
	// ErrNoSpeech is reported when the recognizer heard nothing before timing out.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrCaptureAborted is reported when recognition was aborted by the device.
	ErrCaptureAborted = errors.New("speech capture aborted")
	// ErrNoCapture is returned by StartVoice when no capture is configured.
	ErrNoCapture = errors.New("speech capture not available")
)

// CaptureEvents are the callbacks a Capture reports through.
type CaptureEvents struct {
	Fragment func(chat.Utterance)
	// Ended reports that recognition stopped on its own. A nil error means
	// a normal end, e.g. the recognizer's session limit.
	Ended func(error)
}

// Capture is a speech recognizer producing interim and final fragments.
// Start must not block, and neither Start nor Stop may invoke the events
// synchronously.
type Capture interface {
	Start(ctx context.Context, language string, events CaptureEvents) error
	Stop()
}

// IsTransientCaptureError reports whether err only interrupts listening
// and the capture should simply be restarted.
func IsTransientCaptureError(err error) bool {
	return err == nil || errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrCaptureAborted)
}
