package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	speechsvc "github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
)

const defaultPlaybackGrace = 2 * time.Second

var errConnectionClosed = errors.New("websocket connection closed")

// wsPlayer 把合成好的音频推给浏览器，并等待 playback_ended 回执。
// 回执丢失时按时长加宽限期视为播放完毕。
type wsPlayer struct {
	sess  *wsSession
	grace time.Duration

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newWSPlayer(sess *wsSession, grace time.Duration) *wsPlayer {
	if grace <= 0 {
		grace = defaultPlaybackGrace
	}
	return &wsPlayer{sess: sess, grace: grace, pending: make(map[string]chan struct{})}
}

func (p *wsPlayer) Play(ctx context.Context, clip turn.Clip) error {
	done := make(chan struct{})
	p.mu.Lock()
	p.pending[clip.ID] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, clip.ID)
		p.mu.Unlock()
	}()

	duration := clip.Duration
	if duration <= 0 {
		duration = speechsvc.EstimateSpeechDuration(clip.Text)
	}

	p.sess.enqueue("tts", map[string]any{
		"utteranceId": clip.ID,
		"audioData":   base64.StdEncoding.EncodeToString(clip.Audio),
		"format":      clip.Format,
		"text":        clip.Text,
		"durationMs":  duration.Milliseconds(),
	})

	timer := time.NewTimer(duration + p.grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.sess.closed:
		return errConnectionClosed
	}
}

func (p *wsPlayer) Stop() {
	p.sess.enqueue("audio_stop", nil)
}

// ended 处理客户端的播放完成回执
func (p *wsPlayer) ended(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if done, ok := p.pending[id]; ok {
		close(done)
		delete(p.pending, id)
	}
}
