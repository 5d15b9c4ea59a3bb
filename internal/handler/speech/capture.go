package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/chat"
	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
	speechsvc "github.com/zhouzirui/edu-avatar/backend/internal/service/speech"
	"github.com/zhouzirui/edu-avatar/backend/internal/service/turn"
)

// 识别方式
const (
	CaptureModeClient = "client"
	CaptureModeServer = "server"
)

const (
	defaultAudioFormat = "pcm"
	maxAudioBacklog    = 64
)

// Recognition 一次流式识别
type Recognition interface {
	Send(audio []byte) error
	Results() <-chan speech.StreamingASRChunk
	Err() error
	Close() error
}

// Recognizer 打开流式识别
type Recognizer interface {
	OpenRecognition(ctx context.Context, sessionID, language, format string) (Recognition, error)
}

// NewRecognizer 使用语音服务的流式识别
func NewRecognizer(svc *speechsvc.Service) Recognizer {
	return serviceRecognizer{svc: svc}
}

type serviceRecognizer struct {
	svc *speechsvc.Service
}

func (r serviceRecognizer) OpenRecognition(ctx context.Context, sessionID, language, format string) (Recognition, error) {
	rec, err := r.svc.OpenRecognition(ctx, sessionID, language, format)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// captureError 将浏览器识别的结束原因映射为控制器错误
func captureError(reason string) error {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "":
		return nil
	case "no-speech":
		return turn.ErrNoSpeech
	case "aborted":
		return turn.ErrCaptureAborted
	default:
		return fmt.Errorf("speech capture: %s", reason)
	}
}

// captureRouter 在浏览器识别与服务端识别之间切换，新模式在下一次 Start 生效
type captureRouter struct {
	client *clientCapture
	server *asrCapture

	mu      sync.Mutex
	current string
	active  turn.Capture
}

func newCaptureRouter(client *clientCapture, server *asrCapture) *captureRouter {
	return &captureRouter{client: client, server: server, current: CaptureModeClient}
}

func (r *captureRouter) Start(ctx context.Context, language string, events turn.CaptureEvents) error {
	r.mu.Lock()
	var c turn.Capture = r.client
	if r.current == CaptureModeServer {
		c = r.server
	}
	r.active = c
	r.mu.Unlock()
	return c.Start(ctx, language, events)
}

func (r *captureRouter) Stop() {
	r.mu.Lock()
	c := r.active
	r.active = nil
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (r *captureRouter) setMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	switch mode {
	case CaptureModeClient:
	case CaptureModeServer:
		if !r.server.available() {
			return errors.New("server-side recognition not available")
		}
	default:
		return fmt.Errorf("unknown capture mode: %s", mode)
	}
	r.mu.Lock()
	r.current = mode
	r.mu.Unlock()
	return nil
}

func (r *captureRouter) mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *captureRouter) modes() []string {
	if r.server.available() {
		return []string{CaptureModeClient, CaptureModeServer}
	}
	return []string{CaptureModeClient}
}

// clientCapture 由浏览器完成识别，片段通过 transcript_fragment 上报
type clientCapture struct {
	sess *wsSession

	mu     sync.Mutex
	events *turn.CaptureEvents
}

func newClientCapture(sess *wsSession) *clientCapture {
	return &clientCapture{sess: sess}
}

func (c *clientCapture) Start(_ context.Context, language string, events turn.CaptureEvents) error {
	c.mu.Lock()
	c.events = &events
	c.mu.Unlock()
	c.sess.enqueue("capture", map[string]string{"action": "start", "language": language})
	return nil
}

func (c *clientCapture) Stop() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
	c.sess.enqueue("capture", map[string]string{"action": "stop"})
}

func (c *clientCapture) fragment(u chat.Utterance) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events != nil && events.Fragment != nil {
		events.Fragment(u)
	}
}

func (c *clientCapture) ended(reason string) {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.mu.Unlock()
	if events != nil && events.Ended != nil {
		events.Ended(captureError(reason))
	}
}

// asrCapture 由服务端流式识别，音频通过 audio 消息推送
type asrCapture struct {
	sess       *wsSession
	recognizer Recognizer

	mu      sync.Mutex
	gen     uint64
	rec     Recognition
	cancel  context.CancelFunc
	format  string
	opening bool
	backlog [][]byte
}

func newASRCapture(sess *wsSession, recognizer Recognizer) *asrCapture {
	return &asrCapture{sess: sess, recognizer: recognizer, format: defaultAudioFormat}
}

func (a *asrCapture) available() bool {
	return a.recognizer != nil
}

func (a *asrCapture) Start(ctx context.Context, language string, events turn.CaptureEvents) error {
	if a.recognizer == nil {
		return turn.ErrNoCapture
	}

	a.mu.Lock()
	a.stopLocked()
	a.gen++
	gen := a.gen
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.opening = true
	format := a.format
	a.mu.Unlock()

	go a.run(rctx, gen, language, format, events)
	return nil
}

func (a *asrCapture) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	a.stopLocked()
}

func (a *asrCapture) stopLocked() {
	a.opening = false
	a.backlog = nil
	if a.rec != nil {
		a.rec.Close()
		a.rec = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *asrCapture) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *asrCapture) run(ctx context.Context, gen uint64, language, format string, events turn.CaptureEvents) {
	rec, err := a.recognizer.OpenRecognition(ctx, a.sess.id, language, format)
	if err != nil {
		a.mu.Lock()
		stillCurrent := a.gen == gen
		if stillCurrent {
			a.opening = false
			a.backlog = nil
		}
		a.mu.Unlock()
		if stillCurrent && events.Ended != nil {
			events.Ended(err)
		}
		return
	}

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		rec.Close()
		return
	}
	a.rec = rec
	a.opening = false
	backlog := a.backlog
	a.backlog = nil
	a.mu.Unlock()

	// 识别建立前收到的音频按顺序补发
	for _, audio := range backlog {
		if err := rec.Send(audio); err != nil {
			log.Printf("[websocket] send buffered audio failed session=%s: %v", a.sess.id, err)
			break
		}
	}

	for chunk := range rec.Results() {
		if !a.current(gen) {
			break
		}
		if events.Fragment != nil {
			events.Fragment(chat.Utterance{Text: chunk.Text, IsFinal: chunk.IsFinal})
		}
	}
	err = rec.Err()
	rec.Close()

	a.mu.Lock()
	stillCurrent := a.gen == gen
	if stillCurrent {
		a.rec = nil
	}
	a.mu.Unlock()
	if stillCurrent && events.Ended != nil {
		events.Ended(err)
	}
}

// feed 把一段音频送入当前识别；识别建立中先缓存，未在识别时丢弃
func (a *asrCapture) feed(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	a.mu.Lock()
	rec := a.rec
	if rec == nil {
		if a.opening && len(a.backlog) < maxAudioBacklog {
			a.backlog = append(a.backlog, audio)
		}
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	if err := rec.Send(audio); err != nil {
		log.Printf("[websocket] send audio failed session=%s: %v", a.sess.id, err)
		return errors.New("speech recognition unavailable")
	}
	return nil
}

func (a *asrCapture) setFormat(format string) {
	a.mu.Lock()
	a.format = strings.ToLower(strings.TrimSpace(format))
	a.mu.Unlock()
}

func (a *asrCapture) audioFormat() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.format
}
