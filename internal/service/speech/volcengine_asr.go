package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

const (
	volcengineASRURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

	asrResourceDuration   = "volc.bigasr.sauc.duration"
	asrResourceConcurrent = "volc.bigasr.sauc.concurrent"

	// 16kHz, 16bit, mono, 200ms
	asrChunkBytes = 6400

	asrPingInterval = 20 * time.Second
)

// ErrNoAudio 没有可识别的音频
var ErrNoAudio = errors.New("no audio data to send")

// VolcengineASRClient 火山引擎流式 ASR 客户端
type VolcengineASRClient struct {
	config *speech.SpeechConfig
	dialer *Dialer
	url    string
	// 批量识别时每包之间的间隔，模拟实时音频流
	chunkInterval time.Duration
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

// volcengineASRRequest 首包请求参数
type volcengineASRRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// NewVolcengineASRClient 创建火山引擎 ASR 客户端
func NewVolcengineASRClient(config *speech.SpeechConfig, dialer *Dialer) *VolcengineASRClient {
	if dialer == nil {
		dialer = NewDialer(DefaultDialOptions())
	}
	return &VolcengineASRClient{
		config:        config,
		dialer:        dialer,
		url:           volcengineASRURL,
		chunkInterval: 200 * time.Millisecond,
	}
}

// Recognition 一次流式识别会话。音频通过 Send 写入，识别结果从 Results 读取，
// Results 关闭后 Err 返回会话结束原因。
type Recognition struct {
	sessionID string
	conn      *Conn
	stopCtx   func()
	stopPing  func()

	sendMu   sync.Mutex
	sequence int32
	finished bool

	results   chan speech.StreamingASRChunk
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	err        error
	transcript string
	duration   int64
}

// OpenRecognition 建立流式识别连接并发送首包
func (c *VolcengineASRClient) OpenRecognition(ctx context.Context, sessionID, language, format string) (*Recognition, error) {
	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	resourceID := asrResourceDuration
	if c.config.ConcurrentMode {
		resourceID = asrResourceConcurrent
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", uuid.NewString())

	conn, err := c.dialer.Dial(ctx, c.url, header, "ASR")
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(buildASRRequest(c.config, sessionID, language, format))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal asr request: %w", err)
	}
	compressed, err := CompressPayload(payload, GzipCompression)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteFrame(CreateFullClientRequest(compressed, GzipCompression)); err != nil {
		conn.Close()
		return nil, err
	}

	r := &Recognition{
		sessionID: sessionID,
		conn:      conn,
		sequence:  2,
		results:   make(chan speech.StreamingASRChunk, 16),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	r.stopCtx = conn.CloseOnDone(ctx)
	r.stopPing = conn.KeepAlive(asrPingInterval)
	go r.readLoop()
	return r, nil
}

func buildASRRequest(cfg *speech.SpeechConfig, sessionID, language, format string) *volcengineASRRequest {
	req := &volcengineASRRequest{}
	req.User.UID = sessionID

	req.Audio.Format = strings.TrimSpace(format)
	if req.Audio.Format == "" {
		req.Audio.Format = "pcm"
	}
	req.Audio.Language = strings.TrimSpace(language)
	if req.Audio.Language == "" && cfg != nil {
		req.Audio.Language = strings.TrimSpace(cfg.ASRLanguage)
	}
	if req.Audio.Language == "" {
		req.Audio.Language = "en-US"
	}
	req.Audio.Codec = "raw"
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	if cfg != nil && strings.TrimSpace(cfg.ASRModel) != "" {
		req.Request.ModelName = cfg.ASRModel
	}
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// Send 发送一段音频
func (r *Recognition) Send(audio []byte) error {
	return r.write(audio, false)
}

// Finish 发送结束包，之后服务端返回最终结果并关闭 Results
func (r *Recognition) Finish() error {
	return r.write(nil, true)
}

func (r *Recognition) write(audio []byte, last bool) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.finished {
		return errors.New("recognition already finished")
	}
	compressed, err := CompressPayload(audio, GzipCompression)
	if err != nil {
		return err
	}
	if err := r.conn.WriteFrame(CreateAudioOnlyRequest(compressed, r.sequence, last, GzipCompression)); err != nil {
		return err
	}
	r.sequence++
	r.finished = last
	return nil
}

// Results 识别片段；definite 分句以 IsFinal 发出
func (r *Recognition) Results() <-chan speech.StreamingASRChunk { return r.results }

// Done 在读循环退出后关闭
func (r *Recognition) Done() <-chan struct{} { return r.done }

// Err 会话结束原因，正常结束为 nil
func (r *Recognition) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close 关闭连接
func (r *Recognition) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	r.stopPing()
	r.stopCtx()
	return r.conn.Close()
}

func (r *Recognition) emit(chunk speech.StreamingASRChunk) bool {
	select {
	case r.results <- chunk:
		return true
	case <-r.closed:
		return false
	}
}

func (r *Recognition) readLoop() {
	defer close(r.done)
	defer close(r.results)

	var (
		finalEnd    int64 = -1
		lastInterim string
	)
	for {
		msg, err := r.conn.ReadFrame()
		if err != nil {
			r.fail(err)
			return
		}
		if msg.Header.MessageType != FullServerResponse {
			continue
		}

		payload, err := msg.DecodedPayload()
		if err != nil {
			r.fail(fmt.Errorf("asr payload: %w", err))
			return
		}
		var resp asrServerMessage
		if err := json.Unmarshal(payload, &resp); err != nil {
			log.Printf("[ASR] unreadable response: %v", err)
			continue
		}
		if resp.Code != 0 && resp.Code != 20000000 {
			r.fail(&ServerError{Code: uint32(resp.Code), Message: resp.Message})
			return
		}

		r.mu.Lock()
		if resp.Result.Text != "" {
			r.transcript = resp.Result.Text
		}
		if resp.AudioInfo.Duration > 0 {
			r.duration = resp.AudioInfo.Duration
		}
		r.mu.Unlock()

		for _, u := range resp.Result.Utterances {
			text := strings.TrimSpace(u.Text)
			if text == "" {
				continue
			}
			if u.Definite {
				if u.EndTime <= finalEnd {
					continue
				}
				finalEnd = u.EndTime
				lastInterim = ""
				if !r.emit(r.chunk(u, true)) {
					return
				}
				continue
			}
			if u.EndTime > finalEnd && text != lastInterim {
				lastInterim = text
				if !r.emit(r.chunk(u, false)) {
					return
				}
			}
		}

		if msg.IsLastPacket() || resp.Sequence < 0 {
			return
		}
	}
}

func (r *Recognition) chunk(u asrUtterance, final bool) speech.StreamingASRChunk {
	text := strings.TrimSpace(u.Text)
	confidence := 0.0
	if final {
		confidence = estimateASRConfidence(text)
	}
	return speech.StreamingASRChunk{
		SessionID:  r.sessionID,
		Text:       text,
		IsFinal:    final,
		Confidence: confidence,
		StartTime:  u.StartTime,
		EndTime:    u.EndTime,
		RequestID:  r.conn.LogID,
		CreatedAt:  time.Now(),
	}
}

func (r *Recognition) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *Recognition) summary() (string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript, r.duration
}

// TranscribeAudio 整段识别：分包发送音频并等待最终文本
func (c *VolcengineASRClient) TranscribeAudio(ctx context.Context, req *speech.ASRRequest) (*speech.ASRResponse, error) {
	if req.AudioData == nil {
		return nil, ErrNoAudio
	}
	audio, err := io.ReadAll(req.AudioData)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrNoAudio
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec, err := c.OpenRecognition(ctx, req.SessionID, req.Language, req.Format)
	if err != nil {
		return nil, err
	}
	defer rec.Close()

	sendErr := make(chan error, 1)
	go func() { sendErr <- c.sendChunks(ctx, rec, audio) }()

	var finals []string
	for chunk := range rec.Results() {
		if chunk.IsFinal {
			finals = append(finals, chunk.Text)
		}
	}
	if err := rec.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("asr: %w", err)
	}
	cancel()
	if err := <-sendErr; err != nil && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("send audio: %w", err)
	}

	text, duration := rec.summary()
	if text == "" {
		text = strings.Join(finals, " ")
	}
	if text == "" {
		log.Printf("[ASR] empty transcript for session %s", rec.sessionID)
	}
	return &speech.ASRResponse{
		SessionID:  rec.sessionID,
		Text:       text,
		Confidence: estimateASRConfidence(text),
		Duration:   duration,
		RequestID:  rec.conn.LogID,
		CreatedAt:  time.Now(),
	}, nil
}

func (c *VolcengineASRClient) sendChunks(ctx context.Context, rec *Recognition, audio []byte) error {
	for i := 0; i < len(audio); i += asrChunkBytes {
		end := i + asrChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := rec.Send(audio[i:end]); err != nil {
			return err
		}
		if c.chunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkInterval):
			}
		}
	}
	return rec.Finish()
}

func estimateASRConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return 0.95
}
