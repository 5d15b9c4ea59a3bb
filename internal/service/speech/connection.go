package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions 控制语音服务 WebSocket 的建连行为
type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
}

// DefaultDialOptions 默认建连选项
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     500 * time.Millisecond,
	}
}

// Dialer 带重试的 WebSocket 拨号器
type Dialer struct {
	ws   *websocket.Dialer
	opts DialOptions
}

// NewDialer 创建拨号器
func NewDialer(opts DialOptions) *Dialer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	return &Dialer{
		ws:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		opts: opts,
	}
}

// Dial 建立连接，仅对网络错误和 5xx 握手失败重试
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header, tag string) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * d.opts.RetryBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		ws, resp, err := d.ws.DialContext(ctx, url, header)
		if err == nil {
			conn := &Conn{ws: ws, writeTimeout: d.opts.WriteTimeout}
			if resp != nil {
				conn.LogID = resp.Header.Get("X-Tt-Logid")
			}
			if conn.LogID != "" {
				log.Printf("[%s] connected, logid=%s", tag, conn.LogID)
			}
			return conn, nil
		}

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		lastErr = &DialError{StatusCode: status, Err: err}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsRetryableError(lastErr) {
			return nil, lastErr
		}
		log.Printf("[%s] dial attempt %d failed: %v", tag, attempt+1, err)
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", d.opts.MaxRetries, lastErr)
}

// DialError 握手失败
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("websocket handshake failed (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// IsRetryableError 判断错误是否值得重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var dialErr *DialError
	if errors.As(err, &dialErr) && dialErr.StatusCode != 0 {
		return dialErr.StatusCode >= http.StatusInternalServerError
	}
	if websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, websocket.ErrBadHandshake)
}

// Conn 串行化写入的帧连接，读取只允许单个 goroutine
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once

	LogID string
}

// WriteFrame 编码并发送一帧
func (c *Conn) WriteFrame(msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame 读取下一帧，错误帧转换为 *ServerError
func (c *Conn) ReadFrame() (*Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	msg, err := DecodeMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if err := msg.Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

// CloseOnDone 在 ctx 结束时关闭连接，用于打断阻塞中的 ReadFrame
func (c *Conn) CloseOnDone(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// KeepAlive 按 interval 发送 ping，保持长时间空闲的流式连接，返回停止函数
func (c *Conn) KeepAlive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close 关闭连接
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
