package speech

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/edu-avatar/backend/internal/model/speech"
)

// wsPeer is the server side of one fake speech connection.
type wsPeer struct {
	t      *testing.T
	ws     *websocket.Conn
	header http.Header
}

func (p *wsPeer) read() *Message {
	_, data, err := p.ws.ReadMessage()
	if err != nil {
		return nil
	}
	msg, err := DecodeMessage(bytes.NewReader(data))
	if err != nil {
		p.t.Errorf("server decode failed: %v", err)
		return nil
	}
	return msg
}

func (p *wsPeer) write(msg *Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		p.t.Errorf("server encode failed: %v", err)
		return
	}
	if err := p.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.t.Logf("server write failed: %v", err)
	}
}

func (p *wsPeer) writeJSON(flags MessageFlags, seq int32, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.t.Errorf("marshal: %v", err)
		return
	}
	payload, err := CompressPayload(raw, GzipCompression)
	if err != nil {
		p.t.Errorf("compress: %v", err)
		return
	}
	p.write(&Message{
		Header:      NewHeader(FullServerResponse, flags, JSONSerialization, GzipCompression),
		Sequence:    seq,
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
	})
}

func (p *wsPeer) writeError(code uint32, text string) {
	p.write(&Message{
		Header:      NewHeader(ErrorMessage, NoSequenceNumber, JSONSerialization, NoCompression),
		ErrorCode:   code,
		PayloadSize: uint32(len(text)),
		Payload:     []byte(text),
	})
}

// newFakeSpeechServer runs handle for every websocket connection.
func newFakeSpeechServer(t *testing.T, handle func(p *wsPeer)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-App-Key") == "" {
			http.Error(w, "missing app key", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(&wsPeer{t: t, ws: ws, header: r.Header.Clone()})
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testSpeechConfig() *speech.SpeechConfig {
	return &speech.SpeechConfig{AppID: "app", AccessToken: "token", TTSSpeed: 1, TTSVolume: 1}
}

func testDialer() *Dialer {
	return NewDialer(DialOptions{HandshakeTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second, MaxRetries: 1})
}
