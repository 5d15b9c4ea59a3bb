package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEDone 是流式对话的结束标记
const SSEDone = "[DONE]"

// SendSSEChunk 发送一条 `data: <json>` 记录并立即刷新
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	return writeSSEData(w, flusher, data)
}

// SendSSEDone 发送结束标记 `data: [DONE]`
func SendSSEDone(w http.ResponseWriter, flusher http.Flusher) error {
	return writeSSEData(w, flusher, []byte(SSEDone))
}

func writeSSEData(w http.ResponseWriter, flusher http.Flusher, data []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse terminator: %w", err)
	}
	flusher.Flush()
	return nil
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
