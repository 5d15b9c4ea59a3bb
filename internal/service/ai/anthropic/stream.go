package anthropic

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
)

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *apiErrorBody `json:"error,omitempty"`
}

// pumpEvents reads the SSE body and forwards text deltas until message_stop.
func pumpEvents(body io.ReadCloser, writer *schema.StreamWriter[*schema.Message]) {
	defer writer.Close()
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				writer.Send(nil, fmt.Errorf("anthropic: stream ended before message_stop: %w", io.ErrUnexpectedEOF))
			} else {
				writer.Send(nil, fmt.Errorf("anthropic: read stream: %w", err))
			}
			return
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			// event names are repeated in the data payload's type field
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(event.Delta.Text, nil), nil); closed {
				return
			}
		case "message_stop":
			return
		case "error":
			apiErr := &Error{Type: ErrAPI, Message: "stream error"}
			if event.Error != nil {
				apiErr = newError(event.Error.Type, event.Error.Message)
			}
			writer.Send(nil, apiErr)
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
