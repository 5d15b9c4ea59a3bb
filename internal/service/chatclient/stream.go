package chatclient

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zhouzirui/edu-avatar/backend/pkg/utils"
)

// record is one data payload of the stream.
type record struct {
	Text  *string `json:"text"`
	Error string  `json:"error"`
}

type stream struct {
	reader *bufio.Reader
	body   io.Closer
	err    error
}

func newStream(body io.ReadCloser) *stream {
	return &stream{reader: bufio.NewReader(body), body: body}
}

// Recv returns the next text delta. It returns io.EOF after the [DONE]
// sentinel and io.ErrUnexpectedEOF if the body ends without one.
func (s *stream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		data, err := s.nextData()
		if err != nil {
			s.err = err
			return "", err
		}
		if data == utils.SSEDone {
			s.err = io.EOF
			return "", io.EOF
		}

		var rec record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.err = fmt.Errorf("decode chat record: %w", err)
			return "", s.err
		}
		if rec.Error != "" {
			s.err = &StreamError{Message: rec.Error}
			return "", s.err
		}
		if rec.Text != nil && *rec.Text != "" {
			return *rec.Text, nil
		}
	}
}

// nextData reads lines until a complete data field is available. Comments,
// blank lines and other fields are skipped.
func (s *stream) nextData() (string, error) {
	var lines []string
	for {
		line, err := s.reader.ReadString('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return "", fmt.Errorf("read chat stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
		case strings.HasPrefix(line, "data:"):
			lines = append(lines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			if len(lines) > 0 {
				return strings.Join(lines, "\n"), nil
			}
			return "", io.ErrUnexpectedEOF
		}
	}
}

func (s *stream) Close() error {
	if s.body == nil {
		return nil
	}
	err := s.body.Close()
	s.body = nil
	return err
}
