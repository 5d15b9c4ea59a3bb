package ai

import (
	"sync"

	"github.com/cloudwego/eino/schema"
)

// messageStream adapts an eino message stream to chat.DeltaStream.
type messageStream struct {
	reader *schema.StreamReader[*schema.Message]
	once   sync.Once
}

func newMessageStream(reader *schema.StreamReader[*schema.Message]) *messageStream {
	return &messageStream{reader: reader}
}

// Recv returns the next non-empty text delta, or io.EOF at the end.
func (s *messageStream) Recv() (string, error) {
	for {
		msg, err := s.reader.Recv()
		if err != nil {
			return "", err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (s *messageStream) Close() error {
	s.once.Do(s.reader.Close)
	return nil
}
