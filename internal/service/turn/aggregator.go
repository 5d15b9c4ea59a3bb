package turn

import "strings"

// aggregator accumulates final recognition fragments until the silence
// timer decides the student has finished speaking. Owned by the controller loop.
type aggregator struct {
	preview string
	pending []string
}

// interim replaces the live preview.
func (a *aggregator) interim(text string) {
	a.preview = text
}

// final appends a trimmed fragment and clears the preview. It reports
// whether anything was appended.
func (a *aggregator) final(text string) bool {
	a.preview = ""
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	a.pending = append(a.pending, text)
	return true
}

func (a *aggregator) hasPending() bool {
	return len(a.pending) > 0
}

func (a *aggregator) pendingText() string {
	return strings.Join(a.pending, " ")
}

// take returns the buffered utterance and empties the buffer.
func (a *aggregator) take() string {
	text := a.pendingText()
	a.pending = nil
	return text
}

func (a *aggregator) clear() {
	a.preview = ""
	a.pending = nil
}
