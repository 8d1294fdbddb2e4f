package transport

import (
	"context"
	"sync"
)

// Recorder is an in-memory Messenger for tests. It records every send and can
// be told to fail sends to specific recipients.
type Recorder struct {
	mu      sync.Mutex
	sent    []Sent
	failFor map[string]error
}

// Sent is one recorded outbound message.
type Sent struct {
	To      string
	Message Message
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{failFor: make(map[string]error)}
}

// FailFor makes future sends to the given recipient return err.
func (r *Recorder) FailFor(to string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFor[to] = err
}

// Send implements Messenger.
func (r *Recorder) Send(ctx context.Context, to string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[to]; ok {
		return err
	}
	r.sent = append(r.sent, Sent{To: to, Message: msg})
	return nil
}

// Sent returns a copy of all recorded sends.
func (r *Recorder) SentMessages() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo returns the messages recorded for one recipient.
func (r *Recorder) SentTo(to string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, s := range r.sent {
		if s.To == to {
			out = append(out, s.Message)
		}
	}
	return out
}

// Reset clears all recorded sends.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

var _ Messenger = (*Recorder)(nil)
