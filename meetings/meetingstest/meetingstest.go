// Package meetingstest provides in-memory doubles for exercising a
// meetings.Directory without a network.
package meetingstest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/meetingscribe/meetings"
)

// ErrClosed is returned by Conn methods after Close or Hangup.
var ErrClosed = errors.New("meetingstest: connection closed")

// Frame is a decoded server event. Only the fields of the event named by
// Event are populated.
type Frame struct {
	Event            string                  `json:"event"`
	Name             string                  `json:"name"`
	UserID           string                  `json:"uid"`
	Message          string                  `json:"message"`
	PreviousDialogue []meetings.DialogueLine `json:"previous_dialogue"`
	NotesLink        string                  `json:"notes_link"`
	TranscriptLink   string                  `json:"transcript_link"`
	Error            string                  `json:"error"`
	Code             string                  `json:"code"`
}

// Conn is a meetings.Conn whose far end is driven by the test: Send
// queues inbound frames, Frames reports what the server wrote.
type Conn struct {
	in     chan []byte
	closed chan struct{}

	mu         sync.Mutex
	frames     [][]byte
	reason     string
	closedBy   string
	failWrites bool
	once       sync.Once
}

func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("meetingstest: write failed")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *Conn) Close(reason string) error {
	c.shut("server", reason)
	return nil
}

// Hangup simulates the client going away.
func (c *Conn) Hangup() {
	c.shut("client", "")
}

func (c *Conn) shut(by, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closedBy, c.reason = by, reason
		c.mu.Unlock()
		close(c.closed)
	})
}

// Send queues a raw inbound frame.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	case c.in <- data:
		return nil
	}
}

// SendJSON queues v as an inbound frame.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Say queues a transcript_entry frame.
func (c *Conn) Say(text string) error {
	return c.SendJSON(map[string]string{"event": meetings.EventTranscriptEntry, "message": text})
}

// FailWrites makes every later Write fail.
func (c *Conn) FailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to Close and who closed.
func (c *Conn) Reason() (by, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedBy, c.reason
}

// Frames returns everything written so far, decoded.
func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	raw := append([][]byte(nil), c.frames...)
	c.mu.Unlock()

	out := make([]Frame, 0, len(raw))
	for _, r := range raw {
		var f Frame
		if err := json.Unmarshal(r, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Events returns the event names written so far.
func (c *Conn) Events() []string {
	frames := c.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

// Count returns how many frames carry the named event.
func (c *Conn) Count(event string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Event == event {
			n++
		}
	}
	return n
}

// WaitFor polls until at least n frames carry event, failing the test
// after timeout.
func (c *Conn) WaitFor(t testing.TB, event string, n int, timeout time.Duration) []Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		var matched []Frame
		for _, f := range c.Frames() {
			if f.Event == event {
				matched = append(matched, f)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q frames; have %v", n, event, c.Events())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// WaitClosed fails the test if the connection is not closed within timeout.
func (c *Conn) WaitClosed(t testing.TB, timeout time.Duration) {
	t.Helper()
	select {
	case <-c.closed:
	case <-time.After(timeout):
		t.Fatalf("connection not closed after %v", timeout)
	}
}

// Summarizer records every call. It returns Notes, or Err when set. If
// Gate is non-nil each call waits for it to be closed.
type Summarizer struct {
	Notes string
	Err   error
	Gate  chan struct{}

	mu    sync.Mutex
	calls [][]meetings.Line
}

func (s *Summarizer) Summarize(ctx context.Context, lines []meetings.Line) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]meetings.Line(nil), lines...))
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Notes, nil
}

// Calls returns how many times Summarize ran.
func (s *Summarizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Last returns the lines passed to the most recent call.
func (s *Summarizer) Last() []meetings.Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

var (
	_ meetings.Conn       = (*Conn)(nil)
	_ meetings.Summarizer = (*Summarizer)(nil)
)
