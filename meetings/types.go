package meetings

import (
	"context"
	"strings"
	"time"

	"github.com/ggoodman/meetingscribe/storage"
)

// Participant identifies one member of one meeting. It is handed out by
// Directory.Host and Directory.Join and presented again when connecting.
type Participant struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"uid"`
	Name      string `json:"name"`
}

// State is the lifecycle state of a Session.
type State int32

const (
	// StateActive sessions accept joins and dialogue.
	StateActive State = iota
	// StateEnding sessions are being finalized; dialogue is rejected.
	StateEnding
	// StateEnded sessions are terminal and have released all connections.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Entry is one accepted line of dialogue.
type Entry struct {
	Seq    uint64    `json:"seq"`
	UserID string    `json:"uid"`
	Name   string    `json:"name"`
	Text   string    `json:"message"`
	At     time.Time `json:"at"`
}

// Line is a speaker/utterance pair as handed to a Summarizer.
type Line struct {
	Speaker string
	Text    string
}

// Lines projects entries onto the summarizer's input shape.
func Lines(entries []Entry) []Line {
	out := make([]Line, len(entries))
	for i, e := range entries {
		out[i] = Line{Speaker: e.Name, Text: e.Text}
	}
	return out
}

// FormatTranscript renders lines as "Speaker: text", one per line.
func FormatTranscript(lines []Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Speaker)
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	return b.String()
}

// Summarizer condenses an ordered transcript. Implementations may be slow;
// they are never called with a session lock held.
type Summarizer interface {
	Summarize(ctx context.Context, lines []Line) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, lines []Line) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, lines []Line) (string, error) {
	return f(ctx, lines)
}

// Store is the persistence the Directory needs. storage.Store satisfies it.
type Store interface {
	CreateMeeting(ctx context.Context, meetingID, hostUserID string) error
	MeetingExists(ctx context.Context, meetingID string) (bool, error)
	RecordDialogue(ctx context.Context, meetingID, userID, name, text string) error
	FinalizeMeeting(ctx context.Context, meetingID, summary, transcript string) (storage.Links, error)
	DeleteMeeting(ctx context.Context, meetingID string) error
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Result is the outcome of finalizing a meeting.
type Result struct {
	MeetingID      string
	Summary        string
	Transcript     []Entry
	NotesLink      string
	TranscriptLink string
	// Err is non-nil when the summarizer or the store failed. The meeting
	// was still torn down.
	Err error
}
