// Package storage defines how meetings are persisted: the raw rows kept
// while a meeting is live and the finalized record served for download
// afterwards.
//
// Backends live in subpackages (memory, redis, dynamodb) and are checked
// against the same behaviour by storagetest.Run.
package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Store persists meetings.
type Store interface {
	// CreateMeeting records a new live meeting. It returns ErrExists when
	// the ID is already used by a live meeting or a finalized record.
	CreateMeeting(ctx context.Context, meetingID, hostUserID string) error

	// MeetingExists reports whether the ID is used by a live meeting or a
	// finalized record.
	MeetingExists(ctx context.Context, meetingID string) (bool, error)

	// RecordDialogue appends one line to a live meeting. It returns
	// ErrNotFound when the meeting does not exist.
	RecordDialogue(ctx context.Context, meetingID, userID, name, text string) error

	// Dialogue returns the recorded lines of a live meeting in the order
	// they were recorded.
	Dialogue(ctx context.Context, meetingID string) ([]DialogueRow, error)

	// FinalizeMeeting stores the summary and transcript and returns the
	// links they can be retrieved from. A meeting is finalized at most
	// once; a second call returns ErrExists.
	FinalizeMeeting(ctx context.Context, meetingID, summary, transcript string) (Links, error)

	// LoadRecord returns a finalized record or ErrNotFound.
	LoadRecord(ctx context.Context, meetingID string) (*Record, error)

	// DeleteMeeting removes the live meeting row and its dialogue. It is
	// not an error if nothing was stored.
	DeleteMeeting(ctx context.Context, meetingID string) error

	// PurgeOlderThan removes finalized records and abandoned live meetings
	// older than age, returning how many it removed.
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}

// Links locate the artifacts of a finalized meeting.
type Links struct {
	Notes      string `json:"notes_link"`
	Transcript string `json:"transcript_link"`
}

// Record is a finalized meeting.
type Record struct {
	MeetingID   string    `json:"meeting_id"`
	Summary     string    `json:"summary"`
	Transcript  string    `json:"transcript"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// DialogueRow is one recorded line of a live meeting.
type DialogueRow struct {
	UserID string    `json:"uid"`
	Name   string    `json:"name"`
	Text   string    `json:"message"`
	At     time.Time `json:"at"`
}

// Artifact kinds accepted by the download endpoint.
const (
	KindNotes      = "notes"
	KindTranscript = "transcript"
)

// LinkBuilder renders download links relative to BaseURL. An empty
// BaseURL yields root-relative links.
type LinkBuilder struct {
	BaseURL string
}

func (b LinkBuilder) Links(meetingID string) Links {
	return Links{
		Notes:      b.link(meetingID, KindNotes),
		Transcript: b.link(meetingID, KindTranscript),
	}
}

func (b LinkBuilder) link(meetingID, kind string) string {
	q := url.Values{}
	q.Set("id", meetingID)
	q.Set("kind", kind)
	return strings.TrimRight(b.BaseURL, "/") + "/download?" + q.Encode()
}

// Cutoff returns the instant before which entries are older than age.
func Cutoff(now time.Time, age time.Duration) (time.Time, error) {
	if age < 0 {
		return time.Time{}, ErrInvalidAge
	}
	return now.Add(-age), nil
}

var (
	// ErrExists is returned when a meeting ID or record is already taken.
	ErrExists = errors.New("storage: already exists")
	// ErrNotFound is returned for unknown meetings and records.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidAge is returned by PurgeOlderThan for negative ages.
	ErrInvalidAge = errors.New("storage: negative age")
)
