// Package memory provides an in-process implementation of storage.Store.
// Live meetings are kept in a map; finalized records are kept in a bounded
// github.com/hashicorp/golang-lru/v2 cache so a long-running process does
// not grow without limit.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/meetingscribe/storage"
)

// Config contains configuration options for the in-memory store.
type Config struct {
	// MaxRecords bounds how many finalized records are retained. The least
	// recently read record is evicted first. Default: 1024.
	MaxRecords int

	// Links renders download links for finalized meetings.
	Links storage.LinkBuilder

	// Now overrides time.Now.
	Now func() time.Time
}

type meeting struct {
	hostUserID string
	createdAt  time.Time
	dialogue   []storage.DialogueRow
}

// Store implements storage.Store in memory.
type Store struct {
	links storage.LinkBuilder
	now   func() time.Time

	mu       sync.Mutex
	meetings map[string]*meeting
	records  *lru.Cache[string, *storage.Record]
}

// New creates a new in-memory store.
func New(config Config) (*Store, error) {
	if config.MaxRecords <= 0 {
		config.MaxRecords = 1024
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	records, err := lru.New[string, *storage.Record](config.MaxRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Store{
		links:    config.Links,
		now:      config.Now,
		meetings: make(map[string]*meeting),
		records:  records,
	}, nil
}

func (s *Store) CreateMeeting(ctx context.Context, meetingID, hostUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.takenLocked(meetingID) {
		return fmt.Errorf("%w: meeting %s", storage.ErrExists, meetingID)
	}
	s.meetings[meetingID] = &meeting{hostUserID: hostUserID, createdAt: s.now()}
	return nil
}

func (s *Store) MeetingExists(ctx context.Context, meetingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takenLocked(meetingID), nil
}

func (s *Store) takenLocked(meetingID string) bool {
	if _, ok := s.meetings[meetingID]; ok {
		return true
	}
	return s.records.Contains(meetingID)
}

func (s *Store) RecordDialogue(ctx context.Context, meetingID, userID, name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return fmt.Errorf("%w: meeting %s", storage.ErrNotFound, meetingID)
	}
	m.dialogue = append(m.dialogue, storage.DialogueRow{UserID: userID, Name: name, Text: text, At: s.now()})
	return nil
}

func (s *Store) Dialogue(ctx context.Context, meetingID string) ([]storage.DialogueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingID]
	if !ok {
		return nil, fmt.Errorf("%w: meeting %s", storage.ErrNotFound, meetingID)
	}
	return append([]storage.DialogueRow(nil), m.dialogue...), nil
}

func (s *Store) FinalizeMeeting(ctx context.Context, meetingID, summary, transcript string) (storage.Links, error) {
	rec := &storage.Record{
		MeetingID:   meetingID,
		Summary:     summary,
		Transcript:  transcript,
		FinalizedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok, _ := s.records.ContainsOrAdd(meetingID, rec); ok {
		return storage.Links{}, fmt.Errorf("%w: record %s", storage.ErrExists, meetingID)
	}
	return s.links.Links(meetingID), nil
}

func (s *Store) LoadRecord(ctx context.Context, meetingID string) (*storage.Record, error) {
	s.mu.Lock()
	rec, ok := s.records.Get(meetingID)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: record %s", storage.ErrNotFound, meetingID)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) DeleteMeeting(ctx context.Context, meetingID string) error {
	s.mu.Lock()
	delete(s.meetings, meetingID)
	s.mu.Unlock()
	return nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff, err := storage.Cutoff(s.now(), age)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.records.Keys() {
		if rec, ok := s.records.Peek(id); ok && !rec.FinalizedAt.After(cutoff) {
			s.records.Remove(id)
			n++
		}
	}
	for id, m := range s.meetings {
		if !m.createdAt.After(cutoff) {
			delete(s.meetings, id)
			n++
		}
	}
	return n, nil
}

// Close drops everything held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.records.Purge()
	s.meetings = make(map[string]*meeting)
	s.mu.Unlock()
	return nil
}

var _ storage.Store = (*Store)(nil)
