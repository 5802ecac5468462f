package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/storage/storagetest"
)

func newTestStore(t *testing.T, config Config) *Store {
	t.Helper()
	s, err := New(config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return newTestStore(t, Config{Links: storage.LinkBuilder{BaseURL: "http://scribe.test"}})
	})
}

func TestRecordsAreBounded(t *testing.T) {
	s := newTestStore(t, Config{MaxRecords: 2})
	ctx := context.Background()

	for i := range 3 {
		if _, err := s.FinalizeMeeting(ctx, fmt.Sprintf("m-%d", i), "notes", ""); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
	}

	if _, err := s.LoadRecord(ctx, "m-0"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected oldest record to be evicted, got %v", err)
	}
	for _, id := range []string{"m-1", "m-2"} {
		if _, err := s.LoadRecord(ctx, id); err != nil {
			t.Fatalf("expected %s to be retained: %v", id, err)
		}
	}
}

func TestPurgeUsesClock(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	if _, err := s.FinalizeMeeting(ctx, "m-old", "notes", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	now = now.Add(48 * time.Hour)
	if _, err := s.FinalizeMeeting(ctx, "m-new", "notes", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := s.PurgeOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if _, err := s.LoadRecord(ctx, "m-new"); err != nil {
		t.Fatalf("expected recent record to survive: %v", err)
	}
}

func TestLoadRecordReturnsCopy(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := s.FinalizeMeeting(ctx, "m-copy", "notes", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	rec, err := s.LoadRecord(ctx, "m-copy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rec.Summary = "mutated"

	again, err := s.LoadRecord(ctx, "m-copy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if again.Summary != "notes" {
		t.Fatalf("expected stored record to be unaffected, got %q", again.Summary)
	}
}
