// Package storagetest holds the behaviour every storage.Store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/meetingscribe/storage"
)

// StoreFactory creates an empty Store for one subtest.
type StoreFactory func(t *testing.T) storage.Store

// Run runs the complete Store test suite against the provided factory.
func Run(t *testing.T, factory StoreFactory) {
	t.Run("Meetings_CreateRejectsDuplicateID", func(t *testing.T) { testCreateRejectsDuplicate(t, factory) })
	t.Run("Meetings_ExistsReflectsCreate", func(t *testing.T) { testExists(t, factory) })
	t.Run("Dialogue_PreservesOrder", func(t *testing.T) { testDialogueOrder(t, factory) })
	t.Run("Dialogue_UnknownMeeting", func(t *testing.T) { testDialogueUnknownMeeting(t, factory) })
	t.Run("Finalize_ReturnsLinksAndRecord", func(t *testing.T) { testFinalize(t, factory) })
	t.Run("Finalize_OnlyOnce", func(t *testing.T) { testFinalizeOnce(t, factory) })
	t.Run("Finalize_ReservesID", func(t *testing.T) { testFinalizeReservesID(t, factory) })
	t.Run("Delete_RemovesDialogueAndIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Records_UnknownIsNotFound", func(t *testing.T) { testLoadUnknown(t, factory) })
	t.Run("Purge_RemovesOnlyExpired", func(t *testing.T) { testPurge(t, factory) })
	t.Run("Purge_RejectsNegativeAge", func(t *testing.T) { testPurgeNegative(t, factory) })
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testCreateRejectsDuplicate(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-dup", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateMeeting(ctx, "m-dup", "host-2")
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists on duplicate create, got %v", err)
	}
}

func testExists(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	ok, err := s.MeetingExists(ctx, "m-exists")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown meeting to not exist")
	}

	if err := s.CreateMeeting(ctx, "m-exists", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err = s.MeetingExists(ctx, "m-exists")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected created meeting to exist")
	}
}

func testDialogueOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-order", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	want := []string{"first", "second", "third"}
	for _, text := range want {
		if err := s.RecordDialogue(ctx, "m-order", "uid-1", "Alice", text); err != nil {
			t.Fatalf("record %q: %v", text, err)
		}
	}

	rows, err := s.Dialogue(ctx, "m-order")
	if err != nil {
		t.Fatalf("dialogue: %v", err)
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, row := range rows {
		if row.Text != want[i] {
			t.Fatalf("row %d: expected %q, got %q", i, want[i], row.Text)
		}
		if row.UserID != "uid-1" || row.Name != "Alice" {
			t.Fatalf("row %d: unexpected speaker %q/%q", i, row.UserID, row.Name)
		}
	}
}

func testDialogueUnknownMeeting(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	err := s.RecordDialogue(ctx, "m-missing", "uid-1", "Alice", "hello")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound recording to unknown meeting, got %v", err)
	}
	if _, err := s.Dialogue(ctx, "m-missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound reading unknown meeting, got %v", err)
	}
}

func testFinalize(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-final", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	links, err := s.FinalizeMeeting(ctx, "m-final", "- decided things", "Alice: hi\nBob: hello")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !strings.Contains(links.Notes, "m-final") || !strings.Contains(links.Notes, storage.KindNotes) {
		t.Fatalf("unexpected notes link %q", links.Notes)
	}
	if !strings.Contains(links.Transcript, "m-final") || !strings.Contains(links.Transcript, storage.KindTranscript) {
		t.Fatalf("unexpected transcript link %q", links.Transcript)
	}

	rec, err := s.LoadRecord(ctx, "m-final")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.MeetingID != "m-final" {
		t.Fatalf("expected meeting id m-final, got %q", rec.MeetingID)
	}
	if rec.Summary != "- decided things" {
		t.Fatalf("unexpected summary %q", rec.Summary)
	}
	if rec.Transcript != "Alice: hi\nBob: hello" {
		t.Fatalf("unexpected transcript %q", rec.Transcript)
	}
	if rec.FinalizedAt.IsZero() {
		t.Fatalf("expected finalized time to be set")
	}
}

func testFinalizeOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if _, err := s.FinalizeMeeting(ctx, "m-once", "first", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err := s.FinalizeMeeting(ctx, "m-once", "second", "")
	if !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists on second finalize, got %v", err)
	}

	rec, err := s.LoadRecord(ctx, "m-once")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Summary != "first" {
		t.Fatalf("expected first summary to survive, got %q", rec.Summary)
	}
}

func testFinalizeReservesID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-reserved", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.FinalizeMeeting(ctx, "m-reserved", "notes", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.DeleteMeeting(ctx, "m-reserved"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ok, err := s.MeetingExists(ctx, "m-reserved")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !ok {
		t.Fatalf("expected finalized meeting id to stay reserved")
	}
	if err := s.CreateMeeting(ctx, "m-reserved", "host-2"); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists reusing a finalized id, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-del", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.RecordDialogue(ctx, "m-del", "uid-1", "Alice", "hello"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.DeleteMeeting(ctx, "m-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteMeeting(ctx, "m-del"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	if _, err := s.Dialogue(ctx, "m-del"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	ok, err := s.MeetingExists(ctx, "m-del")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted meeting to not exist")
	}
}

func testLoadUnknown(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if _, err := s.LoadRecord(ctx, "m-nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPurge(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if err := s.CreateMeeting(ctx, "m-live", "host-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.FinalizeMeeting(ctx, "m-done", "notes", ""); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	n, err := s.PurgeOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing older than an hour, purged %d", n)
	}
	if _, err := s.LoadRecord(ctx, "m-done"); err != nil {
		t.Fatalf("expected record to survive, got %v", err)
	}

	n, err = s.PurgeOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if _, err := s.LoadRecord(ctx, "m-done"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected purged record to be gone, got %v", err)
	}
	ok, err := s.MeetingExists(ctx, "m-live")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected purged meeting to be gone")
	}
}

func testPurgeNegative(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testContext(t)

	if _, err := s.PurgeOlderThan(ctx, -time.Minute); !errors.Is(err, storage.ErrInvalidAge) {
		t.Fatalf("expected ErrInvalidAge, got %v", err)
	}
}
