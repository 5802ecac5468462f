package meetings

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// stubConn records writes and never yields inbound frames.
type stubConn struct {
	mu     sync.Mutex
	writes int
	closed chan struct{}
	once   sync.Once
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (c *stubConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testPeer(seq uint64, meetingID, userID string, queue int) *peer {
	return newPeer(seq, Participant{MeetingID: meetingID, UserID: userID}, newStubConn(), queue, time.Second, slog.New(slog.DiscardHandler))
}

func TestRegistryAdmitDisplacesPrevious(t *testing.T) {
	r := newRegistry("m1")
	first := testPeer(1, "m1", "u1", 4)
	second := testPeer(2, "m1", "u1", 4)

	if prev, err := r.admit(first); err != nil || prev != nil {
		t.Fatalf("first admit: prev=%v err=%v", prev, err)
	}
	prev, err := r.admit(second)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if prev != first {
		t.Fatalf("expected first peer to be displaced")
	}
	if r.lookup("u1") != second {
		t.Fatalf("expected second peer to be current")
	}

	// A late removal of the displaced peer must not evict the current one.
	if r.remove(first) {
		t.Fatalf("remove of displaced peer reported success")
	}
	if r.size() != 1 {
		t.Fatalf("expected 1 member, got %d", r.size())
	}
	if !r.remove(second) || r.remove(second) {
		t.Fatalf("remove should succeed exactly once")
	}
}

func TestRegistryRejectsForeignMeeting(t *testing.T) {
	r := newRegistry("m1")
	if _, err := r.admit(testPeer(1, "m2", "u1", 1)); err == nil {
		t.Fatalf("expected admit for another meeting to fail")
	}
	if r.size() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistryMembersInAdmissionOrder(t *testing.T) {
	r := newRegistry("m1")
	for i, uid := range []string{"c", "a", "b"} {
		if _, err := r.admit(testPeer(uint64(i+1), "m1", uid, 1)); err != nil {
			t.Fatalf("admit %s: %v", uid, err)
		}
	}

	var got []string
	for _, p := range r.members() {
		got = append(got, p.participant.UserID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestRegistryConcurrentAdmitSingleCurrent(t *testing.T) {
	const n = 64
	r := newRegistry("m1")

	peers := make([]*peer, n)
	for i := range peers {
		peers[i] = testPeer(uint64(i+1), "m1", "u1", 1)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		displaced = make(map[*peer]int)
	)
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev, err := r.admit(p)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if prev != nil {
				mu.Lock()
				displaced[prev]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if r.size() != 1 {
		t.Fatalf("expected exactly one current connection, got %d", r.size())
	}
	current := r.lookup("u1")
	if _, ok := displaced[current]; ok {
		t.Fatalf("current connection was also reported displaced")
	}
	if len(displaced) != n-1 {
		t.Fatalf("expected %d displaced connections, got %d", n-1, len(displaced))
	}
	for p, count := range displaced {
		if count != 1 {
			t.Fatalf("peer %d displaced %d times", p.seq, count)
		}
	}
}

func TestRegistryConcurrentAdmitRemove(t *testing.T) {
	r := newRegistry("m1")

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := testPeer(uint64(i+1), "m1", "u1", 1)
			if _, err := r.admit(p); err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			r.remove(p)
		}()
	}
	wg.Wait()

	if got := r.size(); got > 1 {
		t.Fatalf("expected at most one connection per user, got %d", got)
	}
}

func TestRegistryDrain(t *testing.T) {
	r := newRegistry("m1")
	for i, uid := range []string{"a", "b"} {
		if _, err := r.admit(testPeer(uint64(i+1), "m1", uid, 1)); err != nil {
			t.Fatalf("admit: %v", err)
		}
	}
	if got := len(r.drain()); got != 2 {
		t.Fatalf("expected 2 drained peers, got %d", got)
	}
	if r.size() != 0 || len(r.members()) != 0 {
		t.Fatalf("expected registry to be empty after drain")
	}
}

func TestPeerOverflowAborts(t *testing.T) {
	p := testPeer(1, "m1", "u1", 1)
	defer p.cancel()

	if !p.enqueue([]byte("one")) {
		t.Fatalf("first enqueue should fit")
	}
	if p.enqueue([]byte("two")) {
		t.Fatalf("second enqueue should overflow")
	}
	if p.open() {
		t.Fatalf("overflowing peer should be closing")
	}
	if p.enqueue([]byte("three")) {
		t.Fatalf("closing peer should refuse frames")
	}
}

func TestPeerShutdownFlushes(t *testing.T) {
	conn := newStubConn()
	p := newPeer(1, Participant{MeetingID: "m1", UserID: "u1"}, conn, 8, time.Second, slog.New(slog.DiscardHandler))
	for range 3 {
		if !p.enqueue([]byte("frame")) {
			t.Fatalf("enqueue failed")
		}
	}
	p.shutdown("done")
	p.start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.wait(ctx); err != nil {
		t.Fatalf("peer did not close: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.writes != 3 {
		t.Fatalf("expected 3 flushed writes, got %d", conn.writes)
	}
}
