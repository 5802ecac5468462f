package meetings

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// registry indexes the live connections of one meeting by user ID. A user
// has at most one current connection; the member set of the meeting is
// exactly the set of current connections, so the two views cannot drift.
//
// A registry is safe for concurrent use. Its lock is never held across I/O.
type registry struct {
	meetingID string

	mu    sync.Mutex
	users map[string]*peer
}

func newRegistry(meetingID string) *registry {
	return &registry{
		meetingID: meetingID,
		users:     make(map[string]*peer),
	}
}

// admit files p as the current connection of its user. Any connection it
// displaces is returned so the caller can close it.
func (r *registry) admit(p *peer) (*peer, error) {
	if p.participant.MeetingID != r.meetingID {
		return nil, fmt.Errorf("registry: connection for meeting %q filed under %q", p.participant.MeetingID, r.meetingID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.users[p.participant.UserID]
	r.users[p.participant.UserID] = p
	if prev == p {
		return nil, nil
	}
	return prev, nil
}

// remove drops p only if it is still the current connection for its user,
// so a late removal can never evict a newer connection. It reports whether
// anything was removed.
func (r *registry) remove(p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.users[p.participant.UserID]; ok && cur == p {
		delete(r.users, p.participant.UserID)
		return true
	}
	return false
}

// lookup returns the current connection for userID, or nil.
func (r *registry) lookup(userID string) *peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}

// members returns a snapshot of the current connections in admission order.
func (r *registry) members() []*peer {
	r.mu.Lock()
	out := make([]*peer, 0, len(r.users))
	for _, p := range r.users {
		out = append(out, p)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *peer) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// drain empties the registry and returns what it held.
func (r *registry) drain() []*peer {
	r.mu.Lock()
	out := make([]*peer, 0, len(r.users))
	for _, p := range r.users {
		out = append(out, p)
	}
	r.users = make(map[string]*peer)
	r.mu.Unlock()
	return out
}

// size reports the number of current connections.
func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
