package meetings

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/meetingscribe/internal/metrics"
)

// Session is one live meeting. All of its mutable state is guarded by mu,
// which also serializes every enqueue to its connections.
type Session struct {
	id         string
	hostUserID string
	createdAt  time.Time
	reg        *registry
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	state      State
	roster     map[string]string // userID -> display name
	transcript []Entry
	nextSeq    uint64

	done   chan struct{}
	result Result
}

func newSession(id, hostUserID, hostName string, now time.Time, log *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		id:         id,
		hostUserID: hostUserID,
		createdAt:  now,
		reg:        newRegistry(id),
		log:        log,
		metrics:    m,
		roster:     map[string]string{hostUserID: hostName},
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) HostUserID() string   { return s.hostUserID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session has ENDED and left the Directory.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is only meaningful after Done is closed.
func (s *Session) Result() Result {
	<-s.done
	return s.result
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a copy of the accepted entries in arrival order.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.transcript...)
}

// Connected returns the participants with a live connection, in the order
// they connected.
func (s *Session) Connected() []Participant {
	peers := s.reg.members()
	out := make([]Participant, len(peers))
	for i, p := range peers {
		out[i] = p.participant
	}
	return out
}

// addParticipant puts a freshly minted user ID on the roster.
func (s *Session) addParticipant(userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded {
		return ErrNotFound
	}
	s.roster[userID] = name
	return nil
}

// admit registers p and queues the join_meeting history for it under the
// same lock that orders dialogue, so the joiner sees every entry exactly
// once. A connection it displaces is aborted.
func (s *Session) admit(p *peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEnded {
		return ErrNotFound
	}
	name, ok := s.roster[p.participant.UserID]
	if !ok {
		return fmt.Errorf("%w: user %s is not a participant of meeting %s", ErrForbidden, p.participant.UserID, s.id)
	}
	p.participant.Name = name

	prev, err := s.reg.admit(p)
	if err != nil {
		return err
	}
	if prev != nil {
		prev.abort("superseded by a newer connection")
	}

	s.sendLocked(p, JoinMeeting{PreviousDialogue: dialogueLines(s.transcript)})
	if s.state == StateEnding {
		s.sendLocked(p, EndMeeting{})
	}
	return nil
}

// release deregisters p, reporting whether it was still current.
func (s *Session) release(p *peer) bool {
	return s.reg.remove(p)
}

// append accepts one line of dialogue and fans it out to every other
// participant.
func (s *Session) append(userID, text string, now time.Time) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, fmt.Errorf("%w: dialogue is empty", ErrInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return Entry{}, fmt.Errorf("%w: meeting %s is %s", ErrConflict, s.id, s.state)
	}
	name, ok := s.roster[userID]
	if !ok {
		return Entry{}, fmt.Errorf("%w: user %s is not a participant of meeting %s", ErrForbidden, userID, s.id)
	}

	s.nextSeq++
	e := Entry{Seq: s.nextSeq, UserID: userID, Name: name, Text: text, At: now}
	s.transcript = append(s.transcript, e)

	s.broadcastLocked(TranscriptEntry{Name: name, UserID: userID, Message: text}, userID)
	return e, nil
}

// beginEnding is the ACTIVE -> ENDING compare-and-swap. Only the first
// caller gets ok == true; it receives the frozen transcript and the
// end_meeting notice has already been queued for every connection.
func (s *Session) beginEnding() ([]Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, false
	}
	s.state = StateEnding
	snapshot := append([]Entry(nil), s.transcript...)
	s.broadcastLocked(EndMeeting{}, "")
	return snapshot, true
}

// end moves ENDING -> ENDED, queues the final event and starts a graceful
// close of every connection. The returned peers are closing.
func (s *Session) end(final Event) []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEnding {
		return nil
	}
	s.broadcastLocked(final, "")
	s.state = StateEnded
	peers := s.reg.drain()
	for _, p := range peers {
		p.shutdown("meeting ended")
	}
	return peers
}

func (s *Session) publish(res Result) {
	s.result = res
	close(s.done)
}

func (s *Session) broadcast(ev Event, exceptUserID string) (delivered, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastLocked(ev, exceptUserID)
}

func (s *Session) sendTo(userID string, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.reg.lookup(userID)
	if p == nil {
		return false
	}
	return s.sendLocked(p, ev)
}
