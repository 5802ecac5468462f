package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/meetingscribe/internal/logctx"
	"github.com/ggoodman/meetingscribe/internal/metrics"
	"github.com/ggoodman/meetingscribe/storage"
)

// Directory maps meeting IDs to live sessions. It is the only entry point
// into the package: construct one at process start with New and tear it
// down with Shutdown.
type Directory struct {
	store      Store
	summarizer Summarizer
	log        *slog.Logger
	metrics    *metrics.Metrics

	now          func() time.Time
	newMeetingID func() string
	newUserID    func() string

	sendQueue       int
	writeTimeout    time.Duration
	finalizeTimeout time.Duration

	peerSeq atomic.Uint64
	wg      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool // refuses new meetings, joins and connections
	stopped  bool // refuses new finalizer goroutines
}

// New creates a Directory backed by store and summarizer.
func New(store Store, summarizer Summarizer, opts ...Option) (*Directory, error) {
	if store == nil {
		return nil, errors.New("meetings: store is required")
	}
	if summarizer == nil {
		return nil, errors.New("meetings: summarizer is required")
	}

	d := &Directory{
		store:           store,
		summarizer:      summarizer,
		log:             slog.New(slog.DiscardHandler),
		now:             time.Now,
		newMeetingID:    newMeetingID,
		newUserID:       newUserID,
		sendQueue:       defaultSendQueue,
		writeTimeout:    defaultWriteTimeout,
		finalizeTimeout: defaultFinalizeTimeout,
		sessions:        make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Host creates a meeting and returns its host participant.
func (d *Directory) Host(ctx context.Context, name string) (Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Participant{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}

	hostUserID := d.newUserID()
	for range maxMintAttempts {
		id := d.newMeetingID()

		d.mu.RLock()
		closed, taken := d.closed, d.sessions[id] != nil
		d.mu.RUnlock()
		if closed {
			return Participant{}, ErrDirectoryClosed
		}
		if taken {
			continue
		}

		exists, err := d.store.MeetingExists(ctx, id)
		if err != nil {
			return Participant{}, fmt.Errorf("meetings: check meeting id: %w", err)
		}
		if exists {
			continue
		}
		if err := d.store.CreateMeeting(ctx, id, hostUserID); err != nil {
			if errors.Is(err, storage.ErrExists) {
				continue
			}
			return Participant{}, fmt.Errorf("meetings: create meeting: %w", err)
		}

		s := newSession(id, hostUserID, name, d.now(), d.log, d.metrics)

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			if err := d.store.DeleteMeeting(context.WithoutCancel(ctx), id); err != nil {
				d.log.WarnContext(ctx, "meeting.host.rollback.fail", slog.String("meeting_id", id), slog.String("err", err.Error()))
			}
			return Participant{}, ErrDirectoryClosed
		}
		d.sessions[id] = s
		d.mu.Unlock()

		d.metrics.MeetingStarted()
		d.log.InfoContext(ctx, "meeting.host", slog.String("meeting_id", id), slog.String("host_uid", hostUserID))
		return Participant{MeetingID: id, UserID: hostUserID, Name: name}, nil
	}
	return Participant{}, fmt.Errorf("meetings: no unused meeting id after %d attempts", maxMintAttempts)
}

// Join mints a participant for an existing meeting.
func (d *Directory) Join(ctx context.Context, meetingID, name string) (Participant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Participant{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	s, err := d.lookup(meetingID)
	if err != nil {
		return Participant{}, err
	}

	p := Participant{MeetingID: s.id, UserID: d.newUserID(), Name: name}
	if err := s.addParticipant(p.UserID, p.Name); err != nil {
		return Participant{}, fmt.Errorf("%w: %s", err, meetingID)
	}
	d.log.InfoContext(ctx, "meeting.join", slog.String("meeting_id", s.id), slog.String("uid", p.UserID))
	return p, nil
}

// Lookup returns the live session for meetingID.
func (d *Directory) Lookup(meetingID string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[meetingID]
	return s, ok
}

// Len reports the number of sessions in the directory, including ones
// still finalizing.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Directory) lookup(meetingID string) (*Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrDirectoryClosed
	}
	s, ok := d.sessions[meetingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, meetingID)
	}
	return s, nil
}

// Connect attaches conn to the meeting as participant and serves it until
// the connection ends. It returns an error only when the connection was
// never admitted; in that case conn is left open for the caller to reject.
//
// When the host's current connection ends while the meeting is still
// active, the meeting is finalized.
func (d *Directory) Connect(ctx context.Context, participant Participant, conn Conn) error {
	s, err := d.lookup(participant.MeetingID)
	if err != nil {
		return err
	}

	p := newPeer(d.peerSeq.Add(1), participant, conn, d.sendQueue, d.writeTimeout, d.log)
	if err := s.admit(p); err != nil {
		p.cancel()
		return err
	}
	p.start()
	d.metrics.ConnectionOpened()

	ctx = logctx.WithMeetingData(ctx, &logctx.MeetingData{MeetingID: s.id, HostUserID: s.hostUserID})
	ctx = logctx.WithParticipantData(ctx, &logctx.ParticipantData{UserID: p.participant.UserID, Name: p.participant.Name})
	d.log.DebugContext(ctx, "meeting.connect")

	defer d.disconnect(ctx, s, p)
	d.receive(ctx, s, p)
	return nil
}

func (d *Directory) receive(ctx context.Context, s *Session, p *peer) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	for {
		data, err := p.conn.Read(ctx)
		if err != nil {
			if p.open() && ctx.Err() == nil {
				d.log.DebugContext(ctx, "meeting.read.end", slog.String("err", err.Error()))
			}
			return
		}
		d.handleFrame(ctx, s, p, data)
	}
}

func (d *Directory) handleFrame(ctx context.Context, s *Session, p *peer, data []byte) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		d.log.DebugContext(ctx, "meeting.frame.malformed", slog.String("err", err.Error()))
		d.reject(s, p, fmt.Errorf("%w: malformed frame", ErrInvalid))
		return
	}

	var err error
	switch f.Event {
	case EventTranscriptEntry:
		_, err = d.addDialogue(ctx, s, p.participant.UserID, f.Message)
	case EventEndMeeting:
		err = d.requestEnd(ctx, s, p.participant.UserID)
	default:
		d.log.DebugContext(ctx, "meeting.frame.unknown", slog.String("event", f.Event))
		err = fmt.Errorf("%w: unknown event %q", ErrInvalid, f.Event)
	}
	if err != nil {
		d.reject(s, p, err)
	}
}

func (d *Directory) reject(s *Session, p *peer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendLocked(p, ErrorReply{Code: Code(err), Message: err.Error()})
}

func (d *Directory) disconnect(ctx context.Context, s *Session, p *peer) {
	current := s.release(p)
	p.abort("connection closed")
	<-p.done
	d.metrics.ConnectionClosed()
	d.log.DebugContext(ctx, "meeting.disconnect", slog.Bool("current", current))

	if current && p.participant.UserID == s.hostUserID {
		if d.triggerEnd(s) {
			d.log.InfoContext(ctx, "meeting.host.disconnected")
		}
	}
}

// AddDialogue appends one line spoken by userID and fans it out to the
// other participants.
func (d *Directory) AddDialogue(ctx context.Context, meetingID, userID, text string) (Entry, error) {
	s, err := d.lookup(meetingID)
	if err != nil {
		return Entry{}, err
	}
	return d.addDialogue(ctx, s, userID, text)
}

func (d *Directory) addDialogue(ctx context.Context, s *Session, userID, text string) (Entry, error) {
	e, err := s.append(userID, text, d.now())
	if err != nil {
		return Entry{}, err
	}
	d.metrics.DialogueAccepted()

	// The in-memory transcript is authoritative; the stored copy only
	// survives a crash.
	if err := d.store.RecordDialogue(ctx, s.id, userID, e.Name, e.Text); err != nil {
		d.log.WarnContext(ctx, "meeting.dialogue.record.fail",
			slog.String("meeting_id", s.id),
			slog.String("uid", userID),
			slog.String("err", err.Error()),
		)
	}
	return e, nil
}

// End finalizes the meeting on behalf of its host and waits for the
// result. Only one End per meeting succeeds; later ones get ErrConflict.
func (d *Directory) End(ctx context.Context, meetingID, userID string) (Result, error) {
	s, err := d.lookup(meetingID)
	if err != nil {
		return Result{}, err
	}
	if err := d.requestEnd(ctx, s, userID); err != nil {
		return Result{}, err
	}

	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (d *Directory) requestEnd(ctx context.Context, s *Session, userID string) error {
	if userID != s.hostUserID {
		return fmt.Errorf("%w: only the host may end meeting %s", ErrForbidden, s.id)
	}
	if !d.triggerEnd(s) {
		return fmt.Errorf("%w: %s", ErrConflict, s.id)
	}
	d.log.InfoContext(ctx, "meeting.end.requested", slog.String("meeting_id", s.id))
	return nil
}

// triggerEnd starts finalization if s is still active. It reports whether
// this call was the one that did.
func (d *Directory) triggerEnd(s *Session) bool {
	snapshot, ok := s.beginEnding()
	if !ok {
		return false
	}
	if !d.spawn(func() { d.finalize(s, snapshot) }) {
		d.finalize(s, snapshot)
	}
	return true
}

func (d *Directory) spawn(fn func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

// Purge removes stored meetings finalized more than olderThan ago.
func (d *Directory) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := d.store.PurgeOlderThan(ctx, olderThan)
	d.metrics.Purged(n)
	if err != nil {
		return n, fmt.Errorf("meetings: purge: %w", err)
	}
	return n, nil
}

// RunJanitor purges expired records every interval until ctx ends.
func (d *Directory) RunJanitor(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 || retention <= 0 {
		return fmt.Errorf("%w: janitor interval and retention must be positive", ErrInvalid)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := d.Purge(ctx, retention)
			if err != nil {
				d.log.WarnContext(ctx, "janitor.purge.fail", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				d.log.InfoContext(ctx, "janitor.purge", slog.Int("records", n))
			}
		}
	}
}

// Shutdown stops accepting meetings, ends every live meeting and waits for
// their finalization to finish or ctx to end.
func (d *Directory) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	live := slices.Collect(maps.Values(d.sessions))
	d.mu.Unlock()

	for _, s := range live {
		d.triggerEnd(s)
	}

	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.InfoContext(ctx, "directory.shutdown", slog.Int("meetings", len(live)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
