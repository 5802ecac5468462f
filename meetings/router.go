package meetings

import (
	"context"
	"log/slog"
)

// broadcastLocked queues ev for every current connection except
// exceptUserID. A connection that cannot take the frame is closed; nothing
// is reported to the caller beyond the counts.
func (s *Session) broadcastLocked(ev Event, exceptUserID string) (delivered, dropped int) {
	data, err := encodeEvent(ev)
	if err != nil {
		s.log.Error("meeting.broadcast.encode.fail", slog.String("event", ev.EventName()), slog.String("err", err.Error()))
		return 0, 0
	}
	for _, p := range s.reg.members() {
		if exceptUserID != "" && p.participant.UserID == exceptUserID {
			continue
		}
		if s.deliverLocked(p, ev.EventName(), data) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (s *Session) sendLocked(p *peer, ev Event) bool {
	data, err := encodeEvent(ev)
	if err != nil {
		s.log.Error("meeting.send.encode.fail", slog.String("event", ev.EventName()), slog.String("err", err.Error()))
		return false
	}
	return s.deliverLocked(p, ev.EventName(), data)
}

func (s *Session) deliverLocked(p *peer, name string, data []byte) bool {
	if p.enqueue(data) {
		s.metrics.EventQueued(name)
		return true
	}
	// The connection is gone or hopelessly behind and is now closing. Its
	// receive loop deregisters it.
	s.metrics.DeliveryFailed()
	s.log.Debug("meeting.deliver.drop",
		slog.String("meeting_id", s.id),
		slog.String("uid", p.participant.UserID),
		slog.String("event", name),
	)
	return false
}

// Broadcast delivers ev to every connection currently joined to meetingID.
// Individual delivery failures are absorbed; only an unknown meeting is an
// error.
func (d *Directory) Broadcast(meetingID string, ev Event) error {
	s, err := d.lookup(meetingID)
	if err != nil {
		return err
	}
	s.broadcast(ev, "")
	return nil
}

// SendTo delivers ev to one participant's current connection. A
// participant without a connection is not an error.
func (d *Directory) SendTo(meetingID, userID string, ev Event) error {
	s, err := d.lookup(meetingID)
	if err != nil {
		return err
	}
	s.sendTo(userID, ev)
	return nil
}

// closeMeeting waits for the connections returned by Session.end to finish
// flushing and close. Connections that were already closed return at once.
func (d *Directory) closeMeeting(ctx context.Context, s *Session, peers []*peer) {
	for _, p := range peers {
		if err := p.wait(ctx); err != nil {
			// Out of time: stop flushing and close hard.
			p.abort("meeting ended")
			d.log.WarnContext(ctx, "meeting.close.timeout",
				slog.String("meeting_id", s.id),
				slog.String("uid", p.participant.UserID),
			)
		}
	}
}
