package meetings

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/meetingscribe/internal/logctx"
	"github.com/ggoodman/meetingscribe/internal/metrics"
)

// closeGrace bounds how long finalize waits for connections to flush the
// final events, on top of one write timeout.
const closeGrace = 2 * time.Second

// finalize runs once per session, after beginEnding has frozen the
// transcript and queued end_meeting. It never holds a lock while calling
// the summarizer or the store.
func (d *Directory) finalize(s *Session, snapshot []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.finalizeTimeout)
	defer cancel()
	ctx = logctx.WithMeetingData(ctx, &logctx.MeetingData{MeetingID: s.id, HostUserID: s.hostUserID})

	res := Result{MeetingID: s.id, Transcript: snapshot}
	outcome := metrics.OutcomeOK
	lines := Lines(snapshot)

	start := time.Now()
	summary, err := d.summarizer.Summarize(ctx, lines)
	d.metrics.ObserveSummarize(time.Since(start))
	if err != nil {
		res.Err = &CollaboratorError{Op: "summarize", Err: err}
		outcome = metrics.OutcomeSummarizerFailure
	} else {
		res.Summary = summary
		links, err := d.store.FinalizeMeeting(ctx, s.id, summary, FormatTranscript(lines))
		if err != nil {
			res.Err = &CollaboratorError{Op: "finalize", Err: err}
			outcome = metrics.OutcomeStoreFailure
		} else {
			res.NotesLink, res.TranscriptLink = links.Notes, links.Transcript
			if err := d.store.DeleteMeeting(ctx, s.id); err != nil {
				d.log.WarnContext(ctx, "meeting.finalize.delete.fail", slog.String("err", err.Error()))
			}
		}
	}

	done := DoneProcessing{NotesLink: res.NotesLink, TranscriptLink: res.TranscriptLink}
	if ce, ok := res.Err.(*CollaboratorError); ok {
		done.Error = ce.Op + " failed"
		d.log.ErrorContext(ctx, "meeting.finalize.fail", slog.String("op", ce.Op), slog.String("err", ce.Err.Error()))
	}

	peers := s.end(done)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), d.writeTimeout+closeGrace)
	d.closeMeeting(closeCtx, s, peers)
	closeCancel()

	d.mu.Lock()
	if d.sessions[s.id] == s {
		delete(d.sessions, s.id)
	}
	d.mu.Unlock()

	d.metrics.MeetingFinished(outcome)
	d.log.InfoContext(ctx, "meeting.finalized",
		slog.String("outcome", outcome),
		slog.Int("entries", len(snapshot)),
		slog.Int("connections", len(peers)),
	)
	s.publish(res)
}
