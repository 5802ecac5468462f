package meetings

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/meetingscribe/internal/metrics"
)

const (
	defaultSendQueue       = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultFinalizeTimeout = 2 * time.Minute
	meetingIDLength        = 10
	maxMintAttempts        = 8
)

// Option customizes a Directory.
type Option func(*Directory)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics records activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Directory) {
		d.metrics = m
	}
}

// WithSendQueue bounds how many events may wait for one slow connection
// before it is dropped.
func WithSendQueue(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.sendQueue = n
		}
	}
}

// WithWriteTimeout bounds a single write to a connection.
func WithWriteTimeout(t time.Duration) Option {
	return func(d *Directory) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// WithFinalizeTimeout bounds the whole finalization of one meeting,
// including the summarizer and store calls.
func WithFinalizeTimeout(t time.Duration) Option {
	return func(d *Directory) {
		if t > 0 {
			d.finalizeTimeout = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMeetingIDs overrides the meeting ID generator.
func WithMeetingIDs(gen func() string) Option {
	return func(d *Directory) {
		if gen != nil {
			d.newMeetingID = gen
		}
	}
}

// WithUserIDs overrides the user ID generator.
func WithUserIDs(gen func() string) Option {
	return func(d *Directory) {
		if gen != nil {
			d.newUserID = gen
		}
	}
}

func newMeetingID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:meetingIDLength]
}

func newUserID() string {
	return uuid.NewString()
}
