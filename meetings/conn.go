package meetings

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Conn is a duplex text channel to one participant. Read is only ever
// called by the goroutine running Directory.Connect; Write and Close are
// only ever called by the connection's writer goroutine.
type Conn interface {
	// Read blocks until the next inbound frame, an error, or ctx ends.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, data []byte) error
	// Close terminates the channel. A concurrent Read must return an error.
	Close(reason string) error
}

type peerState int32

const (
	peerOpen peerState = iota
	peerClosing
	peerClosed
)

// peer owns a Conn on behalf of the registry: it is the only place that
// closes it. Frames are queued by enqueue and written in order by
// writeLoop.
type peer struct {
	seq          uint64
	participant  Participant
	conn         Conn
	writeTimeout time.Duration
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  peerState
	reason string
	out    chan []byte
	drain  chan struct{}
	kill   chan struct{}
	done   chan struct{}
}

func newPeer(seq uint64, p Participant, conn Conn, queue int, writeTimeout time.Duration, log *slog.Logger) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		seq:          seq,
		participant:  p,
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		out:          make(chan []byte, queue),
		drain:        make(chan struct{}),
		kill:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (p *peer) start() {
	go p.writeLoop()
}

// enqueue never blocks. A full queue means the recipient cannot keep up;
// the peer is aborted rather than stalling the meeting.
func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != peerOpen {
		return false
	}
	select {
	case p.out <- data:
		return true
	default:
		p.closeLocked(false, "send queue overflow")
		return false
	}
}

// shutdown flushes queued frames before closing.
func (p *peer) shutdown(reason string) {
	p.mu.Lock()
	p.closeLocked(true, reason)
	p.mu.Unlock()
}

// abort closes without flushing.
func (p *peer) abort(reason string) {
	p.mu.Lock()
	p.closeLocked(false, reason)
	p.mu.Unlock()
}

func (p *peer) closeLocked(graceful bool, reason string) {
	if p.state != peerOpen {
		return
	}
	p.state = peerClosing
	p.reason = reason
	if graceful {
		close(p.drain)
		return
	}
	close(p.kill)
	p.cancel()
}

func (p *peer) open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == peerOpen
}

// wait blocks until the underlying Conn has been closed or ctx ends.
func (p *peer) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) writeLoop() {
	defer p.finish()
	for {
		select {
		case <-p.kill:
			return
		case data := <-p.out:
			if err := p.write(data); err != nil {
				p.log.Debug("peer.write.fail", slog.String("uid", p.participant.UserID), slog.String("err", err.Error()))
				p.abort("write failed")
				return
			}
		case <-p.drain:
			for {
				select {
				case data := <-p.out:
					if err := p.write(data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *peer) write(data []byte) error {
	ctx := p.ctx
	if p.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
	}
	return p.conn.Write(ctx, data)
}

func (p *peer) finish() {
	p.mu.Lock()
	reason := p.reason
	if p.state == peerOpen {
		p.state = peerClosing
	}
	p.mu.Unlock()

	if err := p.conn.Close(reason); err != nil {
		p.log.Debug("peer.close.fail", slog.String("uid", p.participant.UserID), slog.String("err", err.Error()))
	}

	p.mu.Lock()
	p.state = peerClosed
	p.mu.Unlock()
	p.cancel()
	close(p.done)
}
