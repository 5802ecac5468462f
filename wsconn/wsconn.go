// Package wsconn adapts nhooyr.io/websocket connections to meetings.Conn.
package wsconn

import (
	"context"
	"errors"
	"io"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/ggoodman/meetingscribe/meetings"
)

// maxReason is the longest close reason the protocol allows.
const maxReason = 123

// Conn carries text frames over a WebSocket.
type Conn struct {
	ws *websocket.Conn
}

// Options configures Accept.
type Options struct {
	// OriginPatterns lists hosts allowed to connect cross-origin.
	OriginPatterns []string
	// ReadLimit bounds a single inbound frame. Default: 64 KiB.
	ReadLimit int64
}

// Accept upgrades an HTTP request. On failure a response has already been
// written.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	return New(ws, opts.ReadLimit), nil
}

// Dial connects to a WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, 0), nil
}

func New(ws *websocket.Conn, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = 64 << 10
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}
}

// Read returns the next text frame. Binary frames are skipped. A normal
// close by the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal closure.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, truncate(reason))
}

// Reject closes a connection that was never admitted, carrying the
// rejection code as the reason.
func (c *Conn) Reject(err error) error {
	return c.ws.Close(rejectStatus(err), truncate(meetings.Code(err)))
}

func rejectStatus(err error) websocket.StatusCode {
	switch {
	case errors.Is(err, meetings.ErrDirectoryClosed):
		return websocket.StatusTryAgainLater
	case errors.Is(err, meetings.ErrNotFound),
		errors.Is(err, meetings.ErrForbidden),
		errors.Is(err, meetings.ErrConflict),
		errors.Is(err, meetings.ErrInvalid):
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusInternalError
	}
}

func truncate(reason string) string {
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}

var _ meetings.Conn = (*Conn)(nil)
