package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/ggoodman/meetingscribe/internal/metrics"
	"github.com/ggoodman/meetingscribe/meetings"
	"github.com/ggoodman/meetingscribe/meetings/meetingstest"
	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/storage/memory"
	"github.com/ggoodman/meetingscribe/wsconn"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type harness struct {
	srv   *httptest.Server
	dir   *meetings.Directory
	store *memory.Store
	sum   *meetingstest.Summarizer
}

func newHarness(t *testing.T, sum *meetingstest.Summarizer) *harness {
	t.Helper()
	if sum == nil {
		sum = &meetingstest.Summarizer{Notes: "ship it\nfollow up friday"}
	}
	h := &harness{sum: sum}

	// Links point back at this server, so the store is built once its
	// address is known.
	h.srv = httptest.NewUnstartedServer(nil)
	baseURL := "http://" + h.srv.Listener.Addr().String()

	store, err := memory.New(memory.Config{Links: storage.LinkBuilder{BaseURL: baseURL}})
	require.NoError(t, err)
	h.store = store

	reg := prometheus.NewRegistry()
	h.dir, err = meetings.New(store, h.sum,
		meetings.WithMetrics(metrics.New(reg)),
		meetings.WithWriteTimeout(time.Second),
	)
	require.NoError(t, err)

	api, err := New(h.dir, store, WithGatherer(reg))
	require.NoError(t, err)
	h.srv.Config.Handler = api
	h.srv.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.dir.Shutdown(ctx)
		h.srv.Close()
	})
	return h
}

func (h *harness) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (h *harness) participant(t *testing.T, path string, body any) meetings.Participant {
	t.Helper()
	status, raw := h.post(t, path, body)
	require.Equal(t, http.StatusOK, status, string(raw))
	var p meetings.Participant
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func requireError(t *testing.T, raw []byte, code string) {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	require.Equal(t, code, body.Error.Code)
	require.NotEmpty(t, body.Error.Message)
}

// listener collects frames from a client connection until it fails.
type listener struct {
	frames chan meetingstest.Frame
	err    chan error
}

func (h *harness) dial(t *testing.T, p meetings.Participant) (*wsconn.Conn, *listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	q := url.Values{"meeting_id": {p.MeetingID}, "uid": {p.UserID}}
	c, err := wsconn.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws?"+q.Encode())
	require.NoError(t, err)

	l := &listener{frames: make(chan meetingstest.Frame, 64), err: make(chan error, 1)}
	go func() {
		defer close(l.frames)
		for {
			data, err := c.Read(ctx)
			if err != nil {
				l.err <- err
				return
			}
			var f meetingstest.Frame
			if err := json.Unmarshal(data, &f); err == nil {
				l.frames <- f
			}
		}
	}()
	return c, l
}

func (l *listener) next(t *testing.T) meetingstest.Frame {
	t.Helper()
	select {
	case f, ok := <-l.frames:
		if !ok {
			t.Fatalf("connection ended early: %v", <-l.err)
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return meetingstest.Frame{}
	}
}

func (l *listener) end(t *testing.T) error {
	t.Helper()
	select {
	case err := <-l.err:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connection never ended")
		return nil
	}
}

func TestHostJoinAddEnd(t *testing.T) {
	h := newHarness(t, nil)

	host := h.participant(t, "/host", hostRequest{Name: "Hana"})
	require.Len(t, host.MeetingID, 10)
	require.Equal(t, "Hana", host.Name)

	ari := h.participant(t, "/join", joinRequest{MeetingID: host.MeetingID, Name: "Ari"})
	require.Equal(t, host.MeetingID, ari.MeetingID)
	require.NotEqual(t, host.UserID, ari.UserID)

	status, raw := h.post(t, "/add", addRequest{MeetingID: host.MeetingID, UserID: ari.UserID, Message: "hello"})
	require.Equal(t, http.StatusOK, status, string(raw))
	var added addResponse
	require.NoError(t, json.Unmarshal(raw, &added))
	require.Equal(t, uint64(1), added.Seq)

	status, raw = h.post(t, "/end", endRequest{MeetingID: host.MeetingID, UserID: host.UserID})
	require.Equal(t, http.StatusOK, status, string(raw))
	var ended endResponse
	require.NoError(t, json.Unmarshal(raw, &ended))
	require.Equal(t, "ship it\nfollow up friday", ended.Notes)
	require.Contains(t, ended.NotesLink, "kind=notes")
	require.Contains(t, ended.TranscriptLink, "kind=transcript")

	status, raw = h.post(t, "/add", addRequest{MeetingID: host.MeetingID, UserID: ari.UserID, Message: "late"})
	require.Equal(t, http.StatusNotFound, status)
	requireError(t, raw, "not_found")
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	host := h.participant(t, "/host", hostRequest{Name: "Hana"})
	ari := h.participant(t, "/join", joinRequest{MeetingID: host.MeetingID, Name: "Ari"})

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"join unknown", "/join", joinRequest{MeetingID: "missing", Name: "Bo"}, http.StatusNotFound, "not_found"},
		{"host blank", "/host", hostRequest{Name: " "}, http.StatusBadRequest, "invalid"},
		{"end by guest", "/end", endRequest{MeetingID: host.MeetingID, UserID: ari.UserID}, http.StatusForbidden, "forbidden"},
		{"add unknown user", "/add", addRequest{MeetingID: host.MeetingID, UserID: "forged", Message: "hi"}, http.StatusForbidden, "forbidden"},
		{"add blank", "/add", addRequest{MeetingID: host.MeetingID, UserID: ari.UserID, Message: ""}, http.StatusBadRequest, "invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, raw := h.post(t, tc.path, tc.body)
			require.Equal(t, tc.status, status, string(raw))
			requireError(t, raw, tc.code)
		})
	}

	resp, err := http.Post(h.srv.URL+"/host", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusConflict, statusFor(meetings.ErrConflict))
	require.Equal(t, http.StatusServiceUnavailable, statusFor(meetings.ErrDirectoryClosed))
	require.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestEndReportsFinalizeFailure(t *testing.T) {
	h := newHarness(t, &meetingstest.Summarizer{Err: errors.New("model offline")})
	host := h.participant(t, "/host", hostRequest{Name: "Hana"})

	status, raw := h.post(t, "/end", endRequest{MeetingID: host.MeetingID, UserID: host.UserID})
	require.Equal(t, http.StatusBadGateway, status)
	requireError(t, raw, "internal")
	require.Equal(t, 0, h.dir.Len())
}

func get(t *testing.T, rawURL, accept string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	host := h.participant(t, "/host", hostRequest{Name: "Hana"})
	status, raw := h.post(t, "/add", addRequest{MeetingID: host.MeetingID, UserID: host.UserID, Message: "we ship monday"})
	require.Equal(t, http.StatusOK, status, string(raw))
	status, raw = h.post(t, "/end", endRequest{MeetingID: host.MeetingID, UserID: host.UserID})
	require.Equal(t, http.StatusOK, status, string(raw))
	var ended endResponse
	require.NoError(t, json.Unmarshal(raw, &ended))

	rec, err := h.store.LoadRecord(context.Background(), host.MeetingID)
	require.NoError(t, err)
	date := rec.FinalizedAt.UTC().Format("2006-01-02")

	t.Run("markdown by default", func(t *testing.T) {
		resp, body := get(t, ended.NotesLink, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/markdown"))
		require.Equal(t, `attachment; filename="`+date+`-notes.md"`, resp.Header.Get("Content-Disposition"))
		require.Equal(t, "- ship it  \n- follow up friday  \n", string(body))
	})

	t.Run("transcript as json", func(t *testing.T) {
		resp, body := get(t, ended.TranscriptLink, "application/json")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got downloadResponse
		require.NoError(t, json.Unmarshal(body, &got))
		require.Equal(t, downloadResponse{MeetingID: host.MeetingID, Kind: "transcript", Date: date, Content: "Hana: we ship monday"}, got)
	})

	t.Run("plain", func(t *testing.T) {
		resp, body := get(t, ended.NotesLink, "text/plain")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ship it\nfollow up friday", string(body))
	})

	t.Run("not acceptable", func(t *testing.T) {
		resp, _ := get(t, ended.NotesLink, "image/png")
		require.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
	})

	t.Run("unknown meeting", func(t *testing.T) {
		resp, body := get(t, h.srv.URL+"/download?id=nope", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		requireError(t, body, "not_found")
	})

	t.Run("unknown kind", func(t *testing.T) {
		resp, _ := get(t, h.srv.URL+"/download?id="+host.MeetingID+"&kind=audio", "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMarkdownBullets(t *testing.T) {
	require.Equal(t, "- a  \n- b  \n", markdownBullets("a\nb"))
	require.Equal(t, "-   \n", markdownBullets(""))
}

func TestWebSocketMeeting(t *testing.T) {
	h := newHarness(t, nil)
	host := h.participant(t, "/host", hostRequest{Name: "Hana"})
	ari := h.participant(t, "/join", joinRequest{MeetingID: host.MeetingID, Name: "Ari"})
	bo := h.participant(t, "/join", joinRequest{MeetingID: host.MeetingID, Name: "Bo"})

	ac, al := h.dial(t, ari)
	require.Equal(t, meetings.EventJoinMeeting, al.next(t).Event)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ac.Write(ctx, []byte(`{"event":"transcript_entry","message":"hello"}`)))

	// Wait for the line to be accepted before Bo connects.
	require.Eventually(t, func() bool {
		s, ok := h.dir.Lookup(host.MeetingID)
		return ok && len(s.Transcript()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	_, bl := h.dial(t, bo)
	join := bl.next(t)
	require.Equal(t, meetings.EventJoinMeeting, join.Event)
	require.Equal(t, []meetings.DialogueLine{{Name: "Ari", UserID: ari.UserID, Message: "hello"}}, join.PreviousDialogue)

	status, raw := h.post(t, "/end", endRequest{MeetingID: host.MeetingID, UserID: host.UserID})
	require.Equal(t, http.StatusOK, status, string(raw))
	var ended endResponse
	require.NoError(t, json.Unmarshal(raw, &ended))

	for _, l := range []*listener{al, bl} {
		require.Equal(t, meetings.EventEndMeeting, l.next(t).Event)
		done := l.next(t)
		require.Equal(t, meetings.EventDoneProcessing, done.Event)
		require.Equal(t, ended.NotesLink, done.NotesLink)
		require.Equal(t, ended.TranscriptLink, done.TranscriptLink)
		require.ErrorIs(t, l.end(t), io.EOF)
	}

	status, raw = h.post(t, "/add", addRequest{MeetingID: host.MeetingID, UserID: ari.UserID, Message: "late"})
	require.Equal(t, http.StatusNotFound, status)
	requireError(t, raw, "not_found")
}

func TestWebSocketHostDisconnectEndsMeeting(t *testing.T) {
	h := newHarness(t, nil)
	host := h.participant(t, "/host", hostRequest{Name: "Hana"})
	ari := h.participant(t, "/join", joinRequest{MeetingID: host.MeetingID, Name: "Ari"})

	hc, hl := h.dial(t, host)
	require.Equal(t, meetings.EventJoinMeeting, hl.next(t).Event)
	_, al := h.dial(t, ari)
	require.Equal(t, meetings.EventJoinMeeting, al.next(t).Event)

	_ = hc.Close("leaving")

	require.Equal(t, meetings.EventEndMeeting, al.next(t).Event)
	require.Equal(t, meetings.EventDoneProcessing, al.next(t).Event)
	require.ErrorIs(t, al.end(t), io.EOF)
	require.Eventually(t, func() bool { return h.dir.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.sum.Calls())
}

func TestWebSocketRejectsUnknownMeeting(t *testing.T) {
	h := newHarness(t, nil)

	_, l := h.dial(t, meetings.Participant{MeetingID: "missing", UserID: "nobody"})
	err := l.end(t)
	var ce websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.StatusPolicyViolation, ce.Code)
	require.Equal(t, "not_found", ce.Reason)
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	h := newHarness(t, nil)
	h.participant(t, "/host", hostRequest{Name: "Hana"})

	resp, body := get(t, h.srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok","meetings":1}`, string(body))
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, "abc-123", resp2.Header.Get(requestIDHeader))

	resp, body = get(t, h.srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "meetingscribe_meetings_active 1")

	resp, body = get(t, h.srv.URL+"/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	requireError(t, body, "not_found")
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}
