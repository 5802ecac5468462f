// Package httpapi exposes a meetings.Directory over HTTP: JSON routes for
// hosting, joining, speaking and ending meetings, a WebSocket endpoint for
// live events, and downloads of finalized notes.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/meetingscribe/meetings"
	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/wsconn"
)

// RecordLoader reads finalized meetings for download.
type RecordLoader interface {
	LoadRecord(ctx context.Context, meetingID string) (*storage.Record, error)
}

// Server routes HTTP requests to a Directory.
type Server struct {
	dir      *meetings.Directory
	records  RecordLoader
	log      *slog.Logger
	gatherer prometheus.Gatherer
	ws       wsconn.Options
	engine   *gin.Engine
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithGatherer serves g on /metrics. Without it the route is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithWebSocket configures upgrades on /ws.
func WithWebSocket(opts wsconn.Options) Option {
	return func(s *Server) { s.ws = opts }
}

// New builds the routes. records may be nil, in which case /download
// answers 404 for everything.
func New(dir *meetings.Directory, records RecordLoader, opts ...Option) (*Server, error) {
	if dir == nil {
		return nil, errors.New("httpapi: directory is required")
	}
	s := &Server{
		dir:     dir,
		records: records,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.POST("/host", s.handleHost)
	r.POST("/join", s.handleJoin)
	r.POST("/add", s.handleAdd)
	r.POST("/end", s.handleEnd)
	r.GET("/download", s.handleDownload)
	r.GET("/ws", s.handleWebSocket)
	r.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "endpoint not found")
	})

	s.engine = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

type hostRequest struct {
	Name string `json:"name"`
}

type joinRequest struct {
	MeetingID string `json:"meeting_id"`
	Name      string `json:"name"`
}

type addRequest struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"uid"`
	Message   string `json:"message"`
}

type addResponse struct {
	Seq uint64 `json:"seq"`
}

type endRequest struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"uid"`
}

type endResponse struct {
	Notes          string `json:"notes"`
	NotesLink      string `json:"notes_link"`
	TranscriptLink string `json:"transcript_link"`
}

func (s *Server) handleHost(c *gin.Context) {
	var req hostRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.dir.Host(c.Request.Context(), req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleJoin(c *gin.Context) {
	var req joinRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.dir.Join(c.Request.Context(), req.MeetingID, req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleAdd(c *gin.Context) {
	var req addRequest
	if !bindJSON(c, &req) {
		return
	}
	e, err := s.dir.AddDialogue(c.Request.Context(), req.MeetingID, req.UserID, req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, addResponse{Seq: e.Seq})
}

func (s *Server) handleEnd(c *gin.Context) {
	var req endRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.dir.End(c.Request.Context(), req.MeetingID, req.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Err != nil {
		s.log.ErrorContext(c.Request.Context(), "http.end.finalize.fail", slog.String("meeting_id", res.MeetingID), slog.String("err", res.Err.Error()))
		writeError(c, http.StatusBadGateway, meetings.Code(res.Err), res.Err.Error())
		return
	}
	c.JSON(http.StatusOK, endResponse{
		Notes:          res.Summary,
		NotesLink:      res.NotesLink,
		TranscriptLink: res.TranscriptLink,
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	p := meetings.Participant{
		MeetingID: c.Query("meeting_id"),
		UserID:    c.Query("uid"),
	}
	conn, err := wsconn.Accept(c.Writer, c.Request, s.ws)
	if err != nil {
		s.log.WarnContext(c.Request.Context(), "http.ws.accept.fail", slog.String("err", err.Error()))
		return
	}
	if err := s.dir.Connect(c.Request.Context(), p, conn); err != nil {
		s.log.InfoContext(c.Request.Context(), "http.ws.rejected",
			slog.String("meeting_id", p.MeetingID),
			slog.String("code", meetings.Code(err)),
		)
		_ = conn.Reject(err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "meetings": s.dir.Len()})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid", "invalid JSON body")
		return false
	}
	return true
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(c.Request.Context(), "http.request.fail", slog.String("err", err.Error()))
	}
	writeError(c, status, meetings.Code(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, meetings.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, meetings.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, meetings.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, meetings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, meetings.ErrDirectoryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
