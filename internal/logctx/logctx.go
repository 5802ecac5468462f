package logctx

import (
	"context"
	"log/slog"
)

// Handler adds request, meeting and participant groups carried on the
// context to every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if md, ok := ctx.Value(meetingDataKey{}).(*MeetingData); ok {
		r.AddAttrs(slog.Group("meeting",
			slog.String("id", md.MeetingID),
			slog.String("host_uid", md.HostUserID),
		))
	}

	if pd, ok := ctx.Value(participantDataKey{}).(*ParticipantData); ok {
		r.AddAttrs(slog.Group("participant",
			slog.String("uid", pd.UserID),
			slog.String("name", pd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type meetingDataKey struct{}

type MeetingData struct {
	MeetingID  string
	HostUserID string
}

func WithMeetingData(ctx context.Context, data *MeetingData) context.Context {
	return context.WithValue(ctx, meetingDataKey{}, data)
}

type participantDataKey struct{}

type ParticipantData struct {
	UserID string
	Name   string
}

func WithParticipantData(ctx context.Context, data *ParticipantData) context.Context {
	return context.WithValue(ctx, participantDataKey{}, data)
}
