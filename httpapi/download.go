package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/gin-gonic/gin"

	"github.com/ggoodman/meetingscribe/storage"
)

var (
	markdownMediaType = contenttype.NewMediaType("text/markdown")
	jsonMediaType     = contenttype.NewMediaType("application/json")
	plainMediaType    = contenttype.NewMediaType("text/plain")

	// Markdown first: it is what a browser following a download link gets.
	downloadMediaTypes = []contenttype.MediaType{markdownMediaType, jsonMediaType, plainMediaType}
)

type downloadResponse struct {
	MeetingID string `json:"meeting_id"`
	Kind      string `json:"kind"`
	Date      string `json:"date"`
	Content   string `json:"content"`
}

func (s *Server) handleDownload(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Query("id")
	kind := c.DefaultQuery("kind", storage.KindNotes)
	if id == "" {
		writeError(c, http.StatusBadRequest, "invalid", "id is required")
		return
	}
	if kind != storage.KindNotes && kind != storage.KindTranscript {
		writeError(c, http.StatusBadRequest, "invalid", fmt.Sprintf("unknown kind %q", kind))
		return
	}

	mt, _, err := contenttype.GetAcceptableMediaType(c.Request, downloadMediaTypes)
	if err != nil {
		writeError(c, http.StatusNotAcceptable, "not_acceptable", "supported types are text/markdown, application/json and text/plain")
		return
	}

	if s.records == nil {
		writeError(c, http.StatusNotFound, "not_found", "no record for meeting "+id)
		return
	}
	rec, err := s.records.LoadRecord(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "not_found", "no record for meeting "+id)
			return
		}
		s.log.ErrorContext(ctx, "http.download.load.fail", slog.String("meeting_id", id), slog.String("err", err.Error()))
		writeError(c, http.StatusInternalServerError, "internal", "could not load record")
		return
	}

	content := rec.Summary
	if kind == storage.KindTranscript {
		content = rec.Transcript
	}
	date := rec.FinalizedAt.UTC().Format("2006-01-02")

	switch {
	case mt.Matches(jsonMediaType):
		c.JSON(http.StatusOK, downloadResponse{MeetingID: rec.MeetingID, Kind: kind, Date: date, Content: content})
	case mt.Matches(plainMediaType):
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(content))
	default:
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s.md"`, date, kind))
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(markdownBullets(content)))
	}
}

// markdownBullets renders each line as a list item with a hard break.
func markdownBullets(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("  \n")
	}
	return b.String()
}
