package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ggoodman/meetingscribe/internal/logctx"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags each request with an ID, carries it on the request
// context for downstream logs and writes one record when the handler
// returns.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		ctx := logctx.WithRequestData(c.Request.Context(), &logctx.RequestData{
			RequestID:  reqID,
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			RemoteAddr: c.ClientIP(),
		})
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		s.log.InfoContext(ctx, "http.request",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("dur", time.Since(start)),
		)
	}
}
