package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleLogs serves GET /logs: the buffered history as plain text.
func (m *Manager) handleLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		if _, err := c.Writer.WriteString(m.logger.History()); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
		}
	}
}

// handleLogsStream serves GET /logs/stream: history followed by a live tail.
func (m *Manager) handleLogsStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain")
		c.Header("Transfer-Encoding", "chunked")
		c.Header("X-Content-Type-Options", "nosniff")
		// prevent nginx from buffering streamed logs
		c.Header("X-Accel-Buffering", "no")

		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.AbortWithError(http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
			return
		}

		if _, skipHistory := c.GetQuery("no-history"); !skipHistory {
			if history := m.logger.History(); history != "" {
				c.Writer.WriteString(history)
				flusher.Flush()
			}
		}

		ch := m.logger.Subscribe()
		defer m.logger.Unsubscribe(ch)

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case <-m.shutdownCtx.Done():
				return
			case line, ok := <-ch:
				if !ok {
					return
				}
				c.Writer.WriteString(line)
				flusher.Flush()
			}
		}
	}
}
