package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamRuns pushes every finished dispatch run to the client as a
// server-sent "run" event until the client goes away or the broadcaster
// closes.
func (h *Handler) streamRuns(c *gin.Context) {
	if h.broadcaster == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming disabled"})
		return
	}

	id, ch := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	// send headers now so clients see the stream open before the first run
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case run, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("run", run)
			return true
		}
	})
}
