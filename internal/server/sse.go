package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/vibeyard/internal/broadcast"
	"github.com/zulandar/vibeyard/internal/orchestrator"
)

// sseHeartbeat keeps idle connections open through proxies.
var sseHeartbeat = 15 * time.Second

// handleEvents streams the conversation's events as server-sent events.
// The SSE event name is the event type; the data is the full envelope.
func handleEvents(m *orchestrator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		o := conversation(c, m)
		if o == nil {
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		l := broadcast.NewChanListener(uuid.NewString(), viewerSendBuffer)
		defer o.Unsubscribe(l.ID())
		o.Subscribe(c.Request.Context(), l)

		ctx := c.Request.Context()
		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case data := <-l.C():
				var envelope struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
					continue
				}
				writeSSE(c.Writer, envelope.Type, json.RawMessage(data))
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
