package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
	"github.com/MarcoPoloResearchLab/cuerelay/internal/streams"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type streamListPayload struct {
	Streams []streams.Snapshot `json:"streams"`
	Count   int                `json:"count"`
}

type streamEventPayload struct {
	StreamID  string            `json:"streamId"`
	Source    string            `json:"source"`
	State     *scoreboard.State `json:"state,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (h *httpHandler) handleListStreams(c *gin.Context) {
	snapshots, err := h.streams.ListActive(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "failed to list streams", err)
		return
	}
	c.JSON(http.StatusOK, streamListPayload{Streams: snapshots, Count: len(snapshots)})
}

func (h *httpHandler) handleGetStream(c *gin.Context) {
	snapshot, err := h.streams.GetActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondServiceError(c, "failed to load stream", err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleStreamEvents serves a stream's viewer feed as Server-Sent Events until the client leaves.
func (h *httpHandler) handleStreamEvents(c *gin.Context) {
	streamID := c.Param("id")
	if _, ok := c.Writer.(http.Flusher); !ok {
		h.logger.Error("viewer feed unavailable", zap.Error(errUnsupportedStreaming))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, streamID)
	defer cleanup()
	if h.metrics != nil {
		h.metrics.ViewerSubscribers.Inc()
		defer h.metrics.ViewerSubscribers.Dec()
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if snapshot, err := h.streams.GetActive(ctx, streamID); err == nil {
		state := snapshot.State
		c.SSEvent(StreamEventState, streamEventPayload{
			StreamID:  streamID,
			Source:    streamSourceRelay,
			State:     &state,
			Timestamp: snapshot.LastUpdated,
		})
	}
	c.Writer.Flush()

	ticker := h.clock.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, streamEventPayload{
				StreamID:  message.StreamID,
				Source:    streamSourceRelay,
				State:     message.State,
				Timestamp: message.Timestamp,
			})
			c.Writer.Flush()
		case <-ticker.Chan():
			c.SSEvent(streamEventHeartbeat, streamEventPayload{
				StreamID:  streamID,
				Source:    streamSourceRelay,
				Timestamp: h.clock.Now().UTC(),
			})
			c.Writer.Flush()
		}
	}
}
