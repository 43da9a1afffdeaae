package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/clubbot/internal/common"
)

// StreamHandler pushes a job's lifecycle events over a WebSocket until the
// job is terminal or the client goes away.
type StreamHandler struct {
	jobs      JobService
	keepalive time.Duration
	poll      time.Duration
	logger    *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(jobs JobService, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		jobs:      jobs,
		keepalive: 30 * time.Second,
		poll:      2 * time.Second,
		logger:    logger.With("component", "stream_handler"),
	}
}

type streamError struct {
	Error string      `json:"error"`
	Code  common.Code `json:"code"`
}

// Handle sends the current snapshot, then every event of the job. The
// subscription is taken before the snapshot is read so no transition is
// missed in between. The store is also re-read every poll interval, which
// catches jobs finished by another process and events dropped by the hub.
func (h *StreamHandler) Handle(c *websocket.Conn) {
	defer c.Close()
	jobID := c.Params("id")
	logger := h.logger.With("job_id", jobID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only detect the client closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, unsubscribe, err := h.jobs.Subscribe(jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer unsubscribe()

	snap, err := h.jobs.Status(ctx, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := c.WriteJSON(snap); err != nil || snap.Terminal() {
		return
	}
	logger.Debug("websocket stream opened")

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()
	poll := time.NewTicker(h.poll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("websocket client went away")
			return
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-poll.C:
			snap, err := h.jobs.Status(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("websocket status poll failed", "error", err)
				continue
			}
			if !snap.Terminal() {
				continue
			}
			if err := c.WriteJSON(snap); err != nil {
				logger.Warn("websocket write error", "error", err)
				return
			}
			closeStream(c, string(snap.State))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := c.WriteJSON(ev); err != nil {
				logger.Warn("websocket write error", "error", err)
				return
			}
			if ev.Terminal() {
				closeStream(c, string(ev.Type))
				return
			}
		}
	}
}

func (h *StreamHandler) writeError(c *websocket.Conn, err error) {
	if werr := c.WriteJSON(streamError{Error: common.MessageOf(err), Code: common.CodeOf(err)}); werr != nil {
		h.logger.Warn("websocket write error", "error", werr)
	}
}

func closeStream(c *websocket.Conn, reason string) {
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
