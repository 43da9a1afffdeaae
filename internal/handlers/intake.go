package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
)

// Submission is a transcription request received from the message bus.
type Submission struct {
	UserID   int64  `json:"user_id"`
	MediaRef string `json:"media_ref"`
}

// Rejection is published when a bus submission is refused, since there is
// no job whose events could carry the outcome.
type Rejection struct {
	UserID   int64       `json:"user_id"`
	MediaRef string      `json:"media_ref"`
	Code     common.Code `json:"code"`
	Error    string      `json:"error"`
	Reason   string      `json:"reason"`
}

// SubmissionConsumer returns a bus handler that submits each message and
// publishes refusals on rejectSubject. Accepted jobs are announced by the
// pipeline's own notifier.
func SubmissionConsumer(p Submitter, pub notify.Publisher, rejectSubject string, logger *slog.Logger) func(ctx context.Context, data []byte) {
	logger = logger.With("component", "bus_intake")
	return func(ctx context.Context, data []byte) {
		var sub Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			logger.Warn("dropping malformed submission", "error", err)
			return
		}
		jobID, err := p.Submit(ctx, sub.UserID, sub.MediaRef)
		if err == nil {
			logger.Debug("submission accepted", "job_id", jobID, "user_id", sub.UserID)
			return
		}
		code := common.CodeOf(err)
		rej := Rejection{
			UserID:   sub.UserID,
			MediaRef: sub.MediaRef,
			Code:     code,
			Error:    common.MessageOf(err),
			Reason:   notify.Reason(code),
		}
		if perr := pub.PublishJSON(rejectSubject, rej); perr != nil {
			logger.Warn("failed to publish rejection", "user_id", sub.UserID, "error", perr)
		}
	}
}
