package queue

import (
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// Job represents a transcription job
type Job struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"user_id"`
	MediaRef    string         `json:"media_ref"`
	State       types.JobState `json:"state"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      string         `json:"result,omitempty"`
	ErrorCode   common.Code    `json:"error_code,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Attempts    int            `json:"attempts"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
}

// Transcript is the archive record of a finished job.
type Transcript struct {
	JobID     string    `json:"job_id"`
	LocalPath string    `json:"local_path,omitempty"`
	DriveURL  string    `json:"drive_url,omitempty"`
	WordCount int       `json:"word_count"`
	Duration  float64   `json:"duration_seconds"`
	CreatedAt time.Time `json:"created_at"`
}

var transitions = map[types.JobState][]types.JobState{
	types.StatePending: {types.StateClaimed},
	types.StateClaimed: {types.StateRunning, types.StatePending, types.StateFailed},
	types.StateRunning: {types.StateDone, types.StateFailed, types.StatePending},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to types.JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EventFor builds the notification for a job's current state.
func EventFor(t notify.EventType, job *Job) notify.Event {
	ev := notify.Event{
		Type:      t,
		JobID:     job.ID,
		UserID:    job.UserID,
		State:     job.State,
		Text:      job.Result,
		ErrorCode: job.ErrorCode,
		Reason:    notify.Reason(job.ErrorCode),
	}
	if job.CompletedAt != nil {
		ev.Timestamp = *job.CompletedAt
	}
	return ev
}
