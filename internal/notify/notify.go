// Package notify delivers job lifecycle events to the chat client: an
// in-process hub for websocket and long-poll readers, NATS subjects and an
// outbound webhook.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// EventType classifies job lifecycle events.
type EventType string

const (
	EventAccepted  EventType = "job.accepted"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
)

// Event is the outbound notification for one job transition.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	UserID    int64          `json:"user_id"`
	State     types.JobState `json:"state"`
	Text      string         `json:"text,omitempty"`
	ErrorCode common.Code    `json:"error_code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Notifier publishes events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Reason renders a failure code as a message fit for the chat user.
func Reason(code common.Code) string {
	switch code {
	case common.CodeRateLimited:
		return "Too many requests, try again later."
	case common.CodeCapabilityTimeout, common.CodeTimeout:
		return "Transcription took too long and was stopped."
	case common.CodeCapabilityError:
		return "The audio could not be transcribed."
	case common.CodeCapabilityUnavailable:
		return "Transcription is currently unavailable."
	case common.CodeNotFound:
		return "The audio file could not be found."
	case "":
		return ""
	default:
		return "Something went wrong while processing the audio."
	}
}
