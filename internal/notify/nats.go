package notify

import (
	"context"
	"fmt"
)

// Publisher is the part of bus.Client used here.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// NATS publishes each event on <prefix>.<event type>, for example
// clubbot.jobs.job.completed.
type NATS struct {
	pub    Publisher
	prefix string
}

func NewNATS(pub Publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = "clubbot.jobs"
	}
	return &NATS{pub: pub, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (n *NATS) Subject(t EventType) string {
	return n.prefix + "." + string(t)
}

func (n *NATS) Notify(_ context.Context, ev Event) error {
	if err := n.pub.PublishJSON(n.Subject(ev.Type), ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
