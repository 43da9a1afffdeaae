package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// Webhook posts events as JSON to the chat client. Deliveries share a token
// bucket so that a burst of completions cannot trip the platform's flood
// limits.
type Webhook struct {
	url     string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhook creates a webhook notifier allowing perSecond deliveries with
// the given burst.
func NewWebhook(url string, timeout time.Duration, perSecond float64, burst int, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 25
	}
	if burst < 1 {
		burst = 1
	}
	return &Webhook{
		url:     url,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.With("component", "webhook"),
	}
}

// Notify posts one event. The request timeout is the smaller of the
// configured timeout and ctx's deadline.
func (w *Webhook) Notify(ctx context.Context, ev Event) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook throttle: %w", err)
	}

	timeout := w.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("webhook %s: %w", ev.Type, context.DeadlineExceeded)
	}

	agent := fiber.Post(w.url).
		JSON(ev).
		Set("X-Clubbot-Event", string(ev.Type)).
		Timeout(timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		w.logger.Warn("webhook delivery failed", "job_id", ev.JobID, "event", ev.Type, "error", errs[0])
		return fmt.Errorf("webhook %s: %w", ev.Type, errs[0])
	}
	if code >= 300 {
		w.logger.Warn("webhook rejected", "job_id", ev.JobID, "event", ev.Type, "status", code)
		return fmt.Errorf("webhook %s: status %d: %s", ev.Type, code, truncate(string(body), 200))
	}
	w.logger.Debug("webhook delivered", "job_id", ev.JobID, "event", ev.Type)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
