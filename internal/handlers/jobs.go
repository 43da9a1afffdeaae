package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/notify"
	"github.com/codebuildervaibhav/clubbot/internal/pipeline"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

const (
	defaultWait = 25 * time.Second
	maxWait     = 2 * time.Minute
)

// JobService is the part of the pipeline the job routes read from.
type JobService interface {
	Submitter
	Status(ctx context.Context, jobID string) (*pipeline.Snapshot, error)
	Wait(ctx context.Context, jobID string, timeout time.Duration) (*pipeline.Snapshot, error)
	Subscribe(jobID string) (<-chan notify.Event, func(), error)
	History(ctx context.Context, userID int64, limit int) ([]*pipeline.Snapshot, error)
	Stats(ctx context.Context) (map[types.JobState]int, error)
}

// JobsHandler serves submission by reference and job status reads.
type JobsHandler struct {
	jobs JobService
}

func NewJobsHandler(jobs JobService) *JobsHandler {
	return &JobsHandler{jobs: jobs}
}

// SubmitRequest asks for a transcript of media the chat client already
// stored.
type SubmitRequest struct {
	UserID   int64  `json:"user_id"`
	MediaRef string `json:"media_ref"`
}

func (h *JobsHandler) Submit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	jobID, err := h.jobs.Submit(c.UserContext(), req.UserID, req.MediaRef)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
		"state":  types.StatePending,
	})
}

func (h *JobsHandler) Status(c *fiber.Ctx) error {
	snap, err := h.jobs.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(snap)
}

// Wait long-polls until the job is terminal or the timeout elapses. A
// non-terminal snapshot is returned with 202.
func (h *JobsHandler) Wait(c *fiber.Ctx) error {
	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		return badRequest(c, err.Error())
	}
	snap, err := h.jobs.Wait(c.UserContext(), c.Params("id"), timeout)
	if err != nil {
		return respondError(c, err)
	}
	if !snap.Terminal() {
		return c.Status(fiber.StatusAccepted).JSON(snap)
	}
	return c.JSON(snap)
}

// parseTimeout accepts a duration ("30s") or whole seconds ("30").
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, strconv.ErrRange
	}
	return min(d, maxWait), nil
}

func (h *JobsHandler) History(c *fiber.Ctx) error {
	userID, err := paramInt64(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		return respondError(c, err)
	}
	jobs, err := h.jobs.History(c.UserContext(), userID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

func (h *JobsHandler) Stats(c *fiber.Ctx) error {
	counts, err := h.jobs.Stats(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return c.JSON(fiber.Map{"jobs": counts, "total": total})
}
