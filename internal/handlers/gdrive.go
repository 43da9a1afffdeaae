package handlers

import (
	"regexp"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// GDriveHandler submits audio shared as a Google Drive link.
type GDriveHandler struct {
	pipeline Submitter
}

// NewGDriveHandler creates a new Google Drive handler
func NewGDriveHandler(pipeline Submitter) *GDriveHandler {
	return &GDriveHandler{pipeline: pipeline}
}

// GDriveRequest represents the request body
type GDriveRequest struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
}

// Handle turns the link into a gdrive:// reference and submits it. The
// worker downloads the file through the Drive API when the job runs.
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_INVALID_BODY",
		})
	}

	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "URL is required",
			"code":  "ERR_NO_URL",
		})
	}

	fileID := extractGDriveFileID(req.URL)
	if fileID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid Google Drive URL",
			"code":  "ERR_INVALID_URL",
		})
	}

	ref := types.SchemeGDrive + "://" + fileID
	jobID, err := h.pipeline.Submit(c.UserContext(), req.UserID, ref)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":    jobID,
		"media_ref": ref,
		"state":     "PENDING",
		"message":   "Google Drive file queued for transcription",
	})
}

var (
	gdrivePathID  = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	gdriveQueryID = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	gdriveBareID  = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// extractGDriveFileID extracts the file ID from the share-link formats
// Drive hands out, or accepts a bare ID.
func extractGDriveFileID(url string) string {
	for _, re := range []*regexp.Regexp{gdrivePathID, gdriveQueryID, gdriveBareID} {
		if matches := re.FindStringSubmatch(url); len(matches) > 1 {
			return matches[1]
		}
	}
	return ""
}
