package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/clubbot/internal/transcription"
)

// Submitter admits and enqueues a transcription request.
type Submitter interface {
	Submit(ctx context.Context, userID int64, mediaRef string) (string, error)
}

// MediaStore persists uploaded media and returns its reference.
type MediaStore interface {
	Store(ctx context.Context, filename string, body io.Reader, size int64) (string, error)
}

// UploadHandler handles file uploads
type UploadHandler struct {
	pipeline  Submitter
	media     MediaStore
	maxSizeMB int
	logger    *slog.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(pipeline Submitter, media MediaStore, maxSizeMB int, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		pipeline:  pipeline,
		media:     media,
		maxSizeMB: maxSizeMB,
		logger:    logger.With("component", "upload_handler"),
	}
}

// Handle stores the uploaded voice message and submits it for transcription.
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.FormValue("user_id"), 10, 64)
	if err != nil {
		return badRequest(c, "user_id is required")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !transcription.ValidateAudioFormat(file.Filename) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unsupported audio format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	body, err := file.Open()
	if err != nil {
		h.logger.Error("failed to open upload", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read file",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	defer body.Close()

	ref, err := h.media.Store(c.UserContext(), file.Filename, body, file.Size)
	if err != nil {
		h.logger.Error("failed to store upload", "filename", file.Filename, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	jobID, err := h.pipeline.Submit(c.UserContext(), userID, ref)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id":    jobID,
		"media_ref": ref,
		"state":     "PENDING",
		"message":   "File uploaded successfully, processing queued",
	})
}
