package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// LocalStorage archives transcripts to the local filesystem
type LocalStorage struct {
	outputDir string
	now       func() time.Time
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) *LocalStorage {
	return &LocalStorage{
		outputDir: outputDir,
		now:       time.Now,
	}
}

// transcriptMetadata is written next to every archived transcript.
type transcriptMetadata struct {
	JobID       string          `json:"job_id"`
	UserID      int64           `json:"user_id"`
	Duration    float64         `json:"duration_seconds"`
	WordCount   int             `json:"word_count"`
	Model       string          `json:"model_used,omitempty"`
	Language    string          `json:"language,omitempty"`
	ProcessedAt time.Time       `json:"created_at"`
	Segments    []types.Segment `json:"segments,omitempty"`
	LocalPath   string          `json:"local_path,omitempty"`
}

func metadataFor(result *types.TranscriptionResult) transcriptMetadata {
	return transcriptMetadata{
		JobID:       result.JobID,
		UserID:      result.UserID,
		Duration:    result.Duration,
		WordCount:   result.WordCount,
		Model:       result.Model,
		Language:    result.Language,
		ProcessedAt: result.ProcessedAt,
		Segments:    result.Segments,
	}
}

// archiveName is 20250123_143022_<job id>.
func archiveName(t time.Time, jobID string) string {
	return fmt.Sprintf("%s_%s", t.Format("20060102_150405"), jobID)
}

func datedPath(t time.Time) []string {
	return []string{
		fmt.Sprintf("%d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	}
}

// Archive saves the transcript and metadata under outputs/YYYY/MM/DD and
// returns the transcript path.
func (ls *LocalStorage) Archive(_ context.Context, result *types.TranscriptionResult) (string, error) {
	now := ls.now().UTC()
	dateDir := filepath.Join(append([]string{ls.outputDir}, datedPath(now)...)...)
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create date directory: %w", err)
	}

	base := archiveName(now, result.JobID)
	txtPath := filepath.Join(dateDir, base+".txt")
	metaPath := filepath.Join(dateDir, base+"_meta.json")

	if err := os.WriteFile(txtPath, []byte(result.Text), 0o644); err != nil {
		return "", fmt.Errorf("failed to save transcript: %w", err)
	}

	meta := metadataFor(result)
	meta.LocalPath = txtPath
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	return txtPath, nil
}
