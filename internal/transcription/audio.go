package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Normalizer converts audio to the 16kHz mono WAV Whisper expects.
type Normalizer struct {
	ffmpeg  string
	tempDir string
}

func NewNormalizer(ffmpeg, tempDir string) *Normalizer {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = "temp"
	}
	return &Normalizer{ffmpeg: ffmpeg, tempDir: tempDir}
}

// Normalize converts any audio file to 16kHz mono WAV and returns the path
// of the new file. The caller removes it.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	if err := os.MkdirAll(n.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	outputPath := filepath.Join(n.tempDir, fmt.Sprintf("normalized_%s.wav", uuid.New().String()))

	cmd := exec.CommandContext(ctx, n.ffmpeg,
		"-i", inputPath,
		"-ar", "16000", // 16kHz sample rate
		"-ac", "1", // Mono
		"-c:a", "pcm_s16le", // 16-bit PCM
		"-y",
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg: %w", ErrTimeout)
		}
		return "", classifyFFmpegError(err, string(output))
	}
	return outputPath, nil
}

func classifyFFmpegError(err error, output string) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "invalid data found"),
		strings.Contains(lower, "moov atom not found"),
		strings.Contains(lower, "could not find codec parameters"),
		strings.Contains(lower, "does not contain any stream"):
		return fmt.Errorf("%w: %s", ErrCorruptMedia, lastLine(output))
	case strings.Contains(lower, "no such file or directory"):
		return fmt.Errorf("%w: input missing", ErrCorruptMedia)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("ffmpeg exited with %d: %s", exitErr.ExitCode(), lastLine(output))
	}
	return fmt.Errorf("ffmpeg failed: %w", err)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

var supportedFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".oga", ".opus", ".flac", ".webm", ".aac", ".wma", ".mp4"}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
