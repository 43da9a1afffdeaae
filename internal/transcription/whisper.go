package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// WhisperConfig selects the model and runtime for the Whisper CLI.
type WhisperConfig struct {
	Model    string
	Python   string
	Threads  int
	Language string
	TempDir  string
}

// WhisperTranscriber wraps Python's OpenAI Whisper for transcription
type WhisperTranscriber struct {
	cfg        WhisperConfig
	normalizer *Normalizer
	logger     *slog.Logger
}

// NewWhisperTranscriber creates a new transcriber using Python Whisper.
// Availability of the CLI is verified on first use.
func NewWhisperTranscriber(cfg WhisperConfig, normalizer *Normalizer, logger *slog.Logger) *WhisperTranscriber {
	cfg.Model = modelName(cfg.Model)
	if cfg.Python == "" {
		cfg.Python = "python"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = "temp"
	}
	logger.Info("whisper transcriber configured", "model", cfg.Model, "python", cfg.Python, "threads", cfg.Threads)
	return &WhisperTranscriber{cfg: cfg, normalizer: normalizer, logger: logger.With("component", "whisper")}
}

// modelName accepts a bare model name or a ggml file name such as
// "ggml-small.bin".
func modelName(model string) string {
	for _, name := range []string{"tiny", "base", "small", "medium", "large"} {
		if strings.Contains(model, name) {
			return name
		}
	}
	return "small"
}

// Model returns the resolved model name.
func (wt *WhisperTranscriber) Model() string {
	return wt.cfg.Model
}

// Transcribe processes an audio file and returns the transcript
func (wt *WhisperTranscriber) Transcribe(ctx context.Context, audioPath string) (*types.TranscriptionResult, error) {
	if !ValidateAudioFormat(audioPath) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(audioPath))
	}

	normalized, err := wt.normalizer.Normalize(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(normalized)

	outDir, err := os.MkdirTemp(wt.cfg.TempDir, "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("create whisper output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	absAudioPath, err := filepath.Abs(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	args := []string{"-m", "whisper", absAudioPath,
		"--model", wt.cfg.Model,
		"--output_dir", outDir,
		"--output_format", "json",
		"--fp16", "False",
	}
	if wt.cfg.Language != "" {
		args = append(args, "--language", wt.cfg.Language)
	}
	if wt.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(wt.cfg.Threads))
	}

	wt.logger.Debug("running whisper", "path", audioPath)
	output, err := exec.CommandContext(ctx, wt.cfg.Python, args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("whisper: %w", ErrTimeout)
		}
		return nil, fmt.Errorf("whisper transcription failed: %v: %s", err, lastLine(string(output)))
	}

	baseName := strings.TrimSuffix(filepath.Base(absAudioPath), filepath.Ext(absAudioPath))
	jsonData, err := os.ReadFile(filepath.Join(outDir, baseName+".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read whisper output: %w", err)
	}

	result, err := parseWhisperOutput(jsonData)
	if err != nil {
		return nil, err
	}
	result.Model = "whisper-" + wt.cfg.Model
	wt.logger.Info("transcription completed", "segments", len(result.Segments), "duration", result.Duration)
	return result, nil
}

// WhisperOutput matches Python Whisper's JSON output format
type WhisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []WhisperSegment `json:"segments"`
}

// WhisperSegment represents a timestamped segment from Whisper
type WhisperSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func parseWhisperOutput(data []byte) (*types.TranscriptionResult, error) {
	var out WhisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse whisper JSON: %w", err)
	}

	segments := make([]types.Segment, len(out.Segments))
	for i, seg := range out.Segments {
		segments[i] = types.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}

	// Duration is the end of the last segment.
	var duration float64
	if len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	return &types.TranscriptionResult{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Duration: duration,
		Segments: segments,
	}, nil
}
