package transcription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
)

func TestParseWhisperOutput(t *testing.T) {
	data := []byte(`{
		"text": "  hello there  ",
		"language": "en",
		"segments": [
			{"id": 0, "start": 0.0, "end": 1.5, "text": " hello"},
			{"id": 1, "start": 1.5, "end": 3.25, "text": " there "}
		]
	}`)
	res, err := parseWhisperOutput(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Text != "hello there" || res.Language != "en" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Segments) != 2 || res.Segments[1].Text != "there" {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if res.Duration != 3.25 {
		t.Fatalf("duration = %v", res.Duration)
	}

	if _, err := parseWhisperOutput([]byte("{")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateAudioFormat(t *testing.T) {
	for name, want := range map[string]bool{
		"voice.ogg":  true,
		"VOICE.MP3":  true,
		"note.opus":  true,
		"slides.pdf": false,
		"noext":      false,
	} {
		if got := ValidateAudioFormat(name); got != want {
			t.Errorf("ValidateAudioFormat(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestModelName(t *testing.T) {
	tests := map[string]string{
		"ggml-tiny.bin": "tiny",
		"medium":        "medium",
		"":              "small",
		"whatever":      "small",
	}
	for in, want := range tests {
		if got := modelName(in); got != want {
			t.Errorf("modelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyFFmpegError(t *testing.T) {
	err := classifyFFmpegError(&exec.ExitError{}, "input.ogg: Invalid data found when processing input")
	if !errors.Is(err, ErrCorruptMedia) {
		t.Fatalf("err = %v, want ErrCorruptMedia", err)
	}
	if err := classifyFFmpegError(errors.New("exec: not found"), ""); errors.Is(err, ErrCorruptMedia) {
		t.Fatalf("missing binary classified as corrupt media: %v", err)
	}
}

func TestTranscribeRejectsUnsupportedFormat(t *testing.T) {
	wt := NewWhisperTranscriber(WhisperConfig{TempDir: t.TempDir()}, NewNormalizer("", t.TempDir()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := wt.Transcribe(context.Background(), "slides.pdf")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}
