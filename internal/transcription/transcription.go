// Package transcription wraps the speech-to-text capability used by the
// worker pool.
package transcription

import (
	"context"
	"errors"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// Capability errors. Anything else returned by a Transcriber is treated as a
// generic capability failure.
var (
	ErrUnsupportedFormat = errors.New("unsupported media format")
	ErrCorruptMedia      = errors.New("corrupt or unreadable media")
	ErrTimeout           = errors.New("transcription timed out")
)

// Transcriber turns a local media file into text. Implementations must honour
// ctx cancellation.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*types.TranscriptionResult, error)
}

// Func adapts a function to Transcriber.
type Func func(ctx context.Context, path string) (*types.TranscriptionResult, error)

func (f Func) Transcribe(ctx context.Context, path string) (*types.TranscriptionResult, error) {
	return f(ctx, path)
}
