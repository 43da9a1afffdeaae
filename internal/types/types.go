package types

import "time"

// JobState is the lifecycle state of a transcription job.
type JobState string

// Job state constants
const (
	StatePending JobState = "PENDING"
	StateClaimed JobState = "CLAIMED"
	StateRunning JobState = "RUNNING"
	StateDone    JobState = "DONE"
	StateFailed  JobState = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Media reference schemes
const (
	SchemeFile   = "file"
	SchemeS3     = "s3"
	SchemeGDrive = "gdrive"
)

// TranscriptionResult represents the output from Whisper
type TranscriptionResult struct {
	JobID       string    `json:"job_id"`
	UserID      int64     `json:"user_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Duration    float64   `json:"duration_seconds"`
	Segments    []Segment `json:"segments,omitempty"`
	WordCount   int       `json:"word_count"`
	Model       string    `json:"model,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
	LocalPath   string    `json:"local_path,omitempty"`
	GDriveURL   string    `json:"gdrive_url,omitempty"`
}

// Segment represents a timestamped segment of transcription
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}
