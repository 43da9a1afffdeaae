package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

func TestLocalStorageArchive(t *testing.T) {
	dir := t.TempDir()
	ls := NewLocalStorage(dir)
	ls.now = func() time.Time { return time.Date(2025, 1, 23, 14, 30, 22, 0, time.UTC) }

	path, err := ls.Archive(context.Background(), &types.TranscriptionResult{
		JobID:     "0190-abc",
		UserID:    42,
		Text:      "hello world",
		WordCount: 2,
		Segments:  []types.Segment{{Start: 0, End: 1, Text: "hello world"}},
	})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	want := filepath.Join(dir, "2025", "01", "23", "20250123_143022_0190-abc.txt")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}
	text, err := os.ReadFile(path)
	if err != nil || string(text) != "hello world" {
		t.Fatalf("transcript = %q, %v", text, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "2025", "01", "23", "20250123_143022_0190-abc_meta.json"))
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	var meta transcriptMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.UserID != 42 || meta.LocalPath != path || len(meta.Segments) != 1 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestQuoteQuery(t *testing.T) {
	if got := quoteQuery(`Bob's \ notes`); got != `Bob\'s \\ notes` {
		t.Fatalf("quoteQuery = %q", got)
	}
}

func TestNewDriveClientRequiresToken(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(creds, []byte(`{"installed":{"client_id":"id","client_secret":"s",
		"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token",
		"redirect_uris":["http://localhost"]}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewDriveClient(context.Background(), creds, filepath.Join(dir, "token.json"), "Transcripts", nil)
	if err != ErrNoDriveToken {
		t.Fatalf("err = %v, want ErrNoDriveToken", err)
	}
}
