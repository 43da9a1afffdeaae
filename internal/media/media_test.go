package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/codebuildervaibhav/clubbot/internal/common"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "voice.ogg", want: Ref{Scheme: "file", Key: "voice.ogg"}},
		{in: "file://uploads/a.ogg", want: Ref{Scheme: "file", Key: "uploads/a.ogg"}},
		{in: "s3://audio/in/a.mp3", want: Ref{Scheme: "s3", Bucket: "audio", Key: "in/a.mp3"}},
		{in: "gdrive://1AbC_d-E", want: Ref{Scheme: "gdrive", Key: "1AbC_d-E"}},
		{in: "", wantErr: true},
		{in: "../etc/passwd", wantErr: true},
		{in: "file:///etc/passwd", wantErr: true},
		{in: "s3://bucket-only", wantErr: true},
		{in: "gdrive://a/b", wantErr: true},
		{in: "ftp://host/x", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if tt.wantErr {
			if !errors.Is(err, common.ErrInvalidInput) {
				t.Errorf("ParseRef(%q) err = %v, want InvalidInput", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseRef(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
}

func TestFetchLocalFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "voice.ogg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(dir, t.TempDir(), quietLogger())

	f, err := r.Fetch(context.Background(), "voice.ogg")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	f.Cleanup()
	if _, err := os.Stat(filepath.Join(dir, "voice.ogg")); err != nil {
		t.Fatal("media-dir files must survive cleanup")
	}

	if _, err := r.Fetch(context.Background(), "missing.ogg"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestFetchRejectsUnconfiguredBackends(t *testing.T) {
	r := NewResolver(t.TempDir(), t.TempDir(), quietLogger())
	for _, ref := range []string{"s3://b/k.ogg", "gdrive://abc"} {
		if _, err := r.Fetch(context.Background(), ref); !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("Fetch(%q) err = %v, want InvalidInput", ref, err)
		}
	}
}

type fakeObjects struct {
	objects map[string][]byte
}

func (f *fakeObjects) FGetObject(_ context.Context, bucket, object, filePath string, _ minio.GetObjectOptions) error {
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return minio.ErrorResponse{Code: "NoSuchKey"}
	}
	return os.WriteFile(filePath, data, 0o644)
}

func (f *fakeObjects) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func TestObjectStoreRoundTrip(t *testing.T) {
	objects := &fakeObjects{objects: map[string][]byte{}}
	tmp := t.TempDir()
	r := NewResolver(t.TempDir(), tmp, quietLogger(), WithObjectStore(objects, "audio"))

	ref, err := r.Store(context.Background(), "Voice.OGG", bytes.NewReader([]byte("opus")), 4)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(ref, "s3://audio/uploads/") || !strings.HasSuffix(ref, ".ogg") {
		t.Fatalf("ref = %q", ref)
	}

	f, err := r.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil || string(data) != "opus" {
		t.Fatalf("downloaded %q, %v", data, err)
	}
	f.Cleanup()
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Fatal("downloaded object not removed")
	}

	if _, err := r.Fetch(context.Background(), "s3://audio/nope.ogg"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

type fakeDrive struct{}

func (fakeDrive) Download(_ context.Context, id string, w io.Writer) (string, error) {
	if id != "abc" {
		return "", errors.New("404")
	}
	_, err := w.Write([]byte("wav"))
	return "meeting.WAV", err
}

func TestFetchDriveKeepsExtension(t *testing.T) {
	r := NewResolver(t.TempDir(), t.TempDir(), quietLogger(), WithDrive(fakeDrive{}))
	f, err := r.Fetch(context.Background(), "gdrive://abc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer f.Cleanup()
	if filepath.Ext(f.Path) != ".wav" {
		t.Fatalf("path = %q", f.Path)
	}
	if _, err := r.Fetch(context.Background(), "gdrive://zzz"); err == nil {
		t.Fatal("expected download error")
	}
}

func TestStoreLocal(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, t.TempDir(), quietLogger())
	ref, err := r.Store(context.Background(), "a.mp3", strings.NewReader("id3"), 3)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	f, err := r.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("Fetch(%q): %v", ref, err)
	}
	if !strings.HasPrefix(f.Path, dir) {
		t.Fatalf("stored outside media dir: %q", f.Path)
	}
}
