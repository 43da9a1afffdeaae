// Package media resolves the opaque media references carried by jobs into
// local files and stores uploaded audio.
//
// Reference forms:
//
//	file://uploads/2025/01/23/x.ogg   relative to the media directory
//	uploads/2025/01/23/x.ogg          same, scheme omitted
//	s3://bucket/key.ogg               MinIO / S3 object
//	gdrive://<file id>                Google Drive file
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/codebuildervaibhav/clubbot/internal/common"
	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// File is a local copy of a media reference.
type File struct {
	Path    string
	cleanup func()
}

// Cleanup removes the file if it was downloaded for this job.
func (f *File) Cleanup() {
	if f != nil && f.cleanup != nil {
		f.cleanup()
	}
}

// ObjectStore is the subset of *minio.Client used here.
type ObjectStore interface {
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// DriveDownloader fetches a Drive file's content and returns its name.
type DriveDownloader interface {
	Download(ctx context.Context, fileID string, w io.Writer) (string, error)
}

// MinIOConfig holds connection settings for an S3-compatible store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// NewMinIO creates a MinIO client.
func NewMinIO(cfg MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return client, nil
}

// Resolver turns media references into local files.
type Resolver struct {
	mediaDir string
	tempDir  string
	objects  ObjectStore
	bucket   string
	drive    DriveDownloader
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObjectStore enables s3:// references and stores uploads in bucket.
func WithObjectStore(store ObjectStore, bucket string) Option {
	return func(r *Resolver) {
		r.objects = store
		r.bucket = bucket
	}
}

// WithDrive enables gdrive:// references.
func WithDrive(d DriveDownloader) Option {
	return func(r *Resolver) { r.drive = d }
}

func NewResolver(mediaDir, tempDir string, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		mediaDir: mediaDir,
		tempDir:  tempDir,
		now:      time.Now,
		logger:   logger.With("component", "media"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ref is a parsed media reference.
type Ref struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseRef validates a media reference.
func ParseRef(ref string) (Ref, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Ref{}, common.Errorf(common.CodeInvalidInput, "media reference is empty")
	}

	scheme, rest, found := strings.Cut(ref, "://")
	if !found {
		scheme, rest = types.SchemeFile, ref
	}

	switch scheme {
	case types.SchemeFile:
		clean := path.Clean(strings.ReplaceAll(rest, "\\", "/"))
		if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return Ref{}, common.Errorf(common.CodeInvalidInput, "media path %q escapes the media directory", rest)
		}
		return Ref{Scheme: scheme, Key: clean}, nil
	case types.SchemeS3:
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return Ref{}, common.Errorf(common.CodeInvalidInput, "s3 reference %q must be s3://bucket/key", ref)
		}
		return Ref{Scheme: scheme, Bucket: bucket, Key: key}, nil
	case types.SchemeGDrive:
		if rest == "" || strings.ContainsAny(rest, "/?#") {
			return Ref{}, common.Errorf(common.CodeInvalidInput, "gdrive reference %q must be gdrive://<file id>", ref)
		}
		return Ref{Scheme: scheme, Key: rest}, nil
	default:
		return Ref{}, common.Errorf(common.CodeInvalidInput, "unsupported media scheme %q", scheme)
	}
}

// Check reports whether the resolver can serve ref without fetching it.
func (r *Resolver) Check(ref string) error {
	parsed, err := ParseRef(ref)
	if err != nil {
		return err
	}
	switch {
	case parsed.Scheme == types.SchemeS3 && r.objects == nil:
		return common.Errorf(common.CodeInvalidInput, "object storage is not configured")
	case parsed.Scheme == types.SchemeGDrive && r.drive == nil:
		return common.Errorf(common.CodeInvalidInput, "google drive is not configured")
	}
	return nil
}

// Fetch makes ref available as a local file.
func (r *Resolver) Fetch(ctx context.Context, ref string) (*File, error) {
	if err := r.Check(ref); err != nil {
		return nil, err
	}
	parsed, _ := ParseRef(ref)

	switch parsed.Scheme {
	case types.SchemeS3:
		return r.fetchObject(ctx, parsed)
	case types.SchemeGDrive:
		return r.fetchDrive(ctx, parsed)
	default:
		p := filepath.Join(r.mediaDir, filepath.FromSlash(parsed.Key))
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, common.Errorf(common.CodeNotFound, "media %s not found", parsed.Key)
			}
			return nil, err
		}
		return &File{Path: p}, nil
	}
}

func (r *Resolver) tempFile(ext string) (string, error) {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return filepath.Join(r.tempDir, fmt.Sprintf("media-%s%s", uuid.New().String(), ext)), nil
}

func removeFunc(p string, logger *slog.Logger) func() {
	return func() {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to cleanup temp file", "path", p, "error", err)
		}
	}
}

func (r *Resolver) fetchObject(ctx context.Context, ref Ref) (*File, error) {
	local, err := r.tempFile(path.Ext(ref.Key))
	if err != nil {
		return nil, err
	}
	if err := r.objects.FGetObject(ctx, ref.Bucket, ref.Key, local, minio.GetObjectOptions{}); err != nil {
		os.Remove(local)
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, common.Errorf(common.CodeNotFound, "object s3://%s/%s not found", ref.Bucket, ref.Key)
		}
		return nil, fmt.Errorf("download s3://%s/%s: %w", ref.Bucket, ref.Key, err)
	}
	r.logger.Debug("downloaded object", "bucket", ref.Bucket, "key", ref.Key, "path", local)
	return &File{Path: local, cleanup: removeFunc(local, r.logger)}, nil
}

func (r *Resolver) fetchDrive(ctx context.Context, ref Ref) (*File, error) {
	tmp, err := r.tempFile(".part")
	if err != nil {
		return nil, err
	}
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	name, err := r.drive.Download(ctx, ref.Key, f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("download gdrive://%s: %w", ref.Key, err)
	}

	// Keep the original extension so the transcriber can check the format.
	final := strings.TrimSuffix(tmp, ".part") + strings.ToLower(filepath.Ext(name))
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	r.logger.Debug("downloaded drive file", "file_id", ref.Key, "name", name, "path", final)
	return &File{Path: final, cleanup: removeFunc(final, r.logger)}, nil
}

// Store saves uploaded media and returns its reference. Uploads go to the
// object store when one is configured, otherwise to the media directory.
func (r *Resolver) Store(ctx context.Context, filename string, body io.Reader, size int64) (string, error) {
	now := r.now().UTC()
	key := path.Join("uploads",
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		uuid.New().String()+strings.ToLower(filepath.Ext(filename)))

	if r.objects != nil {
		contentType := mime.TypeByExtension(path.Ext(key))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := r.objects.PutObject(ctx, r.bucket, key, body, size, minio.PutObjectOptions{
			ContentType: contentType,
		}); err != nil {
			return "", fmt.Errorf("upload to object storage: %w", err)
		}
		return fmt.Sprintf("s3://%s/%s", r.bucket, key), nil
	}

	dst := filepath.Join(r.mediaDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create media directory: %w", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return "file://" + key, nil
}
