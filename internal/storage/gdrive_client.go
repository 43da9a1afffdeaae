package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/clubbot/internal/types"
)

// ErrNoDriveToken means the OAuth token file has not been created yet; run
// the server once with -drive-auth.
var ErrNoDriveToken = errors.New("google drive token missing")

// DriveClient archives transcripts to and downloads media from Google Drive.
type DriveClient struct {
	service    *drive.Service
	folderName string
	folderID   string
	now        func() time.Time
	logger     *slog.Logger
}

func oauthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// NewDriveClient creates a Drive client from a stored token and makes sure
// the archive root folder exists.
func NewDriveClient(ctx context.Context, credentialsFile, tokenFile, folderName string, logger *slog.Logger) (*DriveClient, error) {
	config, err := oauthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoDriveToken
		}
		return nil, fmt.Errorf("read drive token: %w", err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}

	dc := &DriveClient{
		service:    srv,
		folderName: folderName,
		now:        time.Now,
		logger:     logger.With("component", "gdrive"),
	}
	if err := dc.ensureFolder(ctx); err != nil {
		return nil, err
	}
	return dc, nil
}

// AuthorizeDrive runs the interactive OAuth flow on the terminal and saves
// the token for NewDriveClient.
func AuthorizeDrive(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	config, err := oauthConfig(credentialsFile)
	if err != nil {
		return err
	}
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken saves a token to a file path
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// quoteQuery escapes a value for a Drive search query.
func quoteQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// ensureFolder finds or creates the root folder
func (dc *DriveClient) ensureFolder(ctx context.Context) error {
	id, err := dc.findOrCreateFolder(ctx, dc.folderName, "")
	if err != nil {
		return fmt.Errorf("unable to prepare folder %q: %w", dc.folderName, err)
	}
	dc.folderID = id
	return nil
}

// Archive uploads transcript and metadata to Transcripts/YYYY/MM/DD and
// returns a link to the metadata file.
func (dc *DriveClient) Archive(ctx context.Context, result *types.TranscriptionResult) (string, error) {
	now := dc.now().UTC()
	folderID, err := dc.ensureDateFolder(ctx, now)
	if err != nil {
		return "", err
	}
	base := archiveName(now, result.JobID)

	txtFile := &drive.File{Name: base + ".txt", Parents: []string{folderID}}
	if _, err := dc.service.Files.Create(txtFile).Media(strings.NewReader(result.Text)).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("failed to upload transcript: %w", err)
	}

	metaJSON, err := json.MarshalIndent(metadataFor(result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaFile := &drive.File{Name: base + "_meta.json", Parents: []string{folderID}}
	created, err := dc.service.Files.Create(metaFile).Media(strings.NewReader(string(metaJSON))).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload metadata: %w", err)
	}

	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id), nil
}

// Download streams a Drive file into w and returns its name.
func (dc *DriveClient) Download(ctx context.Context, fileID string, w io.Writer) (string, error) {
	meta, err := dc.service.Files.Get(fileID).Fields("name", "size").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("lookup drive file: %w", err)
	}
	resp, err := dc.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return "", fmt.Errorf("download drive file: %w", err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return "", fmt.Errorf("read drive file: %w", err)
	}
	dc.logger.Debug("downloaded drive file", "file_id", fileID, "name", meta.Name, "bytes", n)
	return meta.Name, nil
}

// ensureDateFolder creates nested year/month/day folders
func (dc *DriveClient) ensureDateFolder(ctx context.Context, t time.Time) (string, error) {
	parent := dc.folderID
	for _, name := range datedPath(t) {
		id, err := dc.findOrCreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
		parent = id
	}
	return parent, nil
}

// findOrCreateFolder finds or creates a folder with the given parent. An
// empty parent searches the whole drive.
func (dc *DriveClient) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false", quoteQuery(name))
	if parentID != "" {
		query += fmt.Sprintf(" and '%s' in parents", quoteQuery(parentID))
	}

	r, err := dc.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
	}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return file.Id, nil
}
