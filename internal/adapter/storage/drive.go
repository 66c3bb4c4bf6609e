package storage

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/cwygoda/urldrop/internal/domain"
)

// Drive uploads files into a Google Drive folder.
type Drive struct {
	files    *drive.FilesService
	folderID string
}

// NewDrive creates a Drive backend. Without options the client uses
// application default credentials.
func NewDrive(ctx context.Context, folderID string, opts ...option.ClientOption) (*Drive, error) {
	if folderID == "" {
		return nil, errors.New("drive folder id is required")
	}
	opts = append([]option.ClientOption{option.WithScopes(drive.DriveFileScope)}, opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return &Drive{files: svc.Files, folderID: folderID}, nil
}

func (d *Drive) Name() string { return "drive" }

// Put streams obj into the folder and returns the new file's id and view link.
func (d *Drive) Put(ctx context.Context, obj domain.Object) (*domain.StoredObject, error) {
	meta := &drive.File{
		Name:     SafeName(obj.Name),
		MimeType: obj.ContentType,
		Parents:  []string{d.folderID},
	}
	f, err := d.files.Create(meta).
		Media(obj.Body, googleapi.ContentType(obj.ContentType)).
		Fields("id", "webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, fmt.Errorf("google api error: %s", apiMessage(gerr))
		}
		return nil, err
	}
	return &domain.StoredObject{ID: f.Id, Link: f.WebViewLink}, nil
}

func apiMessage(e *googleapi.Error) string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("status %d", e.Code)
}
