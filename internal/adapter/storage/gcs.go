package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/cwygoda/urldrop/internal/domain"
)

// GCS uploads files into a Cloud Storage bucket under prefix/<uuid>/<name>.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS backend.
func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) Name() string { return "gcs" }

// Put writes obj to a fresh object. The write only succeeds if the object
// does not exist yet.
func (g *GCS) Put(ctx context.Context, obj domain.Object) (*domain.StoredObject, error) {
	name := path.Join(g.prefix, uuid.NewString(), SafeName(obj.Name))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(name).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = obj.ContentType

	if _, err := io.Copy(w, obj.Body); err != nil {
		// cancelling aborts the upload instead of committing a partial object
		cancel()
		_ = w.Close()
		return nil, fmt.Errorf("write object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return nil, fmt.Errorf("object %s already exists", name)
		}
		return nil, fmt.Errorf("finalize object %s: %w", name, err)
	}

	return &domain.StoredObject{
		ID:   name,
		Link: fmt.Sprintf("https://storage.cloud.google.com/%s/%s", g.bucket, name),
	}, nil
}

// Close releases the client.
func (g *GCS) Close() error { return g.client.Close() }
