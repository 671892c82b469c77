package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// Writer stores rendered artifacts in a single Cloud Storage bucket.
type Writer struct {
	client *gcs.Client
	bucket string
}

// NewWriter constructs a Writer backed by the provided Cloud Storage client.
func NewWriter(client *gcs.Client, bucket string) (*Writer, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage writer: bucket is required")
	}
	return &Writer{client: client, bucket: bucket}, nil
}

// WriteObject uploads data to objectPath, replacing any previous content.
func (w *Writer) WriteObject(ctx context.Context, objectPath, contentType string, data []byte) error {
	if w == nil || w.client == nil {
		return errors.New("storage writer: client is not initialised")
	}
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return errors.New("storage writer: object path is required")
	}

	ow := w.client.Bucket(w.bucket).Object(objectPath).NewWriter(ctx)
	ow.ContentType = contentType
	ow.CacheControl = "private, max-age=0, no-transform"
	if _, err := ow.Write(data); err != nil {
		_ = ow.Close()
		return fmt.Errorf("storage writer: write %s: %w", objectPath, err)
	}
	if err := ow.Close(); err != nil {
		return fmt.Errorf("storage writer: finalise %s: %w", objectPath, err)
	}
	return nil
}

// DeleteObject removes objectPath. Missing objects are not an error.
func (w *Writer) DeleteObject(ctx context.Context, objectPath string) error {
	if w == nil || w.client == nil {
		return errors.New("storage writer: client is not initialised")
	}
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return nil
	}
	err := w.client.Bucket(w.bucket).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage writer: delete %s: %w", objectPath, err)
	}
	return nil
}
