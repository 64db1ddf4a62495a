// Package media handles image attachments: concurrent upload to object
// storage before a message is sent, and OCR extraction when a text-only
// fallback model needs to "see" the images.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// File is one attachment selected by the user, held in memory until upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// MaxFileBytes rejects attachments before any network round trip.
const MaxFileBytes = 10 << 20

// BlobPutter writes one object to durable storage and returns its URL.
type BlobPutter interface {
	Put(ctx context.Context, objectName, contentType string, data []byte) (string, error)
}

// GCSBucket implements BlobPutter against a Google Cloud Storage bucket.
type GCSBucket struct {
	client *storage.Client
	bucket string
}

func NewGCSBucket(client *storage.Client, bucket string) *GCSBucket {
	return &GCSBucket{client: client, bucket: bucket}
}

func (b *GCSBucket) Put(ctx context.Context, objectName, contentType string, data []byte) (string, error) {
	w := b.client.Bucket(b.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("media: write object %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("media: close object %s: %w", objectName, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucket, objectName), nil
}

// Uploader fans attachment uploads out in parallel. A send either gets all
// of its attachment URLs or none: one failed upload cancels the rest and the
// whole batch reports the error.
type Uploader struct {
	blobs  BlobPutter
	logger *slog.Logger
}

func NewUploader(blobs BlobPutter, logger *slog.Logger) *Uploader {
	return &Uploader{blobs: blobs, logger: logger}
}

// UploadAll uploads every file and returns their URLs in input order.
func (u *Uploader) UploadAll(ctx context.Context, userID string, files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	for _, f := range files {
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("media: empty attachment %q", f.Name)
		}
		if len(f.Data) > MaxFileBytes {
			return nil, fmt.Errorf("media: attachment %q exceeds %d bytes", f.Name, MaxFileBytes)
		}
	}

	urls := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i, f := range files {
		g.Go(func() error {
			name := objectName(userID, f.Name)
			url, err := u.blobs.Put(gctx, name, f.ContentType, f.Data)
			if err != nil {
				return err
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("media: upload batch: %w", err)
	}
	u.logger.Debug("uploaded attachments", "count", len(files), "duration_ms", time.Since(start).Milliseconds())
	return urls, nil
}

// objectName scopes objects per user and randomizes the stem so repeated
// uploads of the same filename never collide.
func objectName(userID, fileName string) string {
	if userID == "" {
		userID = "guest"
	}
	return fmt.Sprintf("uploads/%s/%s%s", userID, uuid.NewString(), path.Ext(fileName))
}
