package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/jmylchreest/mediaforge/internal/config"
)

// GCSPublisher uploads artifacts to a Google Cloud Storage bucket.
type GCSPublisher struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSPublisher creates a client using cfg.CredentialsFile, or the
// application default credentials when it is empty.
func NewGCSPublisher(ctx context.Context, cfg config.GCSConfig) (*GCSPublisher, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCSPublisher{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (p *GCSPublisher) Name() string { return PublisherGCS }

// Publish streams the artifact into the bucket.
func (p *GCSPublisher) Publish(ctx context.Context, absPath, relPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()

	key := objectKey(p.prefix, relPath)
	wc := p.client.Bucket(p.bucket).Object(key).NewWriter(ctx)
	wc.ContentType = contentType(relPath)
	if _, err := io.Copy(wc, f); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("uploading %s to bucket %s: %w", key, p.bucket, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finishing upload of %s: %w", key, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", p.bucket, key), nil
}

// Remove deletes the artifact object.
func (p *GCSPublisher) Remove(ctx context.Context, relPath string) error {
	key := objectKey(p.prefix, relPath)
	if err := p.client.Bucket(p.bucket).Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("deleting %s from bucket %s: %w", key, p.bucket, err)
	}
	return nil
}

// Close releases the client.
func (p *GCSPublisher) Close() error {
	return p.client.Close()
}
