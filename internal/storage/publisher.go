package storage

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/mediaforge/internal/config"
)

// ArtifactsRoute is the API path local artifact links point at.
const ArtifactsRoute = "/api/v1/artifacts/"

// Publisher backend names.
const (
	PublisherLocal = "local"
	PublisherS3    = "s3"
	PublisherGCS   = "gcs"
)

// Publisher makes a finished artifact reachable and returns its URL.
// relPath is the artifact's path under the output directory.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, absPath, relPath string) (string, error)
	Remove(ctx context.Context, relPath string) error
}

// NewPublisher builds the publisher selected by cfg.Backend.
func NewPublisher(ctx context.Context, cfg config.PublishConfig, layout *Layout, signer *TokenSigner) (Publisher, error) {
	switch cfg.Backend {
	case "", PublisherLocal:
		return NewLocalPublisher(cfg.BaseURL, layout.Output(), signer), nil
	case PublisherS3:
		return NewS3Publisher(ctx, cfg.S3)
	case PublisherGCS:
		return NewGCSPublisher(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown publish backend %q", cfg.Backend)
	}
}

// LocalPublisher leaves artifacts in the output directory and hands out
// signed download links served by the API.
type LocalPublisher struct {
	baseURL string
	output  *Sandbox
	signer  *TokenSigner
}

// NewLocalPublisher creates a local publisher. An empty baseURL yields
// host-relative links.
func NewLocalPublisher(baseURL string, output *Sandbox, signer *TokenSigner) *LocalPublisher {
	return &LocalPublisher{baseURL: strings.TrimRight(baseURL, "/"), output: output, signer: signer}
}

func (p *LocalPublisher) Name() string { return PublisherLocal }

// Publish signs a token for relPath.
func (p *LocalPublisher) Publish(_ context.Context, _ string, relPath string) (string, error) {
	token, err := p.signer.Sign(filepath.ToSlash(relPath))
	if err != nil {
		return "", err
	}
	return p.baseURL + ArtifactsRoute + token, nil
}

// Remove deletes the artifact from the output directory.
func (p *LocalPublisher) Remove(_ context.Context, relPath string) error {
	return p.output.Remove(filepath.FromSlash(relPath))
}

// objectKey joins a bucket prefix and an artifact path with forward slashes.
func objectKey(prefix, relPath string) string {
	rel := strings.TrimLeft(filepath.ToSlash(relPath), "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

func contentType(relPath string) string {
	if ct := mime.TypeByExtension(path.Ext(relPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
