package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/jmylchreest/mediaforge/internal/config"
)

var (
	// ErrUnsupportedScheme rejects anything but http and https.
	ErrUnsupportedScheme = errors.New("only http and https URLs are supported")
	// ErrRemoteTooLarge is returned when the server announces a body over the cap.
	ErrRemoteTooLarge = errors.New("remote file exceeds size limit")
	// ErrRemoteStatus is returned for non-success responses.
	ErrRemoteStatus = errors.New("remote server returned an error")
)

// fallbackName is used when neither the response nor the URL names a file.
const fallbackName = "download"

// Remote is an open download.
type Remote struct {
	// Name is the file name from Content-Disposition or the URL path.
	Name string
	// Size is the announced length, or -1 when unknown.
	Size int64
	Body io.ReadCloser
}

// Downloader opens remote inputs for the conversion service.
type Downloader struct {
	client  *Client
	maxSize int64
}

// NewDownloader builds a downloader from the download settings.
func NewDownloader(cfg config.DownloadConfig, logger *slog.Logger) *Downloader {
	c := DefaultConfig()
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if logger != nil {
		c.Logger = logger.With(slog.String("component", "downloader"))
	}
	return &Downloader{client: New(c), maxSize: cfg.MaxSize.Bytes()}
}

// MaxSize is the byte cap callers must enforce while reading Body.
func (d *Downloader) MaxSize() int64 {
	return d.maxSize
}

// ValidateURL checks that rawURL is an absolute http or https URL.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrUnsupportedScheme
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url has no host")
	}
	return u, nil
}

// Open issues the GET and returns the body. The caller closes it.
func (d *Downloader) Open(ctx context.Context, rawURL string) (*Remote, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", obfuscateURL(u), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrRemoteStatus, resp.Status)
	}
	if d.maxSize > 0 && resp.ContentLength > d.maxSize {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrRemoteTooLarge, resp.ContentLength, d.maxSize)
	}
	return &Remote{
		Name: remoteName(resp, u),
		Size: resp.ContentLength,
		Body: resp.Body,
	}, nil
}

// remoteName prefers Content-Disposition, then the last URL path segment.
func remoteName(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(strings.ReplaceAll(params["filename"], "\\", "/")); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return fallbackName
	}
	return name
}
