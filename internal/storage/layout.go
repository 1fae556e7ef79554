package storage

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/mediaforge/internal/config"
)

// maxSafeBaseLen bounds the readable part of generated file names.
const maxSafeBaseLen = 20

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SafeBaseName turns a user supplied file name into a short, portable stem:
// the extension is dropped, accents are folded, anything outside
// [a-zA-Z0-9_-] becomes "_" and the result is cut to 20 characters.
func SafeBaseName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))

	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), base)
	if err == nil {
		base = folded
	}
	base = unsafeNameChars.ReplaceAllString(base, "_")
	if len(base) > maxSafeBaseLen {
		base = base[:maxSafeBaseLen]
	}
	if strings.Trim(base, "_") == "" {
		return "file"
	}
	return base
}

// newToken returns 8 random hex characters.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Layout owns the upload, temp and output directories.
type Layout struct {
	uploads *Sandbox
	temp    *Sandbox
	output  *Sandbox
}

// NewLayout creates the directories named by cfg.
func NewLayout(cfg config.StorageConfig) (*Layout, error) {
	uploads, err := NewSandbox(cfg.UploadPath())
	if err != nil {
		return nil, fmt.Errorf("upload dir: %w", err)
	}
	temp, err := NewSandbox(cfg.TempPath())
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	output, err := NewSandbox(cfg.OutputPath())
	if err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	return &Layout{uploads: uploads, temp: temp, output: output}, nil
}

// Uploads returns the stored input sandbox.
func (l *Layout) Uploads() *Sandbox { return l.uploads }

// Temp returns the scratch sandbox.
func (l *Layout) Temp() *Sandbox { return l.temp }

// Output returns the artifact sandbox.
func (l *Layout) Output() *Sandbox { return l.output }

// ArtifactPath allocates "<kind>/<safe-base>_<token8>.<ext>" under the
// output directory and returns both the relative and absolute paths. The
// kind directory is created.
func (l *Layout) ArtifactPath(kind, originalName, ext string) (rel, abs string, err error) {
	if kind == "" {
		kind = "other"
	}
	rel = filepath.Join(kind, fmt.Sprintf("%s_%s.%s", SafeBaseName(originalName), newToken(), strings.TrimPrefix(ext, ".")))
	abs, err = l.output.ResolvePath(rel)
	if err != nil {
		return "", "", err
	}
	if err := l.output.MkdirAll(kind); err != nil {
		return "", "", err
	}
	return rel, abs, nil
}

// StoreInput writes r to the upload directory as "<token8>_<safe-base>.<ext>"
// and returns the absolute path and size. At most limit bytes are accepted
// when limit is positive.
func (l *Layout) StoreInput(r io.Reader, originalName, ext string, limit int64) (string, int64, error) {
	name := fmt.Sprintf("%s_%s", newToken(), SafeBaseName(originalName))
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	n, err := l.uploads.AtomicWriteReader(name, r, limit)
	if err != nil {
		return "", n, fmt.Errorf("storing input: %w", err)
	}
	abs, err := l.uploads.ResolvePath(name)
	if err != nil {
		return "", n, err
	}
	return abs, n, nil
}

// JobTempDir creates a private scratch directory for one attempt.
func (l *Layout) JobTempDir(jobID string) (string, error) {
	return l.temp.MkdirTemp(".", "job-"+jobID+"-")
}
