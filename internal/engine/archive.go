package engine

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

var archiveFormats = Formats{
	Input:  []string{"zip", "tar", "tar.gz", "tgz", "tar.bz2", "tbz2", "tar.xz", "txz", "tar.br"},
	Output: []string{"zip", "tar", "tar.gz", "tar.bz2", "tar.xz", "tar.br"},
}

// Archive limits.
const (
	DefaultMaxArchiveEntries = 10000
	DefaultMaxArchiveBytes   = 2 << 30
)

var (
	// ErrUnsafeEntry is returned for entries that would escape the archive root.
	ErrUnsafeEntry = errors.New("unsafe archive entry")
	// ErrArchiveTooLarge is returned when an archive exceeds the entry or size limits.
	ErrArchiveTooLarge = errors.New("archive exceeds limits")
)

// compression identifies the stream wrapper around a tar.
type compression string

const (
	compressNone   compression = ""
	compressGzip   compression = "gzip"
	compressBzip2  compression = "bzip2"
	compressXZ     compression = "xz"
	compressBrotli compression = "brotli"
)

// archiveLayout splits a format name into container and compression.
func archiveLayout(format string) (container string, comp compression, ok bool) {
	switch format {
	case "zip":
		return "zip", compressNone, true
	case "tar":
		return "tar", compressNone, true
	case "tar.gz", "tgz":
		return "tar", compressGzip, true
	case "tar.bz2", "tbz2":
		return "tar", compressBzip2, true
	case "tar.xz", "txz":
		return "tar", compressXZ, true
	case "tar.br":
		return "tar", compressBrotli, true
	default:
		return "", compressNone, false
	}
}

// ArchiveEngine repacks archives between container and compression formats.
// Entries are streamed; nothing is extracted to disk.
type ArchiveEngine struct {
	maxEntries int
	maxBytes   int64
	logger     *slog.Logger
}

// NewArchiveEngine builds an archive engine. Config keys: max_entries,
// max_bytes.
func NewArchiveEngine(cfg Config, deps Deps) (Engine, error) {
	e := &ArchiveEngine{
		maxEntries: cfg.Int("max_entries", DefaultMaxArchiveEntries),
		maxBytes:   int64(cfg.Int("max_bytes", DefaultMaxArchiveBytes)),
		logger:     deps.logger(KindArchive),
	}
	if e.maxEntries <= 0 || e.maxBytes <= 0 {
		return nil, fmt.Errorf("archive limits must be positive")
	}
	return e, nil
}

func (e *ArchiveEngine) Kind() Kind       { return KindArchive }
func (e *ArchiveEngine) Formats() Formats { return archiveFormats }

func (e *ArchiveEngine) Dependencies() map[string]bool {
	return map[string]bool{"gzip": true, "bzip2": true, "xz": true, "brotli": true}
}

func (e *ArchiveEngine) Available() bool { return true }

// Convert repacks the input archive into the requested format.
func (e *ArchiveEngine) Convert(ctx context.Context, req Request) Result {
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = "zip"
	}
	if !archiveFormats.SupportsOutput(format) {
		return unsupportedOutput(KindArchive, format, archiveFormats)
	}

	name := req.Filename
	if name == "" {
		name = req.InputPath
	}
	srcFormat := Extension(name)
	if _, _, ok := archiveLayout(srcFormat); !ok {
		return Failed(ErrorClassValidation, false, "unsupported input format %q for archive", srcFormat)
	}
	req.progress(10, "archive engine ready")

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return FailedFrom("creating output directory", err)
	}

	stats, err := e.repack(ctx, req.InputPath, srcFormat, req.OutputPath, format, req.Progress)
	if err != nil {
		_ = os.Remove(req.OutputPath)
		if errors.Is(err, ErrUnsafeEntry) || errors.Is(err, ErrArchiveTooLarge) {
			return Failed(ErrorClassValidation, false, "repacking archive: %v", err)
		}
		var corrupt *corruptArchiveError
		if errors.As(err, &corrupt) {
			return Failed(ErrorClassTranscoder, false, "reading archive: %v", corrupt.err)
		}
		return FailedFrom("repacking archive", err)
	}
	req.progress(90, fmt.Sprintf("repacked %d entries", stats.entries))

	size := int64(0)
	if st, err := os.Stat(req.OutputPath); err == nil {
		size = st.Size()
	}
	e.logger.Debug("archive repacked",
		slog.String("from", srcFormat),
		slog.String("to", format),
		slog.Int("entries", stats.entries))

	return Succeeded(req.OutputPath, map[string]any{
		"input_info":  map[string]any{"format": srcFormat, "entries": stats.entries, "uncompressed_size": stats.bytes},
		"output_info": map[string]any{"format": format, "size": size},
	})
}

// corruptArchiveError marks read failures caused by the input itself.
type corruptArchiveError struct{ err error }

func (e *corruptArchiveError) Error() string { return e.err.Error() }
func (e *corruptArchiveError) Unwrap() error { return e.err }

type entryHeader struct {
	name    string
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
	size    int64
}

type repackStats struct {
	entries int
	bytes   int64
}

func (e *ArchiveEngine) repack(ctx context.Context, inPath, inFormat, outPath, outFormat string, progress ProgressFunc) (repackStats, error) {
	var stats repackStats

	out, err := os.Create(outPath)
	if err != nil {
		return stats, err
	}
	defer out.Close()

	writer, err := newArchiveWriter(out, outFormat)
	if err != nil {
		return stats, err
	}

	err = readArchive(inPath, inFormat, func(hdr entryHeader, r io.Reader) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clean, err := safeEntryName(hdr.name)
		if err != nil {
			return err
		}
		hdr.name = clean

		stats.entries++
		if stats.entries > e.maxEntries {
			return fmt.Errorf("%w: more than %d entries", ErrArchiveTooLarge, e.maxEntries)
		}
		if hdr.isDir {
			return writer.add(hdr, nil)
		}

		remaining := e.maxBytes - stats.bytes
		if hdr.size > remaining {
			return fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, e.maxBytes)
		}
		counted := &countingReader{r: io.LimitReader(r, remaining+1)}
		if err := writer.add(hdr, counted); err != nil {
			return err
		}
		stats.bytes += counted.n
		if stats.bytes > e.maxBytes {
			return fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, e.maxBytes)
		}
		if progress != nil && stats.entries%100 == 0 {
			progress(50, fmt.Sprintf("repacked %d entries", stats.entries))
		}
		return nil
	})
	if err != nil {
		_ = writer.close()
		return stats, err
	}
	if err := writer.close(); err != nil {
		return stats, fmt.Errorf("finalising archive: %w", err)
	}
	return stats, out.Close()
}

// safeEntryName normalises an entry name and rejects absolute paths and
// parent references.
func safeEntryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." || clean == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeEntry)
	}
	return clean, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readArchive(inPath, format string, fn func(entryHeader, io.Reader) error) error {
	container, comp, _ := archiveLayout(format)
	if container == "zip" {
		return readZip(inPath, fn)
	}

	f, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := decompress(f, comp)
	if err != nil {
		return &corruptArchiveError{err: err}
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		th, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s", ErrUnsafeEntry, th.Name)
		}
		if err != nil {
			return &corruptArchiveError{err: err}
		}
		switch th.Typeflag {
		case tar.TypeDir, tar.TypeReg:
		default:
			// Links, devices and fifos are not carried over.
			continue
		}
		hdr := entryHeader{
			name:    th.Name,
			mode:    th.FileInfo().Mode(),
			modTime: th.ModTime,
			isDir:   th.Typeflag == tar.TypeDir,
			size:    th.Size,
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func readZip(inPath string, fn func(entryHeader, io.Reader) error) error {
	zr, err := zip.OpenReader(inPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = zr.Close()
		return fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
	}
	if err != nil {
		return &corruptArchiveError{err: err}
	}
	defer zr.Close()

	for _, zf := range zr.File {
		mode := zf.Mode()
		if !mode.IsRegular() && !mode.IsDir() {
			continue
		}
		hdr := entryHeader{
			name:    zf.Name,
			mode:    mode,
			modTime: zf.Modified,
			isDir:   mode.IsDir(),
			size:    int64(zf.UncompressedSize64),
		}
		if hdr.isDir {
			if err := fn(hdr, nil); err != nil {
				return err
			}
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return &corruptArchiveError{err: err}
		}
		err = fn(hdr, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func decompress(r io.Reader, comp compression) (io.Reader, func(), error) {
	noop := func() {}
	switch comp {
	case compressGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case compressBzip2:
		bz, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, noop, fmt.Errorf("creating bzip2 reader: %w", err)
		}
		return bz, func() { _ = bz.Close() }, nil
	case compressXZ:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("creating xz reader: %w", err)
		}
		return xzr, noop, nil
	case compressBrotli:
		return brotli.NewReader(r), noop, nil
	default:
		return r, noop, nil
	}
}

// archiveWriter adds entries to an output archive.
type archiveWriter interface {
	add(hdr entryHeader, r io.Reader) error
	close() error
}

func newArchiveWriter(w io.Writer, format string) (archiveWriter, error) {
	container, comp, ok := archiveLayout(format)
	if !ok {
		return nil, fmt.Errorf("unknown archive format %q", format)
	}
	if container == "zip" {
		return &zipWriter{zw: zip.NewWriter(w)}, nil
	}

	var stream io.WriteCloser
	switch comp {
	case compressGzip:
		stream = gzip.NewWriter(w)
	case compressBzip2:
		bz, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		if err != nil {
			return nil, fmt.Errorf("creating bzip2 writer: %w", err)
		}
		stream = bz
	case compressXZ:
		xzw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		stream = xzw
	case compressBrotli:
		stream = brotli.NewWriterLevel(w, brotli.DefaultCompression)
	default:
		stream = nopWriteCloser{w}
	}
	return &tarWriter{tw: tar.NewWriter(stream), stream: stream}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) add(hdr entryHeader, r io.Reader) error {
	fh := &zip.FileHeader{
		Name:     hdr.name,
		Method:   zip.Deflate,
		Modified: hdr.modTime,
	}
	fh.SetMode(hdr.mode)
	if hdr.isDir {
		fh.Name += "/"
		fh.Method = zip.Store
		_, err := z.zw.CreateHeader(fh)
		return err
	}
	w, err := z.zw.CreateHeader(fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

func (z *zipWriter) close() error { return z.zw.Close() }

type tarWriter struct {
	tw     *tar.Writer
	stream io.WriteCloser
}

// add writes one entry. tar needs the size up front; both readers report it
// from their headers.
func (t *tarWriter) add(hdr entryHeader, r io.Reader) error {
	th := &tar.Header{
		Name:    hdr.name,
		Mode:    int64(hdr.mode.Perm()),
		ModTime: hdr.modTime,
		Format:  tar.FormatPAX,
	}
	if hdr.isDir {
		th.Typeflag = tar.TypeDir
		th.Name += "/"
		if th.Mode == 0 {
			th.Mode = 0o755
		}
		return t.tw.WriteHeader(th)
	}
	th.Typeflag = tar.TypeReg
	th.Size = hdr.size
	if th.Mode == 0 {
		th.Mode = 0o644
	}
	if err := t.tw.WriteHeader(th); err != nil {
		return err
	}
	n, err := io.Copy(t.tw, r)
	if err != nil {
		return err
	}
	if n != hdr.size {
		return &corruptArchiveError{err: fmt.Errorf("entry %s: header size %d, read %d", hdr.name, hdr.size, n)}
	}
	return nil
}

func (t *tarWriter) close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.stream.Close()
}
