// Package ffmpeg drives the external ffmpeg and ffprobe binaries: discovery,
// argument building, process execution with timeouts, media probing, and the
// GIF filter pipeline.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/mediaforge/internal/util"
)

// Environment variables consulted when locating binaries.
const (
	EnvFFmpegBinary  = "MEDIAFORGE_FFMPEG_BINARY"
	EnvFFprobeBinary = "MEDIAFORGE_FFPROBE_BINARY"
)

// BinaryInfo describes the ffmpeg installation found on this host.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath  string   `json:"ffprobe_path,omitempty" yaml:"ffprobe_path,omitempty"`
	Version      string   `json:"version" yaml:"version"`
	MajorVersion int      `json:"major_version" yaml:"major_version"`
	MinorVersion int      `json:"minor_version" yaml:"minor_version"`
	Encoders     []string `json:"encoders,omitempty" yaml:"-"`
}

// HasEncoder reports whether the named encoder is available.
func (i *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(i.Encoders, name)
}

// HasFFprobe reports whether ffprobe was found.
func (i *BinaryInfo) HasFFprobe() bool {
	return i.FFprobePath != ""
}

// DetectorConfig configures binary discovery.
type DetectorConfig struct {
	// FFmpegPath and FFprobePath override discovery when set.
	FFmpegPath  string
	FFprobePath string

	// VersionTimeout bounds each "-version"/"-encoders" call.
	VersionTimeout time.Duration
}

// BinaryDetector locates ffmpeg and ffprobe and caches what it finds.
type BinaryDetector struct {
	cfg DetectorConfig

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector.
func NewBinaryDetector(cfg DetectorConfig) *BinaryDetector {
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = 10 * time.Second
	}
	return &BinaryDetector{
		cfg:      cfg,
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects the binaries and their versions.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear drops the cached detection result.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath, err := util.FindBinary("ffmpeg", d.cfg.FFmpegPath, EnvFFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", ErrBinaryNotFound)
	}
	info.FFmpegPath = ffmpegPath

	// ffprobe is optional; probing degrades to empty input info without it.
	if ffprobePath, err := util.FindBinary("ffprobe", d.cfg.FFprobePath, EnvFFprobeBinary); err == nil {
		info.FFprobePath = ffprobePath
	}

	version, err := d.getVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info.Version = version.Full
	info.MajorVersion = version.Major
	info.MinorVersion = version.Minor

	if encoders, err := d.getEncoders(ctx, ffmpegPath); err == nil {
		info.Encoders = encoders
	}

	return info, nil
}

type versionInfo struct {
	Full  string
	Major int
	Minor int
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

func (d *BinaryDetector) getVersion(ctx context.Context, ffmpegPath string) (*versionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.VersionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, err
	}
	return parseVersion(string(output))
}

// parseVersion reads the first line of "ffmpeg -version", which looks like
// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g...".
func parseVersion(output string) (*versionInfo, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info := &versionInfo{Full: parts[2]}
		if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
			info.Major, _ = strconv.Atoi(m[1])
			info.Minor, _ = strconv.Atoi(m[2])
		}
		return info, nil
	}
	return nil, fmt.Errorf("failed to parse ffmpeg version")
}

func (d *BinaryDetector) getEncoders(ctx context.Context, ffmpegPath string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.VersionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, err
	}
	return parseEncoders(string(output)), nil
}

// parseEncoders reads the "-encoders" table. Rows follow a "------" separator
// and look like " V....D gif                  GIF (Graphics Interchange Format)".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && len(fields[0]) == 6 {
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}
