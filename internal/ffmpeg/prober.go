package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ProbeResult contains the ffprobe JSON output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename   string            `json:"filename"`
	NumStreams int               `json:"nb_streams"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	SampleRate   string `json:"sample_rate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	RFrameRate   string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	Duration     string `json:"duration,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
	NumFrames    string `json:"nb_frames,omitempty"`

	Tags         map[string]string `json:"tags,omitempty"`
	SideDataList []ProbeSideData   `json:"side_data_list,omitempty"`
}

// ProbeSideData is one entry of a stream's side_data_list.
type ProbeSideData struct {
	SideDataType string  `json:"side_data_type"`
	Rotation     float64 `json:"rotation,omitempty"`
}

// MediaInfo is the summary of a probe that ends up in job metadata.
type MediaInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Codec    string  `json:"codec"`
	Bitrate  int     `json:"bitrate"`
	Format   string  `json:"format,omitempty"`
	// Rotation is the display rotation in degrees. Width and Height are
	// already the displayed size.
	Rotation int `json:"rotation,omitempty"`
}

// AsMap converts the summary to a metadata value.
func (m MediaInfo) AsMap() map[string]any {
	return map[string]any{
		"duration": m.Duration,
		"width":    m.Width,
		"height":   m.Height,
		"fps":      m.FPS,
		"codec":    m.Codec,
		"bitrate":  m.Bitrate,
		"format":   m.Format,
		"rotation": m.Rotation,
	}
}

// Prober runs ffprobe against local media files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	executor    Executor
}

// NewProber creates a new prober.
func NewProber(ffprobePath string, executor Executor) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
		executor:    executor,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// ProbeCommand returns the ffprobe invocation for path.
func (p *Prober) ProbeCommand(path string) *Command {
	return &Command{
		Binary: p.ffprobePath,
		Args: []string{
			"-v", "quiet",
			"-print_format", "json",
			"-show_format",
			"-show_streams",
			path,
		},
		Inputs: []string{path},
	}
}

// Probe runs ffprobe and decodes its JSON output.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var out bytes.Buffer
	cmd := p.ProbeCommand(path)
	if err := p.executor.Execute(ctx, cmd, ExecOptions{Timeout: p.timeout, Stdout: &out}); err != nil {
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}
	return ParseProbeOutput(out.Bytes())
}

// Info probes path and returns the summary.
func (p *Prober) Info(ctx context.Context, path string) (MediaInfo, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return MediaInfo{}, err
	}
	return result.Summary(), nil
}

// ParseProbeOutput decodes ffprobe JSON.
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// GetVideoStream returns the first video stream, or nil.
func (r *ProbeResult) GetVideoStream() *ProbeStream {
	return r.firstOfType("video")
}

// GetAudioStream returns the first audio stream, or nil.
func (r *ProbeResult) GetAudioStream() *ProbeStream {
	return r.firstOfType("audio")
}

func (r *ProbeResult) firstOfType(codecType string) *ProbeStream {
	for i := range r.Streams {
		if r.Streams[i].CodecType == codecType {
			return &r.Streams[i]
		}
	}
	return nil
}

// Duration returns the container duration in seconds.
func (r *ProbeResult) Duration() float64 {
	if d, err := strconv.ParseFloat(r.Format.Duration, 64); err == nil {
		return d
	}
	return 0
}

// Bitrate returns the overall bitrate in bits per second.
func (r *ProbeResult) Bitrate() int {
	if br, err := strconv.Atoi(r.Format.BitRate); err == nil {
		return br
	}
	return 0
}

// Summary reduces the probe to the fields recorded for a job. The frame rate
// comes from r_frame_rate and is evaluated as a rational.
func (r *ProbeResult) Summary() MediaInfo {
	info := MediaInfo{
		Duration: r.Duration(),
		Bitrate:  r.Bitrate(),
		Format:   r.Format.FormatName,
	}
	if v := r.GetVideoStream(); v != nil {
		info.Width, info.Height = v.DisplaySize()
		info.Rotation = v.Rotation()
		info.Codec = v.CodecName
		info.FPS = v.Framerate()
	} else if a := r.GetAudioStream(); a != nil {
		info.Codec = a.CodecName
	}
	return info
}

// Rotation returns the display rotation in degrees, normalized to 0..359.
// The display matrix side data wins over the legacy rotate tag.
func (s *ProbeStream) Rotation() int {
	var deg float64
	found := false
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" {
			deg, found = sd.Rotation, true
			break
		}
	}
	if !found {
		if v, err := strconv.ParseFloat(s.Tags["rotate"], 64); err == nil {
			deg = v
		}
	}
	r := int(math.Round(deg)) % 360
	if r < 0 {
		r += 360
	}
	return r
}

// DisplaySize returns the frame size after rotation, which is what ffmpeg
// decodes to with autorotation on.
func (s *ProbeStream) DisplaySize() (width, height int) {
	switch s.Rotation() {
	case 90, 270:
		return s.Height, s.Width
	}
	return s.Width, s.Height
}

// Framerate returns the stream frame rate, preferring r_frame_rate.
func (s *ProbeStream) Framerate() float64 {
	if s.RFrameRate != "" {
		if fr := parseFramerate(s.RFrameRate); fr > 0 {
			return fr
		}
	}
	return parseFramerate(s.AvgFrameRate)
}

// parseFramerate evaluates a rational like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	num, den, ok := strings.Cut(fr, "/")
	if !ok {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}

	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
