package engine

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
)

const probeJSON = `{
  "streams": [{"index": 0, "codec_name": "h264", "codec_type": "video", "width": %d, "height": %d, "r_frame_rate": "25/1"%s}],
  "format": {"format_name": "mov,mp4", "duration": "4.000000", "bit_rate": "800000"}
}`

// fakeTranscoder answers ffprobe with a canned probe, streams rgba frames
// for rawvideo decodes, and writes a small file for every other output.
type fakeTranscoder struct {
	mu       sync.Mutex
	commands []*ffmpeg.Command

	width, height int
	rotation      int
	frames        int
	failWith      error
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{width: 32, height: 16, frames: 4}
}

func (f *fakeTranscoder) Execute(_ context.Context, cmd *ffmpeg.Command, opts ffmpeg.ExecOptions) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if cmd.HasArg("-show_streams") {
		sideData := ""
		if f.rotation != 0 {
			sideData = fmt.Sprintf(`, "side_data_list": [{"side_data_type": "Display Matrix", "rotation": %d}]`, f.rotation)
		}
		_, err := fmt.Fprintf(opts.Stdout, probeJSON, f.width, f.height, sideData)
		return err
	}
	if f.failWith != nil {
		return f.failWith
	}
	if cmd.Output == "pipe:1" {
		w, h := f.width, f.height
		if f.rotation == 90 || f.rotation == -90 || f.rotation == 270 {
			w, h = h, w
		}
		for range f.frames {
			frame := image.NewRGBA(image.Rect(0, 0, w, h))
			if _, err := opts.Stdout.Write(frame.Pix); err != nil {
				return err
			}
		}
		return nil
	}
	return os.WriteFile(cmd.Output, []byte("GIF89a-fake-output"), 0o644)
}

func (f *fakeTranscoder) ffmpegCommands() []*ffmpeg.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ffmpeg.Command
	for _, c := range f.commands {
		if !c.HasArg("-show_streams") {
			out = append(out, c)
		}
	}
	return out
}

func fullCapabilities() Capabilities {
	return Capabilities{
		FFmpeg:      true,
		FFprobe:     true,
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Version:     "6.1",
	}
}

func testDeps(exec ffmpeg.Executor, tempDir string) Deps {
	return Deps{
		Capabilities: fullCapabilities(),
		Executor:     exec,
		TempDir:      tempDir,
		Timeouts:     DefaultTimeouts(),
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
