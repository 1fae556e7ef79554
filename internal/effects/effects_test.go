package effects

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediaforge/internal/ffmpeg"
	"github.com/jmylchreest/mediaforge/internal/models"
)

// solidFrame returns a w x h frame filled with a colour whose red channel
// encodes idx, so tests can follow frame order.
func solidFrame(w, h int, idx uint8) *image.RGBA {
	f := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = idx, 100, 200, 255
	}
	return f
}

func frameIDs(c *Clip) []uint8 {
	ids := make([]uint8, len(c.Frames))
	for i, f := range c.Frames {
		ids[i] = f.Pix[0]
	}
	return ids
}

func makeClip(n int) *Clip {
	frames := make([]*image.RGBA, n)
	for i := range frames {
		frames[i] = solidFrame(8, 4, uint8(i))
	}
	return NewClip(frames)
}

func TestClip_TimeMirror(t *testing.T) {
	c := makeClip(4).TimeMirror()
	assert.Equal(t, []uint8{3, 2, 1, 0}, frameIDs(c))
}

func TestClip_Boomerang(t *testing.T) {
	c := makeClip(3).Boomerang()
	assert.Equal(t, []uint8{0, 1, 2, 2, 1, 0}, frameIDs(c))
}

func TestClip_Speed(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		factor float64
		want   []uint8
	}{
		{"double drops frames", 6, 2, []uint8{0, 2, 4}},
		{"half repeats frames", 3, 0.5, []uint8{0, 0, 1, 1, 2, 2}},
		{"unit is a no-op", 3, 1, []uint8{0, 1, 2}},
		{"zero is ignored", 3, 0, []uint8{0, 1, 2}},
		{"never empties clip", 2, 4, []uint8{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, frameIDs(makeClip(tt.n).Speed(tt.factor)))
		})
	}
}

func TestClip_Grayscale(t *testing.T) {
	c := makeClip(2).Boomerang().Grayscale()
	for _, f := range c.Frames {
		assert.Equal(t, f.Pix[0], f.Pix[1])
		assert.Equal(t, f.Pix[1], f.Pix[2])
	}
	// Shared frames must be converted once, not repeatedly.
	want := color.GrayModel.Convert(color.RGBA{R: 0, G: 100, B: 200, A: 255}).(color.Gray).Y
	assert.Equal(t, want, c.Frames[0].Pix[0])
	assert.Equal(t, want, c.Frames[3].Pix[0])
}

func TestClip_Resize(t *testing.T) {
	c := makeClip(3).Resize(4)
	assert.Equal(t, image.Rect(0, 0, 4, 2), c.Bounds())
	for _, f := range c.Frames {
		assert.Equal(t, 4, f.Bounds().Dx())
	}
}

func TestClip_WriteGIF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, makeClip(5).Boomerang().WriteGIF(&buf, 20))

	decoded, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	assert.Len(t, decoded.Image, 10)
	for _, d := range decoded.Delay {
		assert.Equal(t, 5, d)
	}

	assert.Error(t, NewClip(nil).WriteGIF(&buf, 10))
	assert.Error(t, makeClip(1).WriteGIF(&buf, 0))
}

func TestClip_WriteGIF_FractionalDelay(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, makeClip(15).WriteGIF(&buf, 15))

	decoded, err := gif.DecodeAll(&buf)
	require.NoError(t, err)
	require.Len(t, decoded.Delay, 15)

	total := 0
	for _, d := range decoded.Delay {
		assert.Contains(t, []int{6, 7}, d)
		total += d
	}
	assert.Equal(t, 100, total, "one second of frames plays for one second")
}

func TestFrameDelays(t *testing.T) {
	assert.Equal(t, []int{6, 7, 7, 6, 7, 7}, frameDelays(6, 15))
	assert.Equal(t, []int{10, 10, 10}, frameDelays(3, 10))
	assert.Equal(t, []int{1, 1, 1}, frameDelays(3, 200), "delays never drop to zero")
}

func TestClip_CloseRemovesTempCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "copy.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := makeClip(2)
	c.tempPath = path
	require.NoError(t, c.Close())
	assert.NoFileExists(t, path)
	assert.Nil(t, c.Frames)
	require.NoError(t, c.Close())
}

func TestClip_CloseRetriesThenReports(t *testing.T) {
	prevDelay := removeRetryDelay
	removeRetryDelay = time.Millisecond
	t.Cleanup(func() { removeRetryDelay = prevDelay })

	// A non-empty directory cannot be removed with os.Remove.
	dir := filepath.Join(t.TempDir(), "stuck")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "child"), 0o755))

	c := makeClip(1)
	c.tempPath = dir
	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "removing temp copy")
}

// rawExecutor streams pre-rendered rgba frames to stdout like
// "ffmpeg -f rawvideo -pix_fmt rgba pipe:1" would.
type rawExecutor struct {
	frames  int
	w, h    int
	cmd     *ffmpeg.Command
	failErr error
}

func (r *rawExecutor) Execute(_ context.Context, cmd *ffmpeg.Command, opts ffmpeg.ExecOptions) error {
	r.cmd = cmd
	if r.failErr != nil {
		return r.failErr
	}
	for i := range r.frames {
		f := solidFrame(r.w, r.h, uint8(i))
		// Split writes so frames straddle buffer boundaries.
		half := len(f.Pix) / 2
		if _, err := opts.Stdout.Write(f.Pix[:half]); err != nil {
			return err
		}
		if _, err := opts.Stdout.Write(f.Pix[half:]); err != nil {
			return err
		}
	}
	return nil
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video"), 0o644))
	return path
}

func TestOpen(t *testing.T) {
	input := writeInput(t)
	tempDir := t.TempDir()
	exec := &rawExecutor{frames: 4, w: 16, h: 8}

	clip, err := Open(context.Background(), exec, input, OpenOptions{
		FFmpegPath:   "ffmpeg",
		SourceWidth:  16,
		SourceHeight: 8,
		FPS:          10,
		Width:        8,
		Window:       Window{Start: 1, Duration: 2, Bounded: true},
		TempDir:      tempDir,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, clip.Len())
	assert.Equal(t, image.Rect(0, 0, 8, 4), clip.Bounds())
	assert.Equal(t, "fps=10,scale=16:8", exec.cmd.ArgAfter("-vf"))
	assert.Equal(t, "1", exec.cmd.ArgAfter("-ss"))
	assert.Equal(t, "2", exec.cmd.ArgAfter("-t"))
	assert.Equal(t, "pipe:1", exec.cmd.Output)
	assert.NotEqual(t, input, exec.cmd.Inputs[0], "decoder must read the private copy")
	assert.FileExists(t, exec.cmd.Inputs[0])

	require.NoError(t, clip.Close())
	assert.NoFileExists(t, exec.cmd.Inputs[0])
	assert.FileExists(t, input)
}

func TestOpen_Errors(t *testing.T) {
	input := writeInput(t)

	t.Run("unknown size", func(t *testing.T) {
		_, err := Open(context.Background(), &rawExecutor{}, input, OpenOptions{FPS: 10})
		assert.Error(t, err)
	})

	t.Run("frame limit", func(t *testing.T) {
		tempDir := t.TempDir()
		_, err := Open(context.Background(), &rawExecutor{frames: 5, w: 2, h: 2}, input, OpenOptions{
			SourceWidth: 2, SourceHeight: 2, FPS: 10, MaxFrames: 3, TempDir: tempDir,
		})
		assert.ErrorIs(t, err, ErrTooManyFrames)
		entries, _ := os.ReadDir(tempDir)
		assert.Empty(t, entries)
	})

	t.Run("decoder failure removes copy", func(t *testing.T) {
		tempDir := t.TempDir()
		_, err := Open(context.Background(), &rawExecutor{failErr: ffmpeg.ErrTimeout}, input, OpenOptions{
			SourceWidth: 2, SourceHeight: 2, FPS: 10, TempDir: tempDir,
		})
		assert.ErrorIs(t, err, ffmpeg.ErrTimeout)
		entries, _ := os.ReadDir(tempDir)
		assert.Empty(t, entries)
	})

	t.Run("empty window", func(t *testing.T) {
		_, err := Open(context.Background(), &rawExecutor{w: 2, h: 2}, input, OpenOptions{
			SourceWidth: 2, SourceHeight: 2, FPS: 10, TempDir: t.TempDir(),
		})
		assert.ErrorIs(t, err, ErrNoFrames)
	})
}

func TestRender(t *testing.T) {
	input := writeInput(t)
	tempDir := t.TempDir()
	output := filepath.Join(t.TempDir(), "out.gif")

	p := models.DefaultConversionParams()
	p.Width = 8
	p.FPS = 10
	p.Boomerang = true
	p.Grayscale = true
	p.HighQuality = true

	exec := &rawExecutor{frames: 3, w: 16, h: 8}
	err := Render(context.Background(), exec, input, output, p, OpenOptions{
		FFmpegPath: "ffmpeg", SourceWidth: 16, SourceHeight: 8, TempDir: tempDir,
	})
	require.NoError(t, err)

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := gif.DecodeAll(f)
	require.NoError(t, err)
	assert.Len(t, decoded.Image, 6)
	assert.Equal(t, 8, decoded.Config.Width)

	entries, _ := os.ReadDir(tempDir)
	assert.Empty(t, entries, "no temp copy or palette left behind")
}

func TestRender_FailureLeavesNoOutput(t *testing.T) {
	input := writeInput(t)
	output := filepath.Join(t.TempDir(), "out.gif")

	p := models.DefaultConversionParams()
	p.Reverse = true
	err := Render(context.Background(), &rawExecutor{failErr: ffmpeg.ErrTimeout}, input, output, p, OpenOptions{
		SourceWidth: 2, SourceHeight: 2, TempDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.NoFileExists(t, output)
}
