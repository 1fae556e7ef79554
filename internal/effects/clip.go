// Package effects renders animations that a linear ffmpeg filter chain cannot
// express. Frames are decoded into memory, rearranged, and encoded to GIF.
package effects

import (
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"time"

	"golang.org/x/image/draw"
)

// Temp copy removal policy.
var (
	removeAttempts   = 3
	removeRetryDelay = 500 * time.Millisecond
)

// Clip is an in-memory sequence of equally sized frames.
type Clip struct {
	Frames []*image.RGBA

	gray     bool
	tempPath string
	logger   *slog.Logger
}

// NewClip wraps already decoded frames.
func NewClip(frames []*image.RGBA) *Clip {
	return &Clip{Frames: frames, logger: slog.Default()}
}

// Len returns the number of frames.
func (c *Clip) Len() int {
	return len(c.Frames)
}

// Bounds returns the frame size, or an empty rectangle for an empty clip.
func (c *Clip) Bounds() image.Rectangle {
	if len(c.Frames) == 0 {
		return image.Rectangle{}
	}
	return c.Frames[0].Bounds()
}

// TimeMirror reverses the frame order.
func (c *Clip) TimeMirror() *Clip {
	slices.Reverse(c.Frames)
	return c
}

// Boomerang plays the clip forward and then backward.
func (c *Clip) Boomerang() *Clip {
	backward := slices.Clone(c.Frames)
	slices.Reverse(backward)
	c.Frames = append(c.Frames, backward...)
	return c
}

// Speed resamples the clip so it plays factor times faster at the same frame
// rate. Factors below 1 repeat frames.
func (c *Clip) Speed(factor float64) *Clip {
	if factor <= 0 || factor == 1 || len(c.Frames) == 0 {
		return c
	}
	n := max(1, int(math.Round(float64(len(c.Frames))/factor)))
	out := make([]*image.RGBA, 0, n)
	for i := range n {
		src := min(int(float64(i)*factor), len(c.Frames)-1)
		out = append(out, c.Frames[src])
	}
	c.Frames = out
	return c
}

// Grayscale converts every frame to luminance.
func (c *Clip) Grayscale() *Clip {
	seen := make(map[*image.RGBA]bool, len(c.Frames))
	for _, f := range c.Frames {
		// Boomerang and Speed share frame pointers.
		if seen[f] {
			continue
		}
		seen[f] = true
		for i := 0; i+3 < len(f.Pix); i += 4 {
			y := color.GrayModel.Convert(color.RGBA{R: f.Pix[i], G: f.Pix[i+1], B: f.Pix[i+2], A: 255}).(color.Gray).Y
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = y, y, y
		}
	}
	c.gray = true
	return c
}

// Resize scales every frame to width, keeping the aspect ratio.
func (c *Clip) Resize(width int) *Clip {
	if width <= 0 || len(c.Frames) == 0 || c.Bounds().Dx() == width {
		return c
	}
	scaled := make(map[*image.RGBA]*image.RGBA, len(c.Frames))
	for i, f := range c.Frames {
		if s, ok := scaled[f]; ok {
			c.Frames[i] = s
			continue
		}
		s := resizeFrame(f, width)
		scaled[f] = s
		c.Frames[i] = s
	}
	return c
}

func resizeFrame(src *image.RGBA, width int) *image.RGBA {
	b := src.Bounds()
	height := max(1, int(math.Round(float64(b.Dy())*float64(width)/float64(b.Dx()))))
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// WriteGIF encodes the clip as a looping GIF with a per-frame delay of
// 100/fps hundredths of a second.
func (c *Clip) WriteGIF(w io.Writer, fps int) error {
	if len(c.Frames) == 0 {
		return fmt.Errorf("encoding gif: clip has no frames")
	}
	if fps <= 0 {
		return fmt.Errorf("encoding gif: invalid frame rate %d", fps)
	}
	delays := frameDelays(len(c.Frames), fps)

	pal := color.Palette(palette.Plan9)
	if c.gray {
		pal = grayPalette()
	}

	anim := &gif.GIF{
		Image: make([]*image.Paletted, 0, len(c.Frames)),
		Delay: make([]int, 0, len(c.Frames)),
	}
	converted := make(map[*image.RGBA]*image.Paletted, len(c.Frames))
	for i, f := range c.Frames {
		p, ok := converted[f]
		if !ok {
			p = image.NewPaletted(f.Bounds(), pal)
			draw.Draw(p, p.Bounds(), f, f.Bounds().Min, draw.Src)
			converted[f] = p
		}
		anim.Image = append(anim.Image, p)
		anim.Delay = append(anim.Delay, delays[i])
	}

	if err := gif.EncodeAll(w, anim); err != nil {
		return fmt.Errorf("encoding gif: %w", err)
	}
	return nil
}

// frameDelays spreads n frames at fps over the GIF centisecond clock so the
// total running time tracks n/fps instead of truncating every frame.
func frameDelays(n, fps int) []int {
	delays := make([]int, n)
	for i := range delays {
		delays[i] = max(1, (i+1)*100/fps-i*100/fps)
	}
	return delays
}

func grayPalette() color.Palette {
	pal := make(color.Palette, 256)
	for i := range pal {
		pal[i] = color.Gray{Y: uint8(i)}
	}
	return pal
}

// Close releases the frames and removes the private copy of the input. It
// is safe to call more than once.
func (c *Clip) Close() error {
	c.Frames = nil
	if c.tempPath == "" {
		return nil
	}
	path := c.tempPath
	c.tempPath = ""

	var err error
	for attempt := 1; attempt <= removeAttempts; attempt++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		c.logger.Debug("temp copy removal failed",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < removeAttempts {
			time.Sleep(removeRetryDelay)
		}
	}
	return fmt.Errorf("removing temp copy %s: %w", path, err)
}
