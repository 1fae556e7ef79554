package engine

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"

	// Decode-only format.
	_ "golang.org/x/image/webp"
)

var imageFormats = Formats{
	Input:  []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff", "tif", "webp"},
	Output: []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff"},
}

// DefaultJPEGQuality is used when no quality option is given.
const DefaultJPEGQuality = 90

// ImageEngine re-encodes still images with optional resizing. It needs no
// external tools.
type ImageEngine struct {
	quality int
	logger  *slog.Logger
}

// NewImageEngine builds an image engine. The jpeg_quality config key sets
// the default JPEG quality.
func NewImageEngine(cfg Config, deps Deps) (Engine, error) {
	quality := cfg.Int("jpeg_quality", DefaultJPEGQuality)
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", quality)
	}
	return &ImageEngine{quality: quality, logger: deps.logger(KindImage)}, nil
}

func (e *ImageEngine) Kind() Kind                    { return KindImage }
func (e *ImageEngine) Formats() Formats              { return imageFormats }
func (e *ImageEngine) Dependencies() map[string]bool { return map[string]bool{"image": true} }
func (e *ImageEngine) Available() bool               { return true }

// Convert decodes the input, resizes it when width or height options are
// given, and encodes it in the requested format. Options: width, height,
// quality.
func (e *ImageEngine) Convert(ctx context.Context, req Request) Result {
	format := strings.ToLower(req.OutputFormat)
	if format == "" {
		format = "png"
	}
	if !imageFormats.SupportsOutput(format) {
		return unsupportedOutput(KindImage, format, imageFormats)
	}

	width, err := req.intOption("width", 0)
	if err != nil {
		return Failed(ErrorClassValidation, false, "invalid parameters: %v", err)
	}
	height, err := req.intOption("height", 0)
	if err != nil {
		return Failed(ErrorClassValidation, false, "invalid parameters: %v", err)
	}
	quality, err := req.intOption("quality", e.quality)
	if err != nil || quality < 1 || quality > 100 {
		return Failed(ErrorClassValidation, false, "invalid parameters: quality must be between 1 and 100")
	}
	if width < 0 || height < 0 {
		return Failed(ErrorClassValidation, false, "invalid parameters: width and height must not be negative")
	}
	req.progress(10, "image engine ready")

	in, err := os.Open(req.InputPath)
	if err != nil {
		return FailedFrom("opening input", err)
	}
	defer in.Close()

	img, srcFormat, err := image.Decode(in)
	if err != nil {
		return Failed(ErrorClassTranscoder, false, "decoding image: %v", err)
	}
	src := img.Bounds()
	req.progress(30, fmt.Sprintf("decoded %s %dx%d", srcFormat, src.Dx(), src.Dy()))

	if ctx.Err() != nil {
		return FailedFrom("converting image", ctx.Err())
	}

	if w, h := fitSize(src.Dx(), src.Dy(), width, height); w != src.Dx() || h != src.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Over, nil)
		img = dst
	}
	req.progress(60, "image prepared")

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return FailedFrom("creating output directory", err)
	}
	out, err := os.Create(req.OutputPath)
	if err != nil {
		return FailedFrom("creating output", err)
	}
	err = encodeImage(out, img, format, quality)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(req.OutputPath)
		return FailedFrom("encoding image", err)
	}
	req.progress(90, "image encoded")

	size := int64(0)
	if st, err := os.Stat(req.OutputPath); err == nil {
		size = st.Size()
	}
	b := img.Bounds()
	e.logger.Debug("image converted",
		slog.String("from", srcFormat),
		slog.String("to", format),
		slog.Int64("size", size))
	return Succeeded(req.OutputPath, map[string]any{
		"input_info":  map[string]any{"format": srcFormat, "width": src.Dx(), "height": src.Dy()},
		"output_info": map[string]any{"format": format, "width": b.Dx(), "height": b.Dy(), "size": size},
	})
}

// fitSize returns the target size. With only one dimension given the other
// follows the aspect ratio.
func fitSize(srcW, srcH, width, height int) (int, int) {
	switch {
	case width > 0 && height > 0:
		return width, height
	case width > 0:
		return width, max(1, int(math.Round(float64(srcH)*float64(width)/float64(srcW))))
	case height > 0:
		return max(1, int(math.Round(float64(srcW)*float64(height)/float64(srcH)))), height
	default:
		return srcW, srcH
	}
}

func encodeImage(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case "png":
		return png.Encode(w, img)
	case "jpg", "jpeg":
		return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: quality})
	case "gif":
		return gif.Encode(w, img, &gif.Options{NumColors: 256, Drawer: draw.FloydSteinberg})
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("no encoder for %s", format)
	}
}

// flatten composites transparent images onto white, since JPEG has no alpha.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); !ok || o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
