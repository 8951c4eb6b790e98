// Package thumbnail renders fixed-size letterboxed previews from an asset's
// first frame.
package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// Default output geometry and quality.
const (
	DefaultWidth   = 320
	DefaultHeight  = 568
	DefaultQuality = 85
)

// Geometry returns where a srcW×srcH frame lands on a dstW×dstH canvas.
// A frame relatively wider than the canvas is scaled to the full width and
// centred vertically; otherwise it is scaled to the full height and centred
// horizontally. Integer arithmetic keeps the placement exact.
func Geometry(srcW, srcH, dstW, dstH int) image.Rectangle {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return image.Rectangle{}
	}
	if srcW*dstH > dstW*srcH {
		h := dstW * srcH / srcW
		y := (dstH - h) / 2
		return image.Rect(0, y, dstW, y+h)
	}
	w := dstH * srcW / srcH
	x := (dstW - w) / 2
	return image.Rect(x, 0, x+w, dstH)
}

// Letterbox scales frame into a w×h black canvas using Catmull-Rom
// resampling.
func Letterbox(frame image.Image, w, h int) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	src := frame.Bounds()
	dst := Geometry(src.Dx(), src.Dy(), w, h)
	if dst.Empty() {
		return canvas
	}
	draw.CatmullRom.Scale(canvas, dst, frame, src, draw.Src, nil)
	return canvas
}

// Encode writes img as a JPEG with the given quality.
func Encode(w io.Writer, img image.Image, quality int) error {
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return nil
}

// FrameSource yields the first decodable frame of an asset.
type FrameSource interface {
	FirstFrame(ctx context.Context, assetPath string) (image.Image, error)
}

// Generator produces thumbnail files for assets.
type Generator struct {
	frames  FrameSource
	width   int
	height  int
	quality int
}

// Config tunes thumbnail output.
type Config struct {
	Width      int    `mapstructure:"width"`
	Height     int    `mapstructure:"height"`
	Quality    int    `mapstructure:"quality"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`
}

// NewGenerator builds a Generator. Zero values in cfg take the defaults.
func NewGenerator(frames FrameSource, cfg Config) *Generator {
	g := &Generator{frames: frames, width: cfg.Width, height: cfg.Height, quality: cfg.Quality}
	if g.width <= 0 {
		g.width = DefaultWidth
	}
	if g.height <= 0 {
		g.height = DefaultHeight
	}
	if g.quality <= 0 || g.quality > 100 {
		g.quality = DefaultQuality
	}
	return g
}

// Generate writes the letterboxed preview of assetPath to thumbPath. The
// file is written to a temporary sibling and renamed into place.
func (g *Generator) Generate(ctx context.Context, assetPath, thumbPath string) error {
	frame, err := g.frames.FirstFrame(ctx, assetPath)
	if err != nil {
		return fmt.Errorf("first frame %s: %w", assetPath, err)
	}
	img := Letterbox(frame, g.width, g.height)

	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(thumbPath), ".thumb-*")
	if err != nil {
		return fmt.Errorf("create temp thumbnail: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, img, g.quality); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp thumbnail: %w", err)
	}
	if err := os.Rename(tmp.Name(), thumbPath); err != nil {
		return fmt.Errorf("rename thumbnail: %w", err)
	}
	return nil
}
