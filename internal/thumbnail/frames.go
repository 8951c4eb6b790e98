package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // still-image decoders
	_ "image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var stillExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// FFmpegFrames extracts first frames with ffmpeg. Still images are decoded
// directly.
type FFmpegFrames struct {
	Binary string
}

// NewFFmpegFrames returns a frame source using the given ffmpeg binary.
func NewFFmpegFrames(binary string) *FFmpegFrames {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegFrames{Binary: binary}
}

// FirstFrame implements FrameSource.
func (f *FFmpegFrames) FirstFrame(ctx context.Context, assetPath string) (image.Image, error) {
	if stillExtensions[strings.ToLower(filepath.Ext(assetPath))] {
		return decodeFile(assetPath)
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", assetPath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Binary, args...) //nolint:gosec
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg first frame: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode ffmpeg frame: %w", err)
	}
	return img, nil
}

func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer func() { _ = file.Close() }()
	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
