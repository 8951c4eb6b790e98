package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/JakeFAU/clipvault/internal/media"
)

// Placeholders substituted into command arguments.
const (
	PlaceholderURL    = "{url}"
	PlaceholderOutput = "{output}"
)

// CommandConfig describes an external downloader invocation, e.g.
// ["yt-dlp", "--quiet", "-o", "{output}", "{url}"].
type CommandConfig struct {
	Args []string `mapstructure:"args"`
}

// CommandFetcher runs an external downloader per asset.
type CommandFetcher struct {
	args    []string
	limiter Limiter
}

// NewCommand validates cfg and builds a CommandFetcher.
func NewCommand(cfg CommandConfig, limiter Limiter) (*CommandFetcher, error) {
	if len(cfg.Args) == 0 {
		return nil, errors.New("downloader command is required")
	}
	joined := strings.Join(cfg.Args, " ")
	if !strings.Contains(joined, PlaceholderURL) || !strings.Contains(joined, PlaceholderOutput) {
		return nil, fmt.Errorf("downloader command must reference %s and %s", PlaceholderURL, PlaceholderOutput)
	}
	return &CommandFetcher{args: append([]string(nil), cfg.Args...), limiter: limiter}, nil
}

// FetchAsset runs the downloader and checks that it produced targetPath.
func (f *CommandFetcher) FetchAsset(ctx context.Context, sourceURL, targetPath string) error {
	if f.limiter != nil {
		if err := f.limiter.WaitURL(ctx, sourceURL); err != nil {
			return err
		}
	}
	args := Expand(f.args, sourceURL, targetPath)
	// #nosec G204 -- the binary and arguments come from operator configuration.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return media.Transient("run downloader", fmt.Errorf("%w: %s", err, msg))
	}
	info, err := os.Stat(targetPath)
	if err != nil {
		return media.Transient("run downloader", fmt.Errorf("no output: %w", err))
	}
	if info.Size() == 0 {
		return media.Transient("run downloader", ErrEmptyAsset)
	}
	return nil
}

// Expand substitutes the URL and output placeholders in args.
func Expand(args []string, sourceURL, targetPath string) []string {
	out := make([]string, len(args))
	r := strings.NewReplacer(PlaceholderURL, sourceURL, PlaceholderOutput, targetPath)
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
