package codec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scannerops/callwatch/pkg/logger"
)

// Converter transcodes recorded call audio to MP3 with ffmpeg so messaging
// channels that reject raw scanner formats can play it.
type Converter struct {
	ffmpegPath string
	logger     *logger.Logger
}

// NewConverter creates a converter using the given ffmpeg binary.
func NewConverter(ffmpegPath string, log *logger.Logger) *Converter {
	return &Converter{
		ffmpegPath: ffmpegPath,
		logger:     log.Named("codec"),
	}
}

// Convert transcodes the file and returns the output path. Files already in
// MP3 pass through untouched. The output lands next to the input with an
// .mp3 extension.
func (c *Converter) Convert(ctx context.Context, path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return path, nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("audio file not accessible: %w", err)
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".mp3"
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-y",
		"-i", path,
		"-codec:a", "libmp3lame",
		"-qscale:a", "4",
		out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		c.logger.Warn("ffmpeg conversion failed",
			logger.String("input", path),
			logger.String("output", strings.TrimSpace(string(output))),
			logger.Error(err),
		)
		return "", fmt.Errorf("ffmpeg conversion failed: %w", err)
	}

	c.logger.Debug("Converted audio file",
		logger.String("input", path),
		logger.String("result", out),
	)
	return out, nil
}
