// Package media wraps ffmpeg for seek thumbnails and HLS transcode
// sessions. Both are bounded by small fixed-size pools.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tongki078/nasvideo/internal/logger"
)

const (
	thumbnailTimeout = 15 * time.Second
	thumbnailWorkers = 4
)

// ThumbnailGenerator extracts single frames from video files.
type ThumbnailGenerator struct {
	dir string
	sem chan struct{}
	log *logger.Logger
}

// NewThumbnailGenerator creates a generator writing JPEGs under dir.
func NewThumbnailGenerator(dir string, log *logger.Logger) (*ThumbnailGenerator, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
	}
	return &ThumbnailGenerator{
		dir: dir,
		sem: make(chan struct{}, thumbnailWorkers),
		log: log.WithComponent("thumbnail"),
	}, nil
}

// Generate extracts a frame at seconds, scaled to width, and returns the
// cached JPEG path. Existing files are reused.
func (g *ThumbnailGenerator) Generate(ctx context.Context, episodeID, realPath string, seconds, width int) (string, error) {
	out := filepath.Join(g.dir, fmt.Sprintf("seek_%s_%d_%d.jpg", episodeID, seconds, width))
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", strconv.Itoa(seconds),
		"-i", realPath,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:-1", width),
		"-q:v", "4",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		g.log.Warn().Err(err).Str("path", realPath).Bytes("output", tail(output)).Msg("thumbnail extraction failed")
		return "", fmt.Errorf("ffmpeg failed: %w", err)
	}
	return out, nil
}

func tail(b []byte) []byte {
	const keep = 400
	if len(b) > keep {
		return b[len(b)-keep:]
	}
	return b
}
