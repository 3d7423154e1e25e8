package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/comfy"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/models"
)

// ArtifactSource is the slice of the upstream client the resolver needs
type ArtifactSource interface {
	GetHistory(ctx context.Context, promptID string) (*comfy.History, error)
	DownloadArtifact(ctx context.Context, output *comfy.HistoryOutput, destDir, destName string) (string, error)
}

// videoExtensions identifies video artifacts when the history entry carries
// no format hint
var videoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

// Resolver locates the artifact of a completed job in the upstream history
// and downloads it locally. Resolution runs once per job with a bounded
// number of attempts; the history entry can lag completion by a moment.
type Resolver struct {
	source       ArtifactSource
	downloadsDir string
	attempts     int
	delay        time.Duration
	logger       arbor.ILogger
}

// NewResolver creates a resolver writing artifacts into cfg.DownloadsDir
func NewResolver(source ArtifactSource, cfg *common.ComfyConfig, logger arbor.ILogger) *Resolver {
	attempts := cfg.ResolverAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Resolver{
		source:       source,
		downloadsDir: cfg.DownloadsDir,
		attempts:     attempts,
		delay:        common.Duration(cfg.ResolverDelay, 2*time.Second),
		logger:       logger,
	}
}

// Resolve finds and downloads the video a completed job produced. The local
// file is named <outputPrefix>.mp4 and the download ref points at the
// service's own download endpoint.
func (r *Resolver) Resolve(ctx context.Context, token, outputPrefix string) (*models.JobResult, error) {
	var lastErr error

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", comfy.ErrResolution, ctx.Err())
			case <-time.After(r.delay):
			}
		}

		result, err := r.resolveOnce(ctx, token, outputPrefix)
		if err == nil {
			return result, nil
		}
		lastErr = err
		r.logger.Debug().Err(err).Str("job_token", token).Int("attempt", attempt+1).
			Msg("Artifact resolution attempt failed")
	}

	return nil, fmt.Errorf("%w: %v", comfy.ErrResolution, lastErr)
}

func (r *Resolver) resolveOnce(ctx context.Context, token, outputPrefix string) (*models.JobResult, error) {
	history, err := r.source.GetHistory(ctx, token)
	if err != nil {
		return nil, err
	}
	if history == nil || len(history.Outputs) == 0 {
		return nil, fmt.Errorf("no outputs present in history")
	}

	output := findVideoOutput(history)
	if output == nil {
		return nil, fmt.Errorf("no video output found in history")
	}
	if output.Filename == "" {
		return nil, fmt.Errorf("filename missing in video output")
	}

	localName := outputPrefix + ".mp4"
	if _, err := r.source.DownloadArtifact(ctx, output, r.downloadsDir, localName); err != nil {
		return nil, err
	}

	r.logger.Info().Str("job_token", token).Str("filename", localName).Msg("Artifact resolved")

	return &models.JobResult{
		Filename:    localName,
		DownloadRef: "/api/download/" + localName,
	}, nil
}

// findVideoOutput picks the produced video: the output node's entries first,
// then any entry across nodes that looks like a video
func findVideoOutput(history *comfy.History) *comfy.HistoryOutput {
	if node, ok := history.Outputs["9"]; ok {
		for _, kind := range []string{"gifs", "videos", "images"} {
			if entries := node[kind]; len(entries) > 0 {
				return &entries[0]
			}
		}
	}

	for _, node := range history.Outputs {
		for _, entries := range node {
			for i := range entries {
				if isVideo(&entries[i]) {
					return &entries[i]
				}
			}
		}
	}
	return nil
}

func isVideo(output *comfy.HistoryOutput) bool {
	if strings.HasPrefix(output.Format, "video/") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(output.Filename))
	for _, v := range videoExtensions {
		if ext == v {
			return true
		}
	}
	return false
}
