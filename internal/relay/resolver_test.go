package relay

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/comfy"
	"github.com/ternarybob/visage/internal/common"
)

// stubArtifactSource scripts history responses per attempt
type stubArtifactSource struct {
	histories []*comfy.History
	calls     int
	downloads []string
}

func (s *stubArtifactSource) GetHistory(ctx context.Context, promptID string) (*comfy.History, error) {
	if s.calls >= len(s.histories) {
		return nil, fmt.Errorf("unexpected history call %d", s.calls)
	}
	h := s.histories[s.calls]
	s.calls++
	return h, nil
}

func (s *stubArtifactSource) DownloadArtifact(ctx context.Context, output *comfy.HistoryOutput, destDir, destName string) (string, error) {
	s.downloads = append(s.downloads, destName)
	return destDir + "/" + destName, nil
}

func resolverConfig() *common.ComfyConfig {
	return &common.ComfyConfig{
		DownloadsDir:     "downloads",
		ResolverAttempts: 3,
		ResolverDelay:    "1ms",
	}
}

func TestResolver_FindsOutputNodeVideo(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"9": {"gifs": {{Filename: "swap_xyz_00001.mp4", Subfolder: ""}}},
		}},
	}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	result, err := r.Resolve(context.Background(), "prompt-1", "swap_xyz")
	require.NoError(t, err)
	assert.Equal(t, "swap_xyz.mp4", result.Filename)
	assert.Equal(t, "/api/download/swap_xyz.mp4", result.DownloadRef)
	assert.Equal(t, []string{"swap_xyz.mp4"}, source.downloads)
}

func TestResolver_FallsBackToVideoExtensionSearch(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"12": {
				"images": {
					{Filename: "preview.png"},
					{Filename: "render_00001.mov"},
				},
			},
		}},
	}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	result, err := r.Resolve(context.Background(), "prompt-1", "out")
	require.NoError(t, err)
	assert.Equal(t, "out.mp4", result.Filename)
}

func TestResolver_MatchesVideoFormatHint(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"3": {"files": {{Filename: "clip_final", Format: "video/h264-mp4"}}},
		}},
	}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	result, err := r.Resolve(context.Background(), "prompt-1", "clip")
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", result.Filename)
}

func TestResolver_RetriesUntilHistoryAppears(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{
		nil,
		{Outputs: map[string]map[string][]comfy.HistoryOutput{}},
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"9": {"videos": {{Filename: "late.mp4"}}},
		}},
	}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	result, err := r.Resolve(context.Background(), "prompt-1", "late")
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
	assert.Equal(t, "late.mp4", result.Filename)
}

func TestResolver_BoundedAttempts(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{nil, nil, nil, nil}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	_, err := r.Resolve(context.Background(), "prompt-1", "never")
	require.Error(t, err)
	assert.ErrorIs(t, err, comfy.ErrResolution)
	assert.Equal(t, 3, source.calls, "attempts must stop at the configured bound")
}

func TestResolver_NoVideoOutput(t *testing.T) {
	source := &stubArtifactSource{histories: []*comfy.History{
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"5": {"images": {{Filename: "still.png"}}},
		}},
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"5": {"images": {{Filename: "still.png"}}},
		}},
		{Outputs: map[string]map[string][]comfy.HistoryOutput{
			"5": {"images": {{Filename: "still.png"}}},
		}},
	}}
	r := NewResolver(source, resolverConfig(), arbor.NewLogger())

	_, err := r.Resolve(context.Background(), "prompt-1", "out")
	assert.ErrorIs(t, err, comfy.ErrResolution)
}
