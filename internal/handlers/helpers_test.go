package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/comfy"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/events"
	"github.com/ternarybob/visage/internal/relay"
)

const testWorkflow = `{
	"8": {"class_type": "VHS_LoadVideo", "inputs": {"video": "x.mp4"}, "_meta": {"title": "Load Video"}},
	"9": {"class_type": "VHS_VideoCombine", "inputs": {"filename_prefix": "x"}, "_meta": {"title": "Video Combine"}},
	"10": {"class_type": "LoadImage", "inputs": {"image": "x.png"}, "_meta": {"title": "Load Face"}}
}`

// startStubEngine runs a fake upstream engine: prompt queueing, uploads, the
// progress feed, history, and artifact download
func startStubEngine(t *testing.T, promptID string, frames []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": promptID})
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			promptID: map[string]interface{}{
				"outputs": map[string]interface{}{
					"9": map[string]interface{}{
						"gifs": []map[string]string{{"filename": promptID + "_00001.mp4"}},
					},
				},
			},
		})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestService wires a relay service against the given stub engine
func newTestService(t *testing.T, engine *httptest.Server) (*relay.Service, *common.ComfyConfig) {
	t.Helper()
	logger := arbor.NewLogger()

	workflowPath := filepath.Join(t.TempDir(), "faceswap.json")
	require.NoError(t, os.WriteFile(workflowPath, []byte(testWorkflow), 0644))

	cfg := &common.ComfyConfig{
		Address:          strings.TrimPrefix(engine.URL, "http://"),
		WorkflowPath:     workflowPath,
		DownloadsDir:     t.TempDir(),
		ConnectTimeout:   "2s",
		PingInterval:     "1s",
		PingTimeout:      "1s",
		ReadTimeout:      "100ms",
		IdleLimit:        20,
		MaxRetries:       2,
		RetryBaseDelay:   "10ms",
		RetryMaxDelay:    "50ms",
		RequestTimeout:   "2s",
		DownloadTimeout:  "2s",
		ResolverAttempts: 2,
		ResolverDelay:    "10ms",
	}

	workflow, err := comfy.LoadWorkflow(workflowPath)
	require.NoError(t, err)

	client := comfy.NewClient(cfg, logger)
	registry := relay.NewRegistry(nil, logger)
	fanout := relay.NewFanout(32, logger)
	resolver := relay.NewResolver(client, cfg, logger)
	eventService := events.NewService(logger)

	service := relay.NewService(client, workflow, registry, fanout, resolver, eventService, cfg, logger)
	t.Cleanup(func() { service.Close() })

	return service, cfg
}

// writeInputFixtures creates a video and image file for path-based submissions
func writeInputFixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	image := filepath.Join(dir, "face.png")
	require.NoError(t, os.WriteFile(video, []byte("fake-video"), 0644))
	require.NoError(t, os.WriteFile(image, []byte("fake-image"), 0644))
	return video, image
}
