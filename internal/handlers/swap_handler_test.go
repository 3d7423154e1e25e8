package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
)

const testPromptID = "prompt-t1"

var happyPathFrames = []string{
	`{"type":"executing","data":{"prompt_id":"prompt-t1","node":"8"}}`,
	`{"type":"progress","data":{"prompt_id":"prompt-t1","value":5,"max":10}}`,
	`{"type":"progress","data":{"prompt_id":"prompt-t1","value":10,"max":10}}`,
	`{"type":"executing","data":{"prompt_id":"prompt-t1","node":null}}`,
}

func newSwapTestServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	engine := startStubEngine(t, testPromptID, frames)
	service, _ := newTestService(t, engine)
	logger := arbor.NewLogger()

	mux := http.NewServeMux()
	swap := NewSwapHandler(service, logger)
	status := NewStatusHandler(service, logger)
	mux.HandleFunc("/api/swap", swap.SubmitHandler)
	mux.HandleFunc("/api/swap/", swap.EventsHandler)
	mux.HandleFunc("/api/status/", status.GetStatusHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// readSSEEvents collects event names from an SSE stream until it closes
func readSSEEvents(t *testing.T, body *bufio.Scanner) []string {
	t.Helper()
	var names []string
	for body.Scan() {
		line := body.Text()
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

func TestSwapHandler_SSEStream(t *testing.T) {
	srv := newSwapTestServer(t, happyPathFrames)
	video, image := writeInputFixtures(t)

	payload, _ := json.Marshal(map[string]string{
		"video_path":  video,
		"image_path":  image,
		"output_name": "swap_test",
	})

	resp, err := http.Post(srv.URL+"/api/swap", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := readSSEEvents(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, names)
	assert.Equal(t, "queued", names[0], "stream must open with the queued event")
	assert.Contains(t, names, "executing")
	assert.Contains(t, names, "progress")
	assert.Equal(t, "completed", names[len(names)-1], "stream must end with the terminal event")
}

func TestSwapHandler_AsyncSubmitAndPoll(t *testing.T) {
	srv := newSwapTestServer(t, happyPathFrames)
	video, image := writeInputFixtures(t)

	payload, _ := json.Marshal(map[string]string{
		"video_path":  video,
		"image_path":  image,
		"output_name": "swap_async",
	})

	resp, err := http.Post(srv.URL+"/api/swap?async=true", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, testPromptID, accepted["job_token"])
	assert.Equal(t, string(models.JobStatusQueued), accepted["status"])
	assert.Equal(t, "/api/status/"+testPromptID, accepted["status_url"])

	// Poll until the background monitor finishes the job
	deadline := time.Now().Add(5 * time.Second)
	var job models.Job
	for {
		require.True(t, time.Now().Before(deadline), "job did not reach a terminal state in time")

		pollResp, err := http.Get(srv.URL + accepted["status_url"])
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, pollResp.StatusCode)
		require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&job))
		pollResp.Body.Close()

		if job.Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, models.JobStatusSuccess, job.Status)
	assert.Equal(t, 100, job.Progress.Percentage)
	require.NotNil(t, job.Result)
	assert.Equal(t, "swap_async.mp4", job.Result.Filename)
	assert.Equal(t, "/api/download/swap_async.mp4", job.Result.DownloadRef)
}

func TestSwapHandler_UpstreamFailureMarksJobFailed(t *testing.T) {
	frames := []string{
		`{"type":"executing","data":{"prompt_id":"prompt-t1","node":"8"}}`,
		`{"type":"status","data":{"prompt_id":"prompt-t1","status":"cancelled"}}`,
	}
	srv := newSwapTestServer(t, frames)
	video, image := writeInputFixtures(t)

	payload, _ := json.Marshal(map[string]string{"video_path": video, "image_path": image})

	resp, err := http.Post(srv.URL+"/api/swap", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	names := readSSEEvents(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, names)
	assert.Equal(t, "error", names[len(names)-1])
}

func TestSwapHandler_InvalidSubmissions(t *testing.T) {
	srv := newSwapTestServer(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed json", `{not json`, http.StatusBadRequest},
		{"missing inputs", `{}`, http.StatusBadRequest},
		{"both url and path", fmt.Sprintf(`{"video_url":"http://example.com/a.mp4","video_path":"/tmp/a.mp4","image_path":"/tmp/b.png"}`), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/swap", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestSwapHandler_EventsAfterJobFinished(t *testing.T) {
	srv := newSwapTestServer(t, happyPathFrames)
	video, image := writeInputFixtures(t)

	payload, _ := json.Marshal(map[string]string{
		"video_path":  video,
		"image_path":  image,
		"output_name": "swap_late",
	})

	resp, err := http.Post(srv.URL+"/api/swap?async=true", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	// Wait for the background monitor to finish the job
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "job did not reach a terminal state in time")

		pollResp, err := http.Get(srv.URL + accepted["status_url"])
		require.NoError(t, err)
		var job models.Job
		require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&job))
		pollResp.Body.Close()
		if job.Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Attaching after termination must terminate the stream with the final
	// event, never hang
	eventsResp, err := http.Get(srv.URL + "/api/swap/" + accepted["job_token"] + "/events")
	require.NoError(t, err)
	defer eventsResp.Body.Close()

	names := readSSEEvents(t, bufio.NewScanner(eventsResp.Body))
	require.NotEmpty(t, names)
	assert.Equal(t, "completed", names[len(names)-1])
}

func TestSwapHandler_EventsForUnknownJob(t *testing.T) {
	srv := newSwapTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/swap/unknown-token/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
