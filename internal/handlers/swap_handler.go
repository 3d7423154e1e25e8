package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/models"
	"github.com/ternarybob/visage/internal/relay"
)

// SwapHandler serves the face-swap submission endpoints: the SSE push
// stream, the async variant, and re-attaching to a running job's stream.
type SwapHandler struct {
	service *relay.Service
	logger  arbor.ILogger
}

// NewSwapHandler creates a new swap handler
func NewSwapHandler(service *relay.Service, logger arbor.ILogger) *SwapHandler {
	return &SwapHandler{
		service: service,
		logger:  logger,
	}
}

// SubmitHandler handles POST /api/swap. Default behavior submits the job
// and streams its progress events over SSE until the terminal event. With
// ?async=true it returns the job token immediately and monitoring continues
// in the background.
func (h *SwapHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req relay.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	async := r.URL.Query().Get("async") == "true"

	job, sub, err := h.service.Submit(r.Context(), &req, !async)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Submission failed")
		status := http.StatusBadGateway
		if strings.Contains(err.Error(), "invalid submission") {
			status = http.StatusBadRequest
		}
		WriteError(w, status, err.Error())
		return
	}

	if async {
		WriteJSON(w, http.StatusAccepted, map[string]string{
			"job_token":     job.Token,
			"status":        string(job.Status),
			"status_url":    "/api/status/" + job.Token,
			"output_prefix": job.OutputPrefix,
		})
		return
	}

	h.stream(w, r, job.Token, sub)
}

// EventsHandler handles GET /api/swap/{token}/events, attaching an SSE
// subscriber to an already running job
func (h *SwapHandler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/swap/")
	token := strings.TrimSuffix(path, "/events")
	if token == "" || token == path {
		WriteError(w, http.StatusBadRequest, "job token is required")
		return
	}

	// Attach before reading the snapshot: a job finishing right now either
	// shows as terminal below (replayed) or publishes its terminal event to
	// the already-attached subscriber. Checking first would leave a window
	// where the stream never ends.
	sub := h.service.Fanout().Attach(token)

	job, err := h.service.Registry().Get(r.Context(), token)
	if err != nil {
		h.service.Fanout().Detach(token, sub)
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}

	// Terminal jobs get their final event replayed from the snapshot
	if job.Status.IsTerminal() {
		h.service.Fanout().Detach(token, sub)
		h.replayTerminal(w, job)
		return
	}

	h.stream(w, r, token, sub)
}

// replayTerminal writes the final event of a finished job as a one-event
// SSE stream
func (h *SwapHandler) replayTerminal(w http.ResponseWriter, job *models.Job) {
	sse, err := newSSEWriter(w)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	event := terminalEventFor(job)
	sse.sendEvent(string(event.Type), event)
}

// stream relays subscriber events as SSE until the stream closes or the
// client goes away
func (h *SwapHandler) stream(w http.ResponseWriter, r *http.Request, token string, sub *relay.Subscriber) {
	sse, err := newSSEWriter(w)
	if err != nil {
		h.service.Fanout().Detach(token, sub)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	defer h.service.Fanout().Detach(token, sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.sendEvent(string(event.Type), event); err != nil {
				return
			}
		}
	}
}

// terminalEventFor rebuilds the terminal event of a finished job
func terminalEventFor(job *models.Job) *models.ProgressEvent {
	if job.Status == models.JobStatusSuccess && job.Result != nil {
		return models.NewCompletedEvent(job.Token, job.Result.Filename, job.Result.DownloadRef)
	}
	return models.NewErrorEvent(job.Token, job.Error)
}
