package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/comfy"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/events"
	"github.com/ternarybob/visage/internal/models"
)

// SubmitRequest is the submission payload. Each input is given either as a
// URL to download or as a local path; exactly one per input is required.
type SubmitRequest struct {
	VideoURL   string `json:"video_url" validate:"required_without=VideoPath,omitempty,url"`
	VideoPath  string `json:"video_path" validate:"required_without=VideoURL,excluded_with=VideoURL"`
	ImageURL   string `json:"image_url" validate:"required_without=ImagePath,omitempty,url"`
	ImagePath  string `json:"image_path" validate:"required_without=ImageURL,excluded_with=ImageURL"`
	OutputName string `json:"output_name" validate:"omitempty,max=128"`
}

// Service runs the submission pipeline and the per-job monitor loops. It is
// the only writer of the registry and the only publisher of the fan-out.
type Service struct {
	client   *comfy.Client
	workflow *comfy.Workflow
	registry *Registry
	fanout   *Fanout
	resolver *Resolver
	events   *events.Service
	cfg      *common.ComfyConfig
	validate *validator.Validate
	logger   arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the relay pipeline together
func NewService(client *comfy.Client, workflow *comfy.Workflow, registry *Registry, fanout *Fanout,
	resolver *Resolver, eventService *events.Service, cfg *common.ComfyConfig, logger arbor.ILogger) *Service {

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		client:   client,
		workflow: workflow,
		registry: registry,
		fanout:   fanout,
		resolver: resolver,
		events:   eventService,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the job registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Fanout returns the fan-out hub
func (s *Service) Fanout() *Fanout {
	return s.fanout
}

// Submit validates the request, stages both inputs upstream, queues the
// patched workflow, registers the job, and starts its monitor loop. When
// attach is true a subscriber is attached before the first event is
// published, so the caller sees the stream from queued onward.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest, attach bool) (*models.Job, *Subscriber, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("invalid submission: %w", err)
	}

	videoContent, videoName, err := s.stageInput(ctx, req.VideoURL, req.VideoPath, ".mp4")
	if err != nil {
		return nil, nil, fmt.Errorf("video input: %w", err)
	}
	imageContent, imageName, err := s.stageInput(ctx, req.ImageURL, req.ImagePath, ".png")
	if err != nil {
		return nil, nil, fmt.Errorf("image input: %w", err)
	}

	if err := s.client.UploadInput(ctx, videoContent, videoName); err != nil {
		return nil, nil, err
	}
	if err := s.client.UploadInput(ctx, imageContent, imageName); err != nil {
		return nil, nil, err
	}

	outputPrefix := req.OutputName
	if outputPrefix == "" {
		outputPrefix = common.NewOutputPrefix()
	}

	patched, err := s.workflow.Patch(videoName, imageName, outputPrefix)
	if err != nil {
		return nil, nil, err
	}

	clientID := common.NewClientID()
	token, err := s.client.QueuePrompt(ctx, patched, clientID)
	if err != nil {
		return nil, nil, err
	}

	job, err := s.registry.Create(ctx, token, outputPrefix)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().Str("job_token", token).Str("output_prefix", outputPrefix).Msg("Job queued")

	var sub *Subscriber
	if attach {
		sub = s.fanout.Attach(token)
	}
	s.publish(token, models.NewQueuedEvent(token), job)

	s.wg.Add(1)
	go s.monitor(token, clientID)

	return job, sub, nil
}

// stageInput loads input media from a URL or local path and names it for
// upload. defaultExt covers sources whose name has no usable extension.
func (s *Service) stageInput(ctx context.Context, rawURL, path, defaultExt string) ([]byte, string, error) {
	var content []byte
	var source string
	var err error

	switch {
	case rawURL != "":
		source = rawURL
		content, err = s.client.FetchURL(ctx, rawURL)
	case path != "":
		source = path
		content, err = os.ReadFile(path)
	default:
		return nil, "", fmt.Errorf("no source given")
	}
	if err != nil {
		return nil, "", err
	}

	name := common.NewInputFilename(source)
	if filepath.Ext(name) == "" {
		name += defaultExt
	}
	return content, name, nil
}

// monitor owns one job's control link: receive, normalize, apply, fan out.
// Runs until a terminal event, an unrecoverable link error, or shutdown.
func (s *Service) monitor(token, clientID string) {
	defer s.wg.Done()

	link := comfy.NewLink(s.client.WebSocketURL(clientID), s.cfg, s.logger)
	defer link.Close()

	if err := link.Connect(s.ctx); err != nil {
		s.fail(token, fmt.Sprintf("upstream connection failed: %v", err))
		return
	}

	// Unblock the read loop on shutdown
	stop := context.AfterFunc(s.ctx, func() { link.Close() })
	defer stop()

	normalizer := comfy.NewNormalizer(token, s.workflow.NodeTitles(), s.logger)

	for {
		raw, err := link.Receive(s.ctx)
		if err != nil {
			if errors.Is(err, comfy.ErrTimeout) {
				s.fail(token, "upstream activity timeout exceeded")
			} else if s.ctx.Err() != nil {
				// Shutdown: leave the job as-is for the next run
				s.logger.Debug().Str("job_token", token).Msg("Monitor stopped by shutdown")
			} else {
				s.fail(token, fmt.Sprintf("upstream link lost: %v", err))
			}
			return
		}

		event, err := normalizer.Normalize(raw)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_token", token).
				Int("malformed_total", normalizer.MalformedCount()).Msg("Dropped malformed upstream frame")
			continue
		}
		if event == nil {
			continue
		}

		switch event.Type {
		case models.EventCompleted:
			s.complete(token)
			return

		case models.EventError:
			applied, job, err := s.registry.Apply(s.ctx, token, event)
			if err == nil && applied {
				s.publish(token, event, job)
			}
			return

		default:
			applied, job, err := s.registry.Apply(s.ctx, token, event)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_token", token).Msg("Failed to apply event")
				continue
			}
			if applied {
				s.publish(token, event, job)
			}
		}
	}
}

// complete resolves the artifact of a finished run and finalizes the job.
// The terminal completed event carries the resolved filename and ref.
func (s *Service) complete(token string) {
	applied, job, err := s.registry.Apply(s.ctx, token, &models.ProgressEvent{
		Type:      models.EventCompleted,
		Token:     token,
		Timestamp: time.Now().UTC(),
	})
	if err != nil || !applied {
		return
	}

	result, err := s.resolver.Resolve(s.ctx, token, job.OutputPrefix)
	if err != nil {
		s.fail(token, fmt.Sprintf("failed to fetch output file: %v", err))
		return
	}

	final, err := s.registry.SetSuccess(s.ctx, token, result)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_token", token).Msg("Failed to finalize job")
		return
	}

	s.publish(token, models.NewCompletedEvent(token, result.Filename, result.DownloadRef), final)

	s.logger.Info().Str("job_token", token).Str("filename", result.Filename).Msg("Job completed")
}

// fail finalizes a job with an error and emits the terminal error event
func (s *Service) fail(token, detail string) {
	job, err := s.registry.SetFailed(s.ctx, token, detail)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_token", token).Msg("Failed to mark job failed")
		return
	}
	// SetFailed is a no-op on already terminal jobs; only emit when the
	// failure actually landed
	if job.Status == models.JobStatusFailed && job.Error == detail {
		s.publish(token, models.NewErrorEvent(token, detail), job)
	}

	s.logger.Warn().Str("job_token", token).Str("detail", detail).Msg("Job failed")
}

// publish fans an event out to the job's subscribers and raises the
// process-wide status-change notification
func (s *Service) publish(token string, event *models.ProgressEvent, job *models.Job) {
	s.fanout.Publish(token, event)

	if s.events != nil && job != nil {
		s.events.Publish(s.ctx, events.Event{
			Type:    events.EventJobStatusChanged,
			Payload: job,
		})
	}
}

// CheckUpstream reports upstream reachability for health checks
func (s *Service) CheckUpstream(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close stops all monitor loops and waits for them to exit
func (s *Service) Close() error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for job monitors to stop")
	}
}
