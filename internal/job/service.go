package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tigger04/make-audiobook/internal/download"
	"github.com/tigger04/make-audiobook/internal/pipeline"
	"github.com/tigger04/make-audiobook/internal/voice"
)

// CatalogProvider supplies the voice catalog.
type CatalogProvider interface {
	Fetch(ctx context.Context, force bool) (*voice.Catalog, error)
}

// VoiceInstaller downloads voice files to local storage.
type VoiceInstaller interface {
	Download(ctx context.Context, desc voice.Descriptor, onProgress download.ProgressFunc) error
}

// VoiceChecker verifies local voice installations.
type VoiceChecker interface {
	VoicesDir() string
	Check(desc voice.Descriptor) voice.InstalledState
}

// Converter runs a document through the conversion pipeline.
type Converter interface {
	Convert(ctx context.Context, req pipeline.Request, onLog pipeline.LogFunc) (pipeline.Result, error)
}

// Uploader pushes finished audiobooks to remote storage. Optional.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Request describes one conversion to submit.
type Request struct {
	InputPath   string
	VoiceKey    string
	LengthScale float64
	Author      string
	Title       string
}

// ConvertService runs conversion jobs with bounded concurrency. Each
// submitted job runs independently; one failing never aborts the others.
type ConvertService struct {
	repo      Repository
	catalog   CatalogProvider
	store     VoiceChecker
	installer VoiceInstaller
	converter Converter
	uploader  Uploader
	logger    *slog.Logger

	sem chan struct{}

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption configures a ConvertService.
type ServiceOption func(*ConvertService)

// WithUploader enables remote upload of finished audiobooks.
func WithUploader(u Uploader) ServiceOption {
	return func(s *ConvertService) {
		s.uploader = u
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *ConvertService) {
		s.logger = logger
	}
}

// NewConvertService wires a conversion service. maxConcurrent bounds how many
// jobs run at once; values below one mean strictly sequential.
func NewConvertService(repo Repository, catalog CatalogProvider, store VoiceChecker, installer VoiceInstaller, converter Converter, maxConcurrent int, opts ...ServiceOption) *ConvertService {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	s := &ConvertService{
		repo:      repo,
		catalog:   catalog,
		store:     store,
		installer: installer,
		converter: converter,
		logger:    slog.Default(),
		sem:       make(chan struct{}, maxConcurrent),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates pending jobs for a batch of requests and starts them in the
// background. Returned jobs are snapshots taken at creation time.
func (s *ConvertService) Submit(ctx context.Context, requests []Request) ([]*Job, error) {
	jobs := make([]*Job, 0, len(requests))
	for _, req := range requests {
		j := NewJob(NewID(), req.InputPath, req.VoiceKey, req.LengthScale)
		j.Author = req.Author
		j.Title = req.Title
		if err := s.repo.Create(ctx, j); err != nil {
			return nil, fmt.Errorf("creating job: %w", err)
		}
		jobs = append(jobs, j.Clone())
		s.start(j)
	}
	return jobs, nil
}

// Get returns a job by ID.
func (s *ConvertService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns all jobs, newest first.
func (s *ConvertService) List(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Cancel stops a pending or running job. Finished jobs are not cancellable.
func (s *ConvertService) Cancel(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, j.Status)
	}

	if j.Status == StatusPending {
		// Mark it terminal now so a queued worker skips it instead of starting.
		if err := j.TransitionTo(StatusCancelled); err == nil {
			if err := s.repo.Update(ctx, j); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		// A running worker observes the cancellation and records the
		// terminal state itself.
		cancel()
	}
	return nil
}

// Wait blocks until every in-flight job has finished. Used during shutdown
// and in tests.
func (s *ConvertService) Wait() {
	s.wg.Wait()
}

// start queues a job on the worker pool.
func (s *ConvertService) start(j *Job) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[j.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, j.ID)
			s.mu.Unlock()
			cancel()
		}()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		s.run(ctx, j.ID)
	}()
}

// run executes one job end to end and records the outcome.
func (s *ConvertService) run(ctx context.Context, id string) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logger.Error("loading queued job", "job_id", id, "error", err)
		return
	}
	if j.Status != StatusPending {
		// Cancelled while waiting for a worker slot.
		return
	}

	if err := j.TransitionTo(StatusRunning); err != nil {
		s.logger.Error("starting job", "job_id", id, "error", err)
		return
	}
	if err := s.repo.Update(ctx, j); err != nil {
		s.logger.Error("persisting job start", "job_id", id, "error", err)
		return
	}

	s.logger.Info("job started",
		"job_id", id,
		"input", j.InputPath,
		"voice", j.VoiceKey)

	result, convErr := s.execute(ctx, j)

	switch {
	case convErr == nil:
		j.OutputPath = result.OutputPath
		s.finish(j, StatusSucceeded, "")
	case errors.Is(convErr, pipeline.ErrCancelled),
		errors.Is(convErr, download.ErrCancelled),
		errors.Is(convErr, context.Canceled):
		s.finish(j, StatusCancelled, "")
	default:
		s.finish(j, StatusFailed, convErr.Error())
	}
}

// execute installs the voice if needed and runs the pipeline.
func (s *ConvertService) execute(ctx context.Context, j *Job) (pipeline.Result, error) {
	desc, err := s.resolveVoice(ctx, j.VoiceKey)
	if err != nil {
		return pipeline.Result{}, err
	}

	if state := s.store.Check(desc); !state.Installed {
		s.logger.Info("installing voice for job", "job_id", j.ID, "voice", desc.Key)
		if err := s.installer.Download(ctx, desc, nil); err != nil {
			return pipeline.Result{}, fmt.Errorf("installing voice %s: %w", desc.Key, err)
		}
	}

	result, err := s.converter.Convert(ctx, pipeline.Request{
		InputPath:   j.InputPath,
		ModelPath:   voice.ModelPath(s.store.VoicesDir(), desc),
		LengthScale: j.LengthScale,
		Author:      j.Author,
		Title:       j.Title,
	}, func(_ pipeline.Stage, line string) {
		s.appendLog(j, line)
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	if s.uploader != nil {
		url, err := s.uploader.Upload(ctx, result.OutputPath, j.ID+".mp3")
		if err != nil {
			// Upload is best effort; the local file is the deliverable.
			s.logger.Warn("uploading audiobook failed", "job_id", j.ID, "error", err)
		} else {
			s.logger.Info("audiobook uploaded", "job_id", j.ID, "url", url)
		}
	}
	return result, nil
}

// resolveVoice looks the key up in the catalog, falling back to the local
// layout when the catalog is unreachable and the voice is already installed.
func (s *ConvertService) resolveVoice(ctx context.Context, key string) (voice.Descriptor, error) {
	cat, err := s.catalog.Fetch(ctx, false)
	if err == nil {
		if desc, getErr := cat.Get(key); getErr == nil {
			return desc, nil
		}
	}

	desc, descErr := voice.DescriptorFromKey(key)
	if descErr != nil {
		return voice.Descriptor{}, fmt.Errorf("resolving voice %s: %w", key, descErr)
	}
	if state := s.store.Check(desc); state.Installed {
		return desc, nil
	}
	if err != nil {
		return voice.Descriptor{}, fmt.Errorf("resolving voice %s: %w", key, err)
	}
	return voice.Descriptor{}, fmt.Errorf("resolving voice: %w: %s", voice.ErrVoiceNotFound, key)
}

// finish records a terminal state, tolerating a cancel that won the race.
func (s *ConvertService) finish(j *Job, status Status, errMsg string) {
	j.Error = errMsg
	if err := j.TransitionTo(status); err != nil {
		s.logger.Error("finishing job", "job_id", j.ID, "error", err)
		return
	}
	if err := s.repo.Update(context.Background(), j); err != nil {
		s.logger.Error("persisting job result", "job_id", j.ID, "error", err)
		return
	}
	s.logger.Info("job finished", "job_id", j.ID, "status", string(status), "error", errMsg)
}

// appendLog keeps the job's trailing pipeline output and persists it so
// callers polling the job can watch progress.
func (s *ConvertService) appendLog(j *Job, line string) {
	j.LogTail = append(j.LogTail, line)
	if len(j.LogTail) > 50 {
		j.LogTail = j.LogTail[len(j.LogTail)-50:]
	}
	if err := s.repo.Update(context.Background(), j); err != nil {
		s.logger.Warn("persisting job log", "job_id", j.ID, "error", err)
	}
}
