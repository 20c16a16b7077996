package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tigger04/make-audiobook/internal/job"
	"github.com/tigger04/make-audiobook/internal/voice"
)

// VoiceStore is the slice of the voice store the handlers need.
type VoiceStore interface {
	Check(desc voice.Descriptor) voice.InstalledState
	ListInstalled() ([]voice.Descriptor, error)
	Remove(desc voice.Descriptor) error
}

// ConvertService is the slice of the job service the handlers need.
type ConvertService interface {
	Submit(ctx context.Context, requests []job.Request) ([]*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   ConvertService
	catalog   job.CatalogProvider
	store     VoiceStore
	installer job.VoiceInstaller
	validator *validator.Validate
	logger    *slog.Logger

	mu       sync.Mutex
	installs map[string]*installState
}

// installState tracks an asynchronous voice installation.
type installState struct {
	status     string
	bytesDone  int64
	bytesTotal int64
	err        string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service ConvertService, catalog job.CatalogProvider, store VoiceStore, installer job.VoiceInstaller, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:   service,
		catalog:   catalog,
		store:     store,
		installer: installer,
		validator: validator.New(),
		logger:    logger,
		installs:  make(map[string]*installState),
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ListVoices handles GET /voices requests. Supports refresh, language,
// quality and installed query parameters. When the catalog is unreachable
// only locally installed voices are listed and the response is marked
// degraded.
func (h *Handlers) ListVoices(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "true"
	language := r.URL.Query().Get("language")
	quality := r.URL.Query().Get("quality")
	installedOnly := r.URL.Query().Get("installed") == "true"

	cat, err := h.catalog.Fetch(r.Context(), force)
	if err != nil {
		h.listInstalledOnly(w, language, quality)
		return
	}

	resp := VoicesResponse{Stale: cat.Stale, Voices: []VoiceResponse{}}
	for _, desc := range cat.Filter(language, quality) {
		state := h.store.Check(desc)
		if installedOnly && !state.Installed {
			continue
		}
		resp.Voices = append(resp.Voices, h.voiceResponse(desc, state))
	}
	writeJSON(w, http.StatusOK, resp)
}

// listInstalledOnly serves the voice list from disk when the catalog is
// unreachable.
func (h *Handlers) listInstalledOnly(w http.ResponseWriter, language, quality string) {
	installed, err := h.store.ListInstalled()
	if err != nil {
		h.logger.Error("scanning installed voices", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list voices", "VOICE_LIST_FAILED")
		return
	}

	resp := VoicesResponse{Degraded: true, Voices: []VoiceResponse{}}
	for _, desc := range installed {
		if language != "" && desc.Language != language {
			continue
		}
		if quality != "" && desc.Quality != quality {
			continue
		}
		resp.Voices = append(resp.Voices, h.voiceResponse(desc, voice.InstalledState{Installed: true}))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetVoice handles GET /voices/{key} requests.
func (h *Handlers) GetVoice(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.resolveVoice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.voiceResponse(desc, h.store.Check(desc)))
}

// InstallVoice handles POST /voices/{key}/install requests. The download
// runs in the background; progress is visible on GET /voices/{key}.
func (h *Handlers) InstallVoice(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.resolveVoice(w, r)
	if !ok {
		return
	}

	if state := h.store.Check(desc); state.Installed {
		writeJSON(w, http.StatusOK, h.voiceResponse(desc, state))
		return
	}

	h.mu.Lock()
	if st, running := h.installs[desc.Key]; running && st.status == "running" {
		h.mu.Unlock()
		writeJSON(w, http.StatusAccepted, h.voiceResponse(desc, voice.InstalledState{}))
		return
	}
	st := &installState{status: "running", bytesTotal: desc.SizeBytes}
	h.installs[desc.Key] = st
	h.mu.Unlock()

	go func(ctx context.Context) {
		err := h.installer.Download(ctx, desc, func(bytesDone, bytesTotal int64) {
			h.mu.Lock()
			st.bytesDone = bytesDone
			st.bytesTotal = bytesTotal
			h.mu.Unlock()
		})
		h.mu.Lock()
		defer h.mu.Unlock()
		if err != nil {
			st.status = "failed"
			st.err = err.Error()
			h.logger.Error("voice installation failed",
				slog.String("voice", desc.Key),
				slog.String("error", err.Error()),
			)
			return
		}
		st.status = "succeeded"
	}(context.WithoutCancel(r.Context()))

	h.logger.Info("voice installation started", slog.String("voice", desc.Key))
	writeJSON(w, http.StatusAccepted, h.voiceResponse(desc, voice.InstalledState{}))
}

// RemoveVoice handles DELETE /voices/{key} requests.
func (h *Handlers) RemoveVoice(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.resolveVoice(w, r)
	if !ok {
		return
	}

	if state := h.store.Check(desc); !state.Installed {
		writeError(w, http.StatusNotFound, "voice not installed", "VOICE_NOT_INSTALLED")
		return
	}
	if err := h.store.Remove(desc); err != nil {
		h.logger.Error("removing voice",
			slog.String("voice", desc.Key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to remove voice", "VOICE_REMOVE_FAILED")
		return
	}

	h.mu.Lock()
	delete(h.installs, desc.Key)
	h.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// CreateJobs handles POST /jobs requests: a batch of conversions.
func (h *Handlers) CreateJobs(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	requests := make([]job.Request, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		requests = append(requests, job.Request{
			InputPath:   j.InputPath,
			VoiceKey:    j.Voice,
			LengthScale: j.LengthScale,
			Author:      j.Author,
			Title:       j.Title,
		})
	}

	jobs, err := h.service.Submit(r.Context(), requests)
	if err != nil {
		h.logger.Error("failed to submit jobs",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create jobs", "JOB_CREATION_FAILED")
		return
	}

	resp := ConvertResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}

	h.logger.Info("jobs created", slog.Int("count", len(jobs)))
	writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := JobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(foundJob))
}

// CancelJob handles DELETE /jobs/{id} requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	err := h.service.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrNotCancellable):
		writeError(w, http.StatusConflict, "job already finished", "JOB_NOT_CANCELLABLE")
	default:
		h.logger.Error("failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel job", "JOB_CANCEL_FAILED")
	}
}

// resolveVoice looks up the {key} path value in the catalog, falling back to
// the key's own structure when the catalog is unreachable.
func (h *Handlers) resolveVoice(w http.ResponseWriter, r *http.Request) (voice.Descriptor, bool) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "voice key is required", "MISSING_VOICE_KEY")
		return voice.Descriptor{}, false
	}

	cat, err := h.catalog.Fetch(r.Context(), false)
	if err == nil {
		desc, getErr := cat.Get(key)
		if getErr != nil {
			writeError(w, http.StatusNotFound, "voice not found", "VOICE_NOT_FOUND")
			return voice.Descriptor{}, false
		}
		return desc, true
	}

	desc, descErr := voice.DescriptorFromKey(key)
	if descErr != nil {
		writeError(w, http.StatusBadRequest, "invalid voice key", "INVALID_VOICE_KEY")
		return voice.Descriptor{}, false
	}
	return desc, true
}

// voiceResponse builds the DTO for one voice, including any in-flight
// install progress.
func (h *Handlers) voiceResponse(desc voice.Descriptor, state voice.InstalledState) VoiceResponse {
	resp := VoiceResponse{
		Key:          desc.Key,
		Name:         desc.Name,
		Language:     desc.Language,
		Quality:      desc.Quality,
		SizeBytes:    desc.SizeBytes,
		Installed:    state.Installed,
		MissingFiles: state.MissingFiles,
	}

	h.mu.Lock()
	if st, ok := h.installs[desc.Key]; ok {
		resp.Install = &InstallStatus{
			Status:     st.status,
			BytesDone:  st.bytesDone,
			BytesTotal: st.bytesTotal,
			Error:      st.err,
		}
	}
	h.mu.Unlock()
	return resp
}

// toJobResponse converts a job aggregate to its DTO.
func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		InputPath:   j.InputPath,
		OutputPath:  j.OutputPath,
		Voice:       j.VoiceKey,
		LengthScale: j.LengthScale,
		Error:       j.Error,
		LogTail:     j.LogTail,
		CreatedAt:   j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = timePtr(j.StartedAt)
	}
	if !j.FinishedAt.IsZero() {
		resp.FinishedAt = timePtr(j.FinishedAt)
	}
	return resp
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
