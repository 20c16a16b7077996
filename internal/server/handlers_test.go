package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigger04/make-audiobook/internal/download"
	"github.com/tigger04/make-audiobook/internal/job"
	"github.com/tigger04/make-audiobook/internal/voice"
)

func ryanHigh() voice.Descriptor {
	return voice.Descriptor{
		Key:      "en_US-ryan-high",
		Name:     "Ryan",
		Language: "en_US",
		Quality:  "high",
		Files: map[string]voice.FileInfo{
			voice.SuffixModel:  {SizeBytes: 60000000},
			voice.SuffixConfig: {SizeBytes: 4000},
		},
		SizeBytes: 60004000,
	}
}

func thorstenLow() voice.Descriptor {
	return voice.Descriptor{
		Key:      "de_DE-thorsten-low",
		Name:     "Thorsten",
		Language: "de_DE",
		Quality:  "low",
		Files: map[string]voice.FileInfo{
			voice.SuffixModel:  {SizeBytes: 20000000},
			voice.SuffixConfig: {SizeBytes: 3000},
		},
		SizeBytes: 20003000,
	}
}

type fakeCatalog struct {
	catalog *voice.Catalog
	err     error
}

func (f *fakeCatalog) Fetch(context.Context, bool) (*voice.Catalog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.catalog, nil
}

type fakeStore struct {
	mu        sync.Mutex
	installed map[string]bool
	removed   []string
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{installed: make(map[string]bool)}
	for _, key := range keys {
		s.installed[key] = true
	}
	return s
}

func (f *fakeStore) Check(desc voice.Descriptor) voice.InstalledState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed[desc.Key] {
		return voice.InstalledState{Installed: true}
	}
	return voice.InstalledState{MissingFiles: []string{desc.Key + voice.SuffixModel}}
}

func (f *fakeStore) ListInstalled() ([]voice.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []voice.Descriptor
	for key := range f.installed {
		desc, err := voice.DescriptorFromKey(key)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func (f *fakeStore) Remove(desc voice.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installed, desc.Key)
	f.removed = append(f.removed, desc.Key)
	return nil
}

type fakeInstaller struct {
	mu    sync.Mutex
	calls []string
	err   error
	store *fakeStore
}

func (f *fakeInstaller) Download(_ context.Context, desc voice.Descriptor, onProgress download.ProgressFunc) error {
	f.mu.Lock()
	f.calls = append(f.calls, desc.Key)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if onProgress != nil {
		onProgress(desc.SizeBytes, desc.SizeBytes)
	}
	if f.store != nil {
		f.store.mu.Lock()
		f.store.installed[desc.Key] = true
		f.store.mu.Unlock()
	}
	return nil
}

type fakeService struct {
	mu        sync.Mutex
	submitted []job.Request
	jobs      map[string]*job.Job
	cancelErr error
}

func newFakeService(jobs ...*job.Job) *fakeService {
	s := &fakeService{jobs: make(map[string]*job.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (f *fakeService) Submit(_ context.Context, requests []job.Request) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, requests...)
	out := make([]*job.Job, 0, len(requests))
	for _, req := range requests {
		j := job.NewJob(job.NewID(), req.InputPath, req.VoiceKey, req.LengthScale)
		f.jobs[j.ID] = j
		out = append(out, j)
	}
	return out, nil
}

func (f *fakeService) Get(_ context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (f *fakeService) List(context.Context) ([]*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*job.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (f *fakeService) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return job.ErrJobNotFound
	}
	return f.cancelErr
}

type testServer struct {
	server    *httptest.Server
	service   *fakeService
	store     *fakeStore
	installer *fakeInstaller
}

func newTestServer(t *testing.T, catalog *fakeCatalog, store *fakeStore, service *fakeService) *testServer {
	t.Helper()
	installer := &fakeInstaller{store: store}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandlers(service, catalog, store, installer, logger)
	srv := httptest.NewServer(NewRouter(h, logger, DefaultConfig()))
	t.Cleanup(srv.Close)
	return &testServer{server: srv, service: service, store: store, installer: installer}
}

func testCatalog() *fakeCatalog {
	return &fakeCatalog{catalog: &voice.Catalog{
		Voices: map[string]voice.Descriptor{
			"en_US-ryan-high":    ryanHigh(),
			"de_DE-thorsten-low": thorstenLow(),
		},
	}}
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService())

	resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestListVoices(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore("en_US-ryan-high"), newFakeService())

	t.Run("lists catalog with installed flags", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out VoicesResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Voices, 2)
		assert.False(t, out.Degraded)

		byKey := make(map[string]VoiceResponse)
		for _, v := range out.Voices {
			byKey[v.Key] = v
		}
		assert.True(t, byKey["en_US-ryan-high"].Installed)
		assert.False(t, byKey["de_DE-thorsten-low"].Installed)
		assert.NotEmpty(t, byKey["de_DE-thorsten-low"].MissingFiles)
	})

	t.Run("filters by language", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices?language=de_DE", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out VoicesResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Voices, 1)
		assert.Equal(t, "de_DE-thorsten-low", out.Voices[0].Key)
	})

	t.Run("filters installed only", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices?installed=true", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out VoicesResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Voices, 1)
		assert.Equal(t, "en_US-ryan-high", out.Voices[0].Key)
	})
}

func TestListVoicesDegradedMode(t *testing.T) {
	unreachable := &fakeCatalog{err: errors.New("catalog: network failure")}
	ts := newTestServer(t, unreachable, newFakeStore("en_US-ryan-high"), newFakeService())

	resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out VoicesResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Degraded)
	require.Len(t, out.Voices, 1)
	assert.Equal(t, "en_US-ryan-high", out.Voices[0].Key)
	assert.True(t, out.Voices[0].Installed)
}

func TestGetVoice(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore("en_US-ryan-high"), newFakeService())

	t.Run("found", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices/en_US-ryan-high", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out VoiceResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, "Ryan", out.Name)
		assert.Equal(t, int64(60004000), out.SizeBytes)
		assert.True(t, out.Installed)
	})

	t.Run("not found", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, ts.server.URL+"/voices/xx_XX-nobody-high", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestInstallVoice(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService())

	resp, _ := doJSON(t, http.MethodPost, ts.server.URL+"/voices/de_DE-thorsten-low/install", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Poll until the background download reports completion.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/voices/de_DE-thorsten-low", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out VoiceResponse
		require.NoError(t, json.Unmarshal(body, &out))
		if out.Install != nil && out.Install.Status == "succeeded" {
			assert.True(t, out.Installed)
			assert.Equal(t, int64(20003000), out.Install.BytesDone)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("installation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInstallVoiceAlreadyInstalled(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore("en_US-ryan-high"), newFakeService())

	resp, body := doJSON(t, http.MethodPost, ts.server.URL+"/voices/en_US-ryan-high/install", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out VoiceResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Installed)

	ts.installer.mu.Lock()
	defer ts.installer.mu.Unlock()
	assert.Empty(t, ts.installer.calls)
}

func TestRemoveVoice(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore("en_US-ryan-high"), newFakeService())

	resp, _ := doJSON(t, http.MethodDelete, ts.server.URL+"/voices/en_US-ryan-high", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ts.store.mu.Lock()
	removed := append([]string(nil), ts.store.removed...)
	ts.store.mu.Unlock()
	assert.Equal(t, []string{"en_US-ryan-high"}, removed)

	resp, _ = doJSON(t, http.MethodDelete, ts.server.URL+"/voices/en_US-ryan-high", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateJobs(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore("en_US-ryan-high"), newFakeService())

	body := `{"jobs":[
		{"input_path":"/books/chapter1.txt","voice":"en_US-ryan-high","length_scale":2.0},
		{"input_path":"/books/chapter2.txt","voice":"en_US-ryan-high"}
	]}`
	resp, respBody := doJSON(t, http.MethodPost, ts.server.URL+"/jobs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out ConvertResponse
	require.NoError(t, json.Unmarshal(respBody, &out))
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, "pending", out.Jobs[0].Status)
	assert.Equal(t, "/books/chapter1.mp3", out.Jobs[0].OutputPath)
	assert.Equal(t, 2.0, out.Jobs[0].LengthScale)

	ts.service.mu.Lock()
	defer ts.service.mu.Unlock()
	require.Len(t, ts.service.submitted, 2)
	assert.Equal(t, "en_US-ryan-high", ts.service.submitted[0].VoiceKey)
}

func TestCreateJobsValidation(t *testing.T) {
	ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService())

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{`, "INVALID_JSON"},
		{"empty batch", `{"jobs":[]}`, "VALIDATION_ERROR"},
		{"missing voice", `{"jobs":[{"input_path":"/books/a.txt"}]}`, "VALIDATION_ERROR"},
		{"length scale too high", `{"jobs":[{"input_path":"/books/a.txt","voice":"en_US-ryan-high","length_scale":9}]}`, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.server.URL+"/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var out ErrorResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.Equal(t, tt.code, out.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	finished := job.NewJob("job-42", "/books/a.txt", "en_US-ryan-high", 1.5)
	require.NoError(t, finished.TransitionTo(job.StatusRunning))
	require.NoError(t, finished.TransitionTo(job.StatusSucceeded))
	finished.LogTail = []string{"synthesis complete"}

	ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService(finished))

	t.Run("found", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/jobs/job-42", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out JobResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, "succeeded", out.Status)
		assert.Equal(t, []string{"synthesis complete"}, out.LogTail)
		assert.NotNil(t, out.FinishedAt)
	})

	t.Run("not found", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.server.URL+"/jobs/absent", "")
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		var out ErrorResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, "JOB_NOT_FOUND", out.Code)
	})
}

func TestCancelJob(t *testing.T) {
	pending := job.NewJob("job-1", "/books/a.txt", "en_US-ryan-high", 1.5)

	t.Run("accepted", func(t *testing.T) {
		ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService(pending))
		resp, _ := doJSON(t, http.MethodDelete, ts.server.URL+"/jobs/job-1", "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("not found", func(t *testing.T) {
		ts := newTestServer(t, testCatalog(), newFakeStore(), newFakeService())
		resp, _ := doJSON(t, http.MethodDelete, ts.server.URL+"/jobs/absent", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("already finished", func(t *testing.T) {
		svc := newFakeService(pending)
		svc.cancelErr = job.ErrNotCancellable
		ts := newTestServer(t, testCatalog(), newFakeStore(), svc)

		resp, _ := doJSON(t, http.MethodDelete, ts.server.URL+"/jobs/job-1", "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}
