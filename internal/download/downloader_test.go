package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigger04/make-audiobook/internal/voice"
)

// testDescriptor returns a small two-file voice bundle.
func testDescriptor(modelSize, configSize int64) voice.Descriptor {
	return voice.Descriptor{
		Key:      "en_US-ryan-high",
		Name:     "Ryan",
		Language: "en_US",
		Quality:  "high",
		Files: map[string]voice.FileInfo{
			voice.SuffixModel:  {SizeBytes: modelSize},
			voice.SuffixConfig: {SizeBytes: configSize},
		},
		SizeBytes: modelSize + configSize,
	}
}

// voiceServer serves deterministic bodies for the voice file URLs.
func voiceServer(t *testing.T, modelSize, configSize int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, voice.SuffixConfig):
			_, _ = w.Write(make([]byte, configSize))
		case strings.HasSuffix(r.URL.Path, voice.SuffixModel):
			_, _ = w.Write(make([]byte, modelSize))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New("", t.TempDir())
	assert.ErrorIs(t, err, ErrBaseURLRequired)
}

func TestDownload_InstallsBothFiles(t *testing.T) {
	server := voiceServer(t, 5000, 400)
	voicesDir := t.TempDir()
	desc := testDescriptor(5000, 400)

	dl, err := New(server.URL, voicesDir)
	require.NoError(t, err)

	var lastDone, lastTotal int64
	err = dl.Download(context.Background(), desc, func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5400), lastDone)
	assert.Equal(t, int64(5400), lastTotal)

	store := voice.NewStore(voicesDir)
	assert.True(t, store.Check(desc).Installed)

	// No partials left behind.
	entries, err := os.ReadDir(voice.Dir(voicesDir, desc))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".partial")
	}
}

func TestDownload_RequestsExpectedURLs(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(server.Close)

	desc := testDescriptor(1, 1)
	dl, err := New(server.URL, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, dl.Download(context.Background(), desc, nil))
	assert.Equal(t, []string{
		"/en_US/en_US-ryan-high/en_US-ryan-high.onnx",
		"/en_US/en_US-ryan-high/en_US-ryan-high.onnx.json",
	}, paths)
}

func TestDownload_SizeMismatchCleansUp(t *testing.T) {
	// Server sends fewer bytes than the catalog declares for the model.
	server := voiceServer(t, 100, 400)
	voicesDir := t.TempDir()
	desc := testDescriptor(5000, 400)

	dl, err := New(server.URL, voicesDir)
	require.NoError(t, err)

	err = dl.Download(context.Background(), desc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)

	store := voice.NewStore(voicesDir)
	state := store.Check(desc)
	assert.False(t, state.Installed)

	// Repeated reconciliation after the failure stays not-installed.
	assert.False(t, store.Check(desc).Installed)
}

func TestDownload_LaterFileFailureRemovesEarlierFiles(t *testing.T) {
	// The model downloads fine; the sidecar request fails. Nothing may be
	// left visible.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, voice.SuffixConfig) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(make([]byte, 5000))
	}))
	t.Cleanup(server.Close)

	voicesDir := t.TempDir()
	desc := testDescriptor(5000, 400)

	dl, err := New(server.URL, voicesDir)
	require.NoError(t, err)

	err = dl.Download(context.Background(), desc, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCancelled)

	_, statErr := os.Stat(voice.FilePath(voicesDir, desc, voice.SuffixModel))
	assert.True(t, os.IsNotExist(statErr), "model file must be removed after a later failure")
}

func TestDownload_Cancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5000")
		_, _ = w.Write(make([]byte, 100))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	voicesDir := t.TempDir()
	desc := testDescriptor(5000, 400)

	dl, err := New(server.URL, voicesDir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- dl.Download(ctx, desc, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}

	store := voice.NewStore(voicesDir)
	assert.False(t, store.Check(desc).Installed)
	_, statErr := os.Stat(voice.FilePath(voicesDir, desc, voice.SuffixModel) + ".partial")
	assert.True(t, os.IsNotExist(statErr), "partial file must be cleaned up")
}

func TestDownload_ProgressIsThrottled(t *testing.T) {
	// Many small chunks with a long throttle interval: only the periodic
	// emissions plus the final flush may come through.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			_, _ = w.Write(make([]byte, 10))
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(server.Close)

	desc := voice.Descriptor{
		Key:      "en_US-ryan-high",
		Language: "en_US",
		Quality:  "high",
		Files:    map[string]voice.FileInfo{voice.SuffixModel: {SizeBytes: 1000}},
		SizeBytes: 1000,
	}

	dl, err := New(server.URL, t.TempDir(), WithProgressInterval(time.Hour))
	require.NoError(t, err)

	var calls int
	var lastDone, lastTotal int64
	err = dl.Download(context.Background(), desc, func(done, total int64) {
		calls++
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)

	// With an hour-long interval nothing fires per chunk, not even for the
	// first write; only the final flush comes through.
	assert.Equal(t, 1, calls, "progress callback must not fire per chunk")
	assert.Equal(t, int64(1000), lastDone)
	assert.Equal(t, int64(1000), lastTotal)
}

func TestDownload_ScenarioRyanHigh(t *testing.T) {
	// Catalog declares the ryan-high bundle; the directory starts empty,
	// reconciliation flips to installed only after a complete download.
	const modelSize, configSize = 60000, 4000
	server := voiceServer(t, modelSize, configSize)
	voicesDir := t.TempDir()
	desc := testDescriptor(modelSize, configSize)

	store := voice.NewStore(voicesDir)
	require.False(t, store.Check(desc).Installed)

	dl, err := New(server.URL, voicesDir)
	require.NoError(t, err)
	require.NoError(t, dl.Download(context.Background(), desc, nil))

	state := store.Check(desc)
	assert.True(t, state.Installed, fmt.Sprintf("expected installed, missing: %v", state.MissingFiles))
}
