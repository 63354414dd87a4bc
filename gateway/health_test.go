package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamax/ollamax/store"
)

func fakeOllama(t *testing.T, models []store.ModelInfo, running []store.RunningModel) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OllamaListTagsResponse{Models: models})
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OllamaProcessResponse{Models: running})
	})
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		var req OllamaShowRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{
			"modelfile": "FROM " + req.ModelName(),
			"template":  "{{ .Prompt }}",
			"details":   map[string]any{"family": "llama"},
			"model_info": map[string]any{
				"general.architecture": "llama",
				"llama.context_length": 8192,
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckAPIPromotesHealthyServer(t *testing.T) {
	backend := fakeOllama(t, []store.ModelInfo{{Name: "llama3:latest", Model: "llama3:latest", Digest: "d1"}}, nil)

	repo := newMemRepo()
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{ID: "s1", URL: backend.URL}))

	s := NewScheduler(repo, time.Hour, NewLogMonitor(LevelError))
	s.checkAPI(context.Background(), "s1")

	srv, err := repo.ServerByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), srv.LastAlive, 5*time.Second)
	assert.WithinDuration(t, time.Now(), srv.LastUpdate, 5*time.Second)
	require.Len(t, srv.Models, 1)
	assert.Equal(t, "llama3:latest", srv.Models[0].Name)
	assert.True(t, srv.Active(time.Now()))
}

func TestCheckAPIDemotesUnreachableServer(t *testing.T) {
	repo := newMemRepo()
	alive := time.Now().Add(-time.Minute)
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{
		ID: "s1", URL: "http://127.0.0.1:1", LastAlive: alive,
	}))

	s := NewScheduler(repo, time.Hour, NewLogMonitor(LevelError))
	s.checkAPI(context.Background(), "s1")

	srv, err := repo.ServerByID(context.Background(), "s1")
	require.NoError(t, err)
	// last_update moves, last_alive does not
	assert.WithinDuration(t, time.Now(), srv.LastUpdate, 5*time.Second)
	assert.WithinDuration(t, alive, srv.LastAlive, time.Second)
	assert.False(t, srv.Active(time.Now()))
}

func TestCheckRunningModelsClearsOnError(t *testing.T) {
	repo := newMemRepo()
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{
		ID: "s1", URL: "http://127.0.0.1:1",
		RunningModels: []store.RunningModel{{Model: "llama3:latest"}},
	}))

	s := NewScheduler(repo, time.Hour, NewLogMonitor(LevelError))
	s.checkRunningModels(context.Background())

	srv, err := repo.ServerByID(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, srv.RunningModels)
}

func TestSaveModelsInfoCachesMetadata(t *testing.T) {
	backend := fakeOllama(t, nil, nil)

	repo := newMemRepo()
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{
		ID: "s1", URL: backend.URL,
		Models: []store.ModelInfo{{Name: "llama3:latest", Model: "llama3:latest", Digest: "d1"}},
	}))

	s := NewScheduler(repo, time.Hour, NewLogMonitor(LevelError))
	s.saveModelsInfo(context.Background())

	model, err := repo.ModelByName(context.Background(), "llama3:latest")
	require.NoError(t, err)
	assert.Equal(t, "d1", model.Digest)
	assert.Equal(t, "FROM llama3:latest", model.Modelfile)
	assert.Equal(t, 8192, model.ContextLength())
}

func TestSaveModelsInfoSkipsKnownDigest(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/show", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	repo := newMemRepo()
	require.NoError(t, repo.UpsertModel(context.Background(), &store.Model{Name: "llama3:latest", Digest: "d1"}))
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{
		ID: "s1", URL: backend.URL,
		Models: []store.ModelInfo{{Name: "llama3:latest", Model: "llama3:latest", Digest: "d1"}},
	}))

	s := NewScheduler(repo, time.Hour, NewLogMonitor(LevelError))
	s.saveModelsInfo(context.Background())

	assert.Equal(t, int32(0), calls.Load())
}

func TestSchedulerJobLifecycle(t *testing.T) {
	backend := fakeOllama(t, []store.ModelInfo{{Name: "m:latest", Model: "m:latest"}}, nil)

	repo := newMemRepo()
	require.NoError(t, repo.InsertServer(context.Background(), &store.Server{ID: "s1", URL: backend.URL}))

	s := NewScheduler(repo, 10*time.Millisecond, NewLogMonitor(LevelError))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		srv, err := repo.ServerByID(context.Background(), "s1")
		return err == nil && srv.Active(time.Now())
	}, 2*time.Second, 10*time.Millisecond)

	s.RemoveServerJob("s1")
	// removing twice is harmless
	s.RemoveServerJob("s1")
}
