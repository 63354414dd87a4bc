package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ollamax/ollamax/store"
)

const (
	// probeTimeout bounds every control call a job makes against a backend,
	// /api/show included.
	probeTimeout = 5 * time.Second

	// maxJobOverlap caps how many runs of one job may overlap when a backend
	// responds slower than the check interval.
	maxJobOverlap = 3
)

// Scheduler keeps backend liveness fresh: per-server inventory probes, a
// global running-models sweep and a model metadata collector, all on the same
// interval.
type Scheduler struct {
	repo     Repository
	logger   *LogMonitor
	interval time.Duration

	probeClient *http.Client

	mu      sync.Mutex
	jobs    map[string]context.CancelFunc
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewScheduler(repo Repository, interval time.Duration, logger *LogMonitor) *Scheduler {
	return &Scheduler{
		repo:        repo,
		logger:      logger,
		interval:    interval,
		probeClient: &http.Client{Timeout: probeTimeout},
		jobs:        make(map[string]context.CancelFunc),
	}
}

// Start launches the global jobs and one probe job per registered server.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.runPeriodic(s.ctx, "running-models", s.checkRunningModels)
	s.runPeriodic(s.ctx, "models-info", s.saveModelsInfo)

	servers, err := s.repo.Servers(s.ctx)
	if err != nil {
		return err
	}
	for _, srv := range servers {
		s.AddServerJob(srv.ID)
	}
	return nil
}

// Stop cancels all jobs and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// AddServerJob starts the periodic inventory probe for one server. Adding an
// already-watched server is a no-op.
func (s *Scheduler) AddServerJob(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	if _, ok := s.jobs[serverID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.jobs[serverID] = cancel
	s.runPeriodic(ctx, "probe-"+serverID, func(ctx context.Context) {
		s.checkAPI(ctx, serverID)
	})
}

// RemoveServerJob stops the probe for a deregistered server.
func (s *Scheduler) RemoveServerJob(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.jobs[serverID]; ok {
		cancel()
		delete(s.jobs, serverID)
	}
}

// runPeriodic ticks the job on the scheduler interval. A tick that finds all
// overlap slots taken is skipped rather than queued.
func (s *Scheduler) runPeriodic(ctx context.Context, name string, job func(context.Context)) {
	slots := make(chan struct{}, maxJobOverlap)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		run := func() {
			select {
			case slots <- struct{}{}:
			default:
				s.logger.Warnf("scheduler: job %s skipped, %d runs still active", name, maxJobOverlap)
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-slots }()
				job(ctx)
			}()
		}

		run()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// checkAPI probes one server's /api/tags. A healthy answer refreshes the
// liveness timestamp and the advertised inventory; last_update always moves
// so operators can see the probe ran.
func (s *Scheduler) checkAPI(ctx context.Context, serverID string) {
	srv, err := s.repo.ServerByID(ctx, serverID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			s.logger.Errorf("probe %s: %v", serverID, err)
		}
		return
	}

	now := time.Now()
	srv.LastUpdate = now
	fields := []string{"last_update"}

	var tags OllamaListTagsResponse
	if err := s.getJSON(ctx, s.probeClient, srv.URL+"/api/tags", &tags); err != nil {
		s.logger.Debugf("probe %s: %v", srv.URL, err)
	} else {
		srv.LastAlive = now
		srv.Models = tags.Models
		fields = append(fields, "last_alive", "models")
	}

	if err := s.repo.UpdateServer(ctx, srv, fields...); err != nil && ctx.Err() == nil {
		s.logger.Errorf("probe %s: update: %v", serverID, err)
	}
}

// checkRunningModels sweeps every server's /api/ps. Unreachable servers get
// an empty running set so routing stops preferring them for loaded models.
func (s *Scheduler) checkRunningModels(ctx context.Context) {
	servers, err := s.repo.Servers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorf("running-models sweep: %v", err)
		}
		return
	}

	for _, srv := range servers {
		var ps OllamaProcessResponse
		if err := s.getJSON(ctx, s.probeClient, srv.URL+"/api/ps", &ps); err != nil {
			srv.RunningModels = []store.RunningModel{}
		} else {
			srv.RunningModels = ps.Models
		}
		if err := s.repo.UpdateServer(ctx, srv, "running_models"); err != nil && ctx.Err() == nil {
			s.logger.Errorf("running-models %s: %v", srv.ID, err)
		}
	}
}

// saveModelsInfo collects verbose /api/show metadata for every advertised
// model whose digest the cache has not seen yet.
func (s *Scheduler) saveModelsInfo(ctx context.Context) {
	servers, err := s.repo.Servers(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorf("models-info sweep: %v", err)
		}
		return
	}

	for _, srv := range servers {
		for _, info := range srv.Models {
			cached, err := s.repo.ModelByName(ctx, info.Name)
			if err == nil && cached.Digest == info.Digest {
				continue
			}

			model, err := s.fetchModelInfo(ctx, srv.URL, info)
			if err != nil {
				s.logger.Debugf("models-info %s on %s: %v", info.Name, srv.URL, err)
				continue
			}
			if err := s.repo.UpsertModel(ctx, model); err != nil && ctx.Err() == nil {
				s.logger.Errorf("models-info %s: upsert: %v", info.Name, err)
			}
		}
	}
}

func (s *Scheduler) fetchModelInfo(ctx context.Context, baseURL string, info store.ModelInfo) (*store.Model, error) {
	body, err := json.Marshal(OllamaShowRequest{Name: info.Name, Verbose: true})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.probeClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}

	var show struct {
		Modelfile string         `json:"modelfile"`
		Template  string         `json:"template"`
		Details   map[string]any `json:"details"`
		ModelInfo map[string]any `json:"model_info"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, err
	}

	return &store.Model{
		Name:      info.Name,
		Modelfile: show.Modelfile,
		Template:  show.Template,
		Details:   show.Details,
		Info:      show.ModelInfo,
		Digest:    info.Digest,
	}, nil
}

func (s *Scheduler) getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
