package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ollamax/ollamax/store"
)

// scanBufferSize bounds a single NDJSON frame from a backend. Frames carry at
// most one message delta plus metadata, 10MB leaves plenty of headroom for
// tool call payloads.
const scanBufferSize = 10 * 1024 * 1024

// generation describes one completion request on its way to a backend.
type generation struct {
	action string
	path   string
	body   []byte
	model  string
	stream bool

	// translator is set for OpenAI-surface requests; nil passes Ollama
	// frames through untouched.
	translator *streamTranslator
	obs        *Observation
}

// resolveModelPolicy applies the routing policy to the requested model name:
// a global enforced model wins, anonymous users can be pinned to a dedicated
// model, and an empty request falls back to the per-surface default.
func (m *Manager) resolveModelPolicy(user *store.User, requested, fallback string) string {
	if m.cfg.EnforceModel != "" {
		return m.cfg.EnforceModel
	}
	if user.IsGuest() && m.cfg.AnonymousModel != "" {
		return m.cfg.AnonymousModel
	}
	if requested == "" {
		return fallback
	}
	return requested
}

// dispatchGeneration picks a backend for the generation, waits for a queue
// slot and proxies the response to the client.
func (m *Manager) dispatchGeneration(c *gin.Context, g *generation) {
	ctx := c.Request.Context()

	servers, err := m.repo.ActiveServers(ctx, g.model)
	if err != nil {
		m.sendError(c, err)
		return
	}
	if len(servers) == 0 {
		m.sendError(c, ErrNoServerAvailable)
		return
	}
	srv := m.dispatcher.SelectServer(servers)

	// substitute the backend's exact tag, e.g. llama3 -> llama3:latest
	if resolved := srv.ResolveModel(g.model); resolved != g.model {
		g.body, err = sjson.SetBytes(g.body, "model", resolved)
		if err != nil {
			m.sendError(c, err)
			return
		}
	}

	err = m.dispatcher.Dispatch(ctx, srv.URL, func() {
		m.proxyGeneration(c, srv.URL, g)
	})
	if err != nil {
		// client went away; the generation is still accounted for
		m.logger.Debugf("dispatch on %s abandoned: %v", srv.URL, err)
		if g.obs != nil {
			g.obs.Cancel()
		}
	}

	if g.obs != nil {
		g.obs.Finish()
		record := m.usage.Observe(g.obs)
		m.telemetry.RecordGeneration(ctx, g.obs, record)
	}
}

// proxyGeneration performs the backend call and streams the response through,
// recording frames on the observation and translating them when an OpenAI
// surface asked for this generation.
func (m *Manager) proxyGeneration(c *gin.Context, baseURL string, g *generation) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, baseURL+g.path, bytes.NewReader(g.body))
	if err != nil {
		m.sendError(c, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.proxyClient.Do(req)
	if err != nil {
		m.logger.Errorf("backend %s: %v", baseURL, err)
		m.sendError(c, ErrNoServerAvailable)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.forwardBackendError(c, resp)
		return
	}

	if !g.stream {
		m.proxyUnary(c, resp, g)
		return
	}

	if g.translator != nil && g.translator.sse {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
	} else {
		c.Header("Content-Type", "application/x-ndjson")
	}
	c.Header("Transfer-Encoding", "chunked")
	c.Status(http.StatusOK)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if g.obs != nil {
			g.obs.AddChunk(line)
		}

		out := append(line, '\n')
		if g.translator != nil {
			out, err = g.translator.Translate(line)
			if err != nil {
				m.logger.Errorf("stream translation: %v", err)
				continue
			}
		}
		if _, err := c.Writer.Write(out); err != nil {
			return
		}
		c.Writer.Flush()
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warnf("backend %s: stream ended: %v", baseURL, err)
		return
	}

	if g.translator != nil {
		if done := g.translator.Done(); done != nil {
			c.Writer.Write(done)
			c.Writer.Flush()
		}
	}
}

// proxyUnary handles stream=false responses: one JSON document end to end.
func (m *Manager) proxyUnary(c *gin.Context, resp *http.Response, g *generation) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, scanBufferSize))
	if err != nil {
		m.sendError(c, err)
		return
	}
	if g.obs != nil {
		g.obs.AddChunk(raw)
	}

	if g.translator == nil {
		c.Data(http.StatusOK, "application/json", raw)
		return
	}

	completion, err := openAICompletionFromOllama(raw, g.translator.id, 0, false)
	if err != nil {
		m.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

// forwardBackendError passes an upstream error body through with its status,
// falling back to the Ollama error shape when the body is not JSON.
func (m *Manager) forwardBackendError(c *gin.Context, resp *http.Response) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	m.logger.Warnf("backend returned %s: %s", resp.Status, bytes.TrimSpace(raw))

	if json.Valid(raw) {
		c.Data(resp.StatusCode, "application/json", raw)
		return
	}
	c.JSON(resp.StatusCode, OllamaErrorResponse{Error: string(bytes.TrimSpace(raw))})
}

// rawProxy forwards a request body to the backend verbatim and copies the
// response back in fixed-size chunks. Used for the endpoints the gateway has
// no reason to inspect.
func (m *Manager) rawProxy(c *gin.Context, baseURL, path string, body []byte, timeout time.Duration) {
	ctx := c.Request.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		m.sendError(c, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.proxyClient.Do(req)
	if err != nil {
		m.logger.Errorf("backend %s: %v", baseURL, err)
		m.sendError(c, ErrNoServerAvailable)
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Header("Content-Type", ct)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}

// handleChat serves POST /api/chat.
func (m *Manager) handleChat() gin.HandlerFunc {
	return m.completionHandler(ActionChat, "/api/chat")
}

// handleGenerate serves POST /api/generate.
func (m *Manager) handleGenerate() gin.HandlerFunc {
	return m.completionHandler(ActionGenerate, "/api/generate")
}

func (m *Manager) completionHandler(action, path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, scanBufferSize))
		if err != nil || !json.Valid(body) {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		model := m.resolveModelPolicy(user, gjson.GetBytes(body, "model").String(), m.cfg.DefaultChatModel)
		if model == "" {
			m.sendError(c, validationError("model is required"))
			return
		}
		body, err = sjson.SetBytes(body, "model", model)
		if err != nil {
			m.sendError(c, err)
			return
		}

		// streaming defaults to true on the Ollama surface
		stream := true
		if s := gjson.GetBytes(body, "stream"); s.Exists() {
			stream = s.Bool()
		}

		m.trackSession(c, user, action, body)

		obs := newObservation(action, user, body, c.Request.Header)
		obs.ModelMeta = m.lazyModelMeta(model)

		m.dispatchGeneration(c, &generation{
			action: action,
			path:   path,
			body:   body,
			model:  model,
			stream: stream,
			obs:    obs,
		})
	}
}

// trackSession records the conversation for deduplication. Failures only log,
// a broken session store must not take down inference.
func (m *Manager) trackSession(c *gin.Context, user *store.User, action string, body []byte) {
	userID := user.ID
	if userID == "" {
		userID = user.Username
	}

	var payload struct {
		Messages any `json:"messages"`
		Context  any `json:"context"`
	}
	if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil {
		return
	}

	var err error
	if action == ActionChat {
		_, err = m.repo.FindOrCreateSession(c.Request.Context(), userID, payload.Messages, nil)
	} else {
		// generate conversations are keyed on the opaque context the client
		// carries between turns
		_, err = m.repo.FindOrCreateSession(c.Request.Context(), userID, nil, payload.Context)
	}
	if err != nil {
		m.logger.Warnf("session tracking: %v", err)
	}
}

// lazyModelMeta defers the metadata lookup until an exporter asks for it.
func (m *Manager) lazyModelMeta(model string) func() *store.Model {
	return func() *store.Model {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		meta, err := m.repo.ModelByName(ctx, model)
		if err != nil {
			return nil
		}
		return meta
	}
}

// handleEmbeddings serves POST /api/embeddings and /api/embed.
func (m *Manager) handleEmbeddings(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, scanBufferSize))
		if err != nil || !json.Valid(body) {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		model := m.resolveModelPolicy(user, gjson.GetBytes(body, "model").String(), m.cfg.DefaultEmbeddingsModel)
		body, err = sjson.SetBytes(body, "model", model)
		if err != nil {
			m.sendError(c, err)
			return
		}

		servers, err := m.repo.ActiveServers(c.Request.Context(), model)
		if err != nil {
			m.sendError(c, err)
			return
		}
		if len(servers) == 0 {
			m.sendError(c, ErrNoServerAvailable)
			return
		}
		srv := m.dispatcher.SelectServer(servers)

		if err := m.dispatcher.Dispatch(c.Request.Context(), srv.URL, func() {
			m.rawProxy(c, srv.URL, path, body, 0)
		}); err != nil {
			m.logger.Debugf("embeddings dispatch abandoned: %v", err)
		}
	}
}

// handleTags serves GET /api/tags: the union of every active server's
// inventory, deduplicated by tag. A backend outside the liveness window no
// longer advertises its models.
func (m *Manager) handleTags() gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := m.repo.ActiveServers(c.Request.Context(), "")
		if err != nil {
			m.sendError(c, err)
			return
		}

		seen := make(map[string]bool)
		models := []store.ModelInfo{}
		for _, srv := range servers {
			for _, info := range srv.Models {
				if seen[info.Name] {
					continue
				}
				seen[info.Name] = true
				models = append(models, info)
			}
		}
		sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

		c.JSON(http.StatusOK, OllamaListTagsResponse{Models: models})
	}
}

// handlePs serves GET /api/ps: the union of running models across active
// servers.
func (m *Manager) handlePs() gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := m.repo.ActiveServers(c.Request.Context(), "")
		if err != nil {
			m.sendError(c, err)
			return
		}

		seen := make(map[string]bool)
		models := []store.RunningModel{}
		for _, srv := range servers {
			for _, rm := range srv.RunningModels {
				if seen[rm.Model] {
					continue
				}
				seen[rm.Model] = true
				models = append(models, rm)
			}
		}
		sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })

		c.JSON(http.StatusOK, OllamaProcessResponse{Models: models})
	}
}

// handleShow serves POST /api/show from the model metadata cache, so clients
// get an answer even when every backend is busy.
func (m *Manager) handleShow() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OllamaShowRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ModelName() == "" {
			m.sendError(c, validationError("model is required"))
			return
		}

		model, err := m.repo.ModelByName(c.Request.Context(), req.ModelName())
		if err != nil {
			m.sendError(c, notFound("Model not found"))
			return
		}

		resp := gin.H{
			"modelfile":  model.Modelfile,
			"template":   model.Template,
			"details":    model.Details,
			"model_info": model.Info,
		}
		if !req.Verbose {
			// verbose info carries the huge tokenizer arrays
			trimmed := make(map[string]any, len(model.Info))
			for k, v := range model.Info {
				if _, isArray := v.([]any); isArray {
					continue
				}
				trimmed[k] = v
			}
			resp["model_info"] = trimmed
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleVersion serves GET /api/version.
func (m *Manager) handleVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	}
}
