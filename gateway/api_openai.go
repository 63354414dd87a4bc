package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollamax/ollamax/store"
)

// handleOpenAIModels serves GET /v1/models in OpenAI list shape, derived from
// the inventory of the currently active servers.
func (m *Manager) handleOpenAIModels() gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := m.repo.ActiveServers(c.Request.Context(), "")
		if err != nil {
			m.sendError(c, err)
			return
		}

		seen := make(map[string]bool)
		data := []gin.H{}
		for _, srv := range servers {
			for _, info := range srv.Models {
				name, err := OpenAIModelName(info.Name)
				if err != nil || seen[name] {
					continue
				}
				seen[name] = true
				data = append(data, gin.H{
					"id":       name,
					"object":   "model",
					"created":  info.ModifiedAt.Unix(),
					"owned_by": "ollamax",
				})
			}
		}

		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}

// handleOpenAIChatCompletions serves POST /v1/chat/completions by rewriting
// the request into Ollama shape and translating the response back.
func (m *Manager) handleOpenAIChatCompletions() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, scanBufferSize))
		if err != nil {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		raw, err = m.applyOpenAIModelPolicy(raw, user, m.cfg.DefaultChatModel)
		if err != nil {
			m.sendError(c, err)
			return
		}

		body, model, stream, err := ollamaChatFromOpenAI(raw)
		if err != nil {
			m.sendError(c, err)
			return
		}

		obs := newObservation(ActionChat, user, body, c.Request.Header)
		obs.ModelMeta = m.lazyModelMeta(model)
		m.trackSession(c, user, ActionChat, body)

		m.dispatchGeneration(c, &generation{
			action:     ActionChat,
			path:       "/api/chat",
			body:       body,
			model:      model,
			stream:     stream,
			translator: newStreamTranslator(stream, time.Now().Unix()),
			obs:        obs,
		})
	}
}

// handleOpenAICompletions serves POST /v1/completions through /api/generate.
func (m *Manager) handleOpenAICompletions() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, scanBufferSize))
		if err != nil {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		raw, err = m.applyOpenAIModelPolicy(raw, user, m.cfg.DefaultCompletionsModel)
		if err != nil {
			m.sendError(c, err)
			return
		}

		body, model, stream, err := ollamaGenerateFromOpenAI(raw)
		if err != nil {
			m.sendError(c, err)
			return
		}

		obs := newObservation(ActionGenerate, user, body, c.Request.Header)
		obs.ModelMeta = m.lazyModelMeta(model)
		m.trackSession(c, user, ActionGenerate, body)

		m.dispatchGeneration(c, &generation{
			action:     ActionGenerate,
			path:       "/api/generate",
			body:       body,
			model:      model,
			stream:     stream,
			translator: newStreamTranslator(stream, time.Now().Unix()),
			obs:        obs,
		})
	}
}

// handleOpenAIEmbeddings serves POST /v1/embeddings. Every embeddings variant
// is served by the backend's /api/embeddings endpoint.
func (m *Manager) handleOpenAIEmbeddings() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, scanBufferSize))
		if err != nil {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		raw, err = m.applyOpenAIModelPolicy(raw, user, m.cfg.DefaultEmbeddingsModel)
		if err != nil {
			m.sendError(c, err)
			return
		}

		var req struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			m.sendError(c, validationError("invalid JSON body"))
			return
		}

		servers, err := m.repo.ActiveServers(c.Request.Context(), req.Model)
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
			m.rawProxy(c, srv.URL, "/api/embeddings", raw, 0)
		}); err != nil {
			m.logger.Debugf("embeddings dispatch abandoned: %v", err)
		}
	}
}

// applyOpenAIModelPolicy rewrites the model field of an OpenAI request per
// the routing policy, keeping the name in Ollama flavor for matching.
func (m *Manager) applyOpenAIModelPolicy(raw []byte, user *store.User, fallback string) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, validationError("invalid JSON body")
	}

	requested, _ := req["model"].(string)
	model := m.resolveModelPolicy(user, requested, fallback)
	if model == "" {
		return nil, validationError("model is required")
	}

	req["model"] = model
	return json.Marshal(req)
}
