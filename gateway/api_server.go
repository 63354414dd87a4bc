package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ollamax/ollamax/store"
)

// pullTimeout bounds a model pull. Pulls stream progress, so the limit is on
// the whole transfer, not between chunks.
const pullTimeout = 5 * time.Minute

type createServerRequest struct {
	URL string `json:"url" binding:"required"`
}

// handleServerCreate serves POST /server/.create (admin only) and starts the
// health probe for the new backend.
func (m *Manager) handleServerCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("url is required"))
			return
		}

		parsed, err := url.Parse(req.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			m.sendError(c, validationError("url must be absolute"))
			return
		}

		srv := &store.Server{URL: strings.TrimSuffix(req.URL, "/")}
		if err := m.repo.InsertServer(c.Request.Context(), srv); err != nil {
			m.sendError(c, err)
			return
		}

		m.scheduler.AddServerJob(srv.ID)
		m.logger.Infof("server %s registered as %s", srv.URL, srv.ID)
		c.JSON(http.StatusOK, srv)
	}
}

// handleServerOne serves GET /server/.one?server_id=<id> (admin only).
func (m *Manager) handleServerOne() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := m.repo.ServerByID(c.Request.Context(), c.Query("server_id"))
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}
		c.JSON(http.StatusOK, srv)
	}
}

type updateServerRequest struct {
	ID  string `json:"id" binding:"required"`
	URL string `json:"url" binding:"required"`
}

// handleServerUpdate serves POST /server/.update (admin only): points a
// registered backend at a new URL. The old URL's dispatch queue is dropped;
// the probe job is keyed by id and follows along.
func (m *Manager) handleServerUpdate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateServerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("id and url are required"))
			return
		}

		parsed, err := url.Parse(req.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			m.sendError(c, validationError("url must be absolute"))
			return
		}

		srv, err := m.repo.ServerByID(c.Request.Context(), req.ID)
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}

		oldURL := srv.URL
		srv.URL = strings.TrimSuffix(req.URL, "/")
		if err := m.repo.UpdateServer(c.Request.Context(), srv, "url"); err != nil {
			m.sendError(c, err)
			return
		}
		if oldURL != srv.URL {
			m.dispatcher.Remove(oldURL)
		}

		m.logger.Infof("server %s moved from %s to %s", srv.ID, oldURL, srv.URL)
		c.JSON(http.StatusOK, srv)
	}
}

// handleServerList serves GET /server/.list (admin only).
func (m *Manager) handleServerList() gin.HandlerFunc {
	return func(c *gin.Context) {
		servers, err := m.repo.Servers(c.Request.Context())
		if err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, servers)
	}
}

// handleServerDelete serves DELETE /server/:server_id (admin only). The
// probe job and the dispatch queue go with it.
func (m *Manager) handleServerDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := m.repo.ServerByID(c.Request.Context(), c.Param("server_id"))
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}

		if err := m.repo.DeleteServer(c.Request.Context(), srv.ID); err != nil {
			m.sendError(c, err)
			return
		}
		m.scheduler.RemoveServerJob(srv.ID)
		m.dispatcher.Remove(srv.URL)

		m.logger.Infof("server %s (%s) removed", srv.ID, srv.URL)
		c.JSON(http.StatusOK, gin.H{"deleted": srv.ID})
	}
}

// handleServerModelList serves GET /server/:server_id/model.list (admin
// only): that backend's inventory as last probed.
func (m *Manager) handleServerModelList() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := m.repo.ServerByID(c.Request.Context(), c.Param("server_id"))
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}
		c.JSON(http.StatusOK, OllamaListTagsResponse{Models: srv.Models})
	}
}

type modelNameRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleServerModelPull serves POST /server/:server_id/model.pull (admin
// only), streaming the backend's pull progress through.
func (m *Manager) handleServerModelPull() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := m.repo.ServerByID(c.Request.Context(), c.Param("server_id"))
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}

		var req modelNameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("name is required"))
			return
		}

		body, err := json.Marshal(gin.H{"model": req.Name, "stream": true})
		if err != nil {
			m.sendError(c, err)
			return
		}
		m.rawProxy(c, srv.URL, "/api/pull", body, pullTimeout)
	}
}

// handleServerModelDelete serves DELETE (and POST) on
// /server/:server_id/model.delete (admin only).
func (m *Manager) handleServerModelDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv, err := m.repo.ServerByID(c.Request.Context(), c.Param("server_id"))
		if err != nil {
			m.sendError(c, notFound("Server not found"))
			return
		}

		var req modelNameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("name is required"))
			return
		}

		body, err := json.Marshal(gin.H{"model": req.Name})
		if err != nil {
			m.sendError(c, err)
			return
		}

		httpReq, err := http.NewRequestWithContext(c.Request.Context(),
			http.MethodDelete, srv.URL+"/api/delete", strings.NewReader(string(body)))
		if err != nil {
			m.sendError(c, err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := m.proxyClient.Do(httpReq)
		if err != nil {
			m.logger.Errorf("backend %s: %v", srv.URL, err)
			m.sendError(c, ErrNoServerAvailable)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			m.forwardBackendError(c, resp)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": req.Name})
	}
}

// handleUsage serves GET /usage (admin only): the in-memory usage window.
func (m *Manager) handleUsage() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := m.usage.RecordsJSON()
		if err != nil {
			m.sendError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", raw)
	}
}
