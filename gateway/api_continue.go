package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ollamax/ollamax/store"
)

// continueProjectHeader tells the plugin which project a request belongs to.
const continueProjectHeader = "ContinueDevProject"

// publicBaseURL reconstructs the externally visible base URL for this
// request, so plugin configs point back at the gateway.
func publicBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + host
}

// personalizeConfig stamps one member's credentials into a project config:
// every model entry gets the gateway as apiBase, the member's key as bearer
// and the project header, so plugin traffic is attributable.
func personalizeConfig(cfg store.ProjectConfig, baseURL, key, projectID string) store.ProjectConfig {
	apiBase := baseURL + "/ollama"

	personalizeOptions := func(opts *store.RequestOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]string)
		}
		opts.Headers["Authorization"] = "Bearer " + key
		opts.Headers[continueProjectHeader] = projectID
	}

	models := make([]store.ProjectModel, len(cfg.Models))
	for i, model := range cfg.Models {
		model.APIBase = apiBase
		model.APIKey = key
		personalizeOptions(&model.RequestOptions)
		models[i] = model
	}
	cfg.Models = models

	if cfg.TabAutocompleteModel != nil {
		tab := *cfg.TabAutocompleteModel
		tab.APIBase = apiBase
		tab.APIKey = key
		personalizeOptions(&tab.RequestOptions)
		cfg.TabAutocompleteModel = &tab
	}
	if cfg.EmbeddingsProvider != nil {
		emb := *cfg.EmbeddingsProvider
		emb.APIBase = apiBase
		emb.APIKey = key
		personalizeOptions(&emb.RequestOptions)
		cfg.EmbeddingsProvider = &emb
	}
	return cfg
}

// projectForMember loads a project and checks membership.
func (m *Manager) projectForMember(c *gin.Context, projectID string, user *store.User) (*store.Project, error) {
	project, err := m.repo.ProjectByID(c.Request.Context(), projectID)
	if err != nil {
		return nil, notFound("Project not found")
	}
	if !project.HasMember(user.ID) && !user.IsAdmin {
		return nil, ErrAccessDenied
	}
	return project, nil
}

// handleProjectList serves GET /continue/.all: the caller's projects.
func (m *Manager) handleProjectList() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user.IsGuest() {
			m.sendError(c, ErrAccessDenied)
			return
		}

		projects, err := m.repo.ProjectsForUser(c.Request.Context(), user.ID)
		if err != nil {
			m.sendError(c, err)
			return
		}
		if projects == nil {
			projects = []*store.Project{}
		}
		c.JSON(http.StatusOK, projects)
	}
}

type createProjectRequest struct {
	Name   string              `json:"name" binding:"required"`
	Config store.ProjectConfig `json:"config"`
}

// handleProjectCreate serves POST /continue/.create. The creator becomes the
// project admin.
func (m *Manager) handleProjectCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user.IsGuest() {
			m.sendError(c, ErrAccessDenied)
			return
		}

		var req createProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("name is required"))
			return
		}

		project := &store.Project{
			Admin:    user.ID,
			Name:     req.Name,
			Users:    []string{},
			InviteID: store.NewInviteID(),
			Config:   req.Config,
		}
		if err := m.repo.InsertProject(c.Request.Context(), project); err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// handleProjectGet serves GET /continue/:project_id for members.
func (m *Manager) handleProjectGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		project, err := m.projectForMember(c, c.Param("project_id"), user)
		if err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// handleProjectJoin serves POST /continue/.join/:invite_id for the
// authenticated user.
func (m *Manager) handleProjectJoin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user.IsGuest() {
			m.sendError(c, ErrAccessDenied)
			return
		}
		m.joinProject(c, user, c.Param("invite_id"))
	}
}

// handleProjectJoinByKey serves GET /continue/.join?invite_id=<id>&user_key=<key>,
// the invite link shape. The user comes from the user_key query parameter, not
// the Authorization header, so the link works from a plain browser click.
func (m *Manager) handleProjectJoinByKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.repo.UserByKey(c.Request.Context(), c.Query("user_key"), false)
		if err != nil || !user.IsActive {
			m.sendError(c, ErrAccessDenied)
			return
		}
		m.joinProject(c, user, c.Query("invite_id"))
	}
}

func (m *Manager) joinProject(c *gin.Context, user *store.User, inviteID string) {
	project, err := m.repo.ProjectByInviteID(c.Request.Context(), inviteID)
	if err != nil {
		m.sendError(c, notFound("Project not found"))
		return
	}
	if project.HasMember(user.ID) {
		m.sendError(c, ErrUserAlreadyInProject)
		return
	}

	project.Users = append(project.Users, user.ID)
	if err := m.repo.UpdateProject(c.Request.Context(), project, "users"); err != nil {
		m.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

type editProjectRequest struct {
	Config store.ProjectConfig `json:"config" binding:"required"`
}

// handleProjectEdit serves PUT /continue/:project_id/.edit, project admin
// only.
func (m *Manager) handleProjectEdit() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		project, err := m.projectForMember(c, c.Param("project_id"), user)
		if err != nil {
			m.sendError(c, err)
			return
		}
		if project.Admin != user.ID && !user.IsAdmin {
			m.sendError(c, ErrAccessDenied)
			return
		}

		var req editProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("config is required"))
			return
		}

		project.Config = req.Config
		if err := m.repo.UpdateProject(c.Request.Context(), project, "config"); err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// handleProjectResetInvite serves POST /continue/:project_id/.reset-invite-id
// so a leaked invite link can be revoked.
func (m *Manager) handleProjectResetInvite() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		project, err := m.projectForMember(c, c.Param("project_id"), user)
		if err != nil {
			m.sendError(c, err)
			return
		}
		if project.Admin != user.ID && !user.IsAdmin {
			m.sendError(c, ErrAccessDenied)
			return
		}

		project.InviteID = store.NewInviteID()
		if err := m.repo.UpdateProject(c.Request.Context(), project, "invite_id"); err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// handleProjectSync serves GET /continue/sync for IDE plugins. The credential
// is "user_key:project_id" so the plugin needs a single secret, and the
// response is the project config personalized for that member.
func (m *Manager) handleProjectSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, projectID, ok := strings.Cut(bearerToken(c), ":")
		if !ok || key == "" || projectID == "" {
			m.sendError(c, ErrAccessDenied)
			return
		}

		user, err := m.repo.UserByKey(c.Request.Context(), key, false)
		if err != nil || !user.IsActive {
			m.sendError(c, ErrAccessDenied)
			return
		}

		project, err := m.repo.ProjectByID(c.Request.Context(), projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.sendError(c, notFound("Project not found"))
				return
			}
			m.sendError(c, err)
			return
		}
		if !project.HasMember(user.ID) {
			m.sendError(c, ErrAccessDenied)
			return
		}

		c.JSON(http.StatusOK, personalizeConfig(project.Config, publicBaseURL(c), user.Key, project.ID))
	}
}
