package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollamax/ollamax/store"
)

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// handleUserCreate serves POST /user/.create (admin only). The generated API
// key is returned exactly once, in this response.
func (m *Manager) handleUserCreate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("username is required"))
			return
		}
		if req.Username == store.GuestUsername {
			m.sendError(c, validationError("username is reserved"))
			return
		}

		user := &store.User{
			Username: req.Username,
			Key:      store.GenerateKey(),
			IsAdmin:  req.IsAdmin,
			IsActive: true,
		}
		if req.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				m.sendError(c, err)
				return
			}
			user.PasswordHash = string(hash)
		}

		if err := m.repo.InsertUser(c.Request.Context(), user); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				m.sendError(c, ErrUserAlreadyExist)
				return
			}
			m.sendError(c, err)
			return
		}

		c.JSON(http.StatusOK, user)
	}
}

// handleUserRegister serves GET and POST /user/.register: self-service signup
// when the deployment allows it. The GET form takes username and password as
// query parameters.
func (m *Manager) handleUserRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.cfg.UserRegistrationEnabled {
			m.sendError(c, ErrAccessDenied)
			return
		}

		var req createUserRequest
		if c.Request.Method == http.MethodGet {
			req.Username = c.Query("username")
			req.Password = c.Query("password")
		} else if err := c.ShouldBindJSON(&req); err != nil {
			m.sendError(c, validationError("username is required"))
			return
		}
		if req.Username == "" {
			m.sendError(c, validationError("username is required"))
			return
		}
		if req.Username == store.GuestUsername {
			m.sendError(c, validationError("username is reserved"))
			return
		}

		user := &store.User{
			Username: req.Username,
			Key:      store.GenerateKey(),
			IsActive: true,
		}
		if req.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				m.sendError(c, err)
				return
			}
			user.PasswordHash = string(hash)
		}

		if err := m.repo.InsertUser(c.Request.Context(), user); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				m.sendError(c, ErrUserAlreadyExist)
				return
			}
			m.sendError(c, err)
			return
		}

		c.JSON(http.StatusOK, user)
	}
}

// handleUserOne serves GET /user/.one?username=<name> (admin only), key
// redacted.
func (m *Manager) handleUserOne() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.repo.UserByUsername(c.Request.Context(), c.Query("username"))
		if err != nil {
			m.sendError(c, notFound("User not found"))
			return
		}
		c.JSON(http.StatusOK, user.Redacted())
	}
}

// handleUserList serves GET /user/.all and /user/.list (admin only), keys
// redacted.
func (m *Manager) handleUserList() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := m.repo.Users(c.Request.Context())
		if err != nil {
			m.sendError(c, err)
			return
		}

		out := make([]store.User, 0, len(users))
		for _, u := range users {
			out = append(out, u.Redacted())
		}
		c.JSON(http.StatusOK, out)
	}
}

// handleUserMe serves GET /user/.me for the authenticated user.
func (m *Manager) handleUserMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, currentUser(c))
	}
}

// handleUserDelete serves DELETE /user/:user_id (admin only).
func (m *Manager) handleUserDelete() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.repo.UserByID(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			m.sendError(c, notFound("User not found"))
			return
		}
		if err := m.repo.DeleteUser(c.Request.Context(), user.ID); err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": user.Username})
	}
}

// handleUserResetKey serves POST /user/.reset-key: mints a fresh API key for
// the caller, invalidating the old one.
func (m *Manager) handleUserResetKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user.IsGuest() {
			m.sendError(c, ErrAccessDenied)
			return
		}

		user.Key = store.GenerateKey()
		if err := m.repo.UpdateUser(c.Request.Context(), user, "key"); err != nil {
			m.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// handleToken serves POST /token and POST /api/user/.login: username/password
// login returning a JWT.
func (m *Manager) handleToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.PostForm("username")
		password := c.PostForm("password")
		if username == "" || password == "" {
			var req struct {
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&req); err == nil {
				username, password = req.Username, req.Password
			}
		}

		user, err := m.repo.UserByUsername(c.Request.Context(), username)
		if err != nil || !user.IsActive || !checkPassword(user, password) {
			m.sendError(c, ErrAccessDenied)
			return
		}

		token, expires, err := m.createAccessToken(user)
		if err != nil {
			m.sendError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token": token,
			"token_type":   "bearer",
			"expires_at":   expires.Unix(),
		})
	}
}
