package gateway

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ollamax/ollamax/store"
)

// ctxUserKey is where authenticated user lands in the gin context.
const ctxUserKey = "ollamax.user"

// bootstrapKey is the literal key that creates the first admin account when
// presented from localhost while no admin exists yet.
const bootstrapKey = "admin"

// anonymousToken is what browser clients send when no key is configured.
const anonymousToken = "undefined"

// bearerToken extracts the credential from the Authorization header. A bare
// token without the Bearer prefix is accepted for CLI convenience.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(auth)
}

func isLocalRequest(c *gin.Context) bool {
	ip := net.ParseIP(c.ClientIP())
	return ip != nil && ip.IsLoopback()
}

// guestUser is the transient identity for anonymous access. It is never
// persisted.
func guestUser() *store.User {
	return &store.User{Username: store.GuestUsername, IsActive: true}
}

// authenticate resolves the request credential to a user.
func (m *Manager) authenticate(c *gin.Context) (*store.User, error) {
	token := bearerToken(c)

	if token == "" || token == anonymousToken {
		if m.cfg.AnonymousAllowed {
			return guestUser(), nil
		}
		return nil, ErrAccessDenied
	}

	if token == bootstrapKey {
		// the well-known key only works from loopback; while no admin
		// account exists it creates one, afterwards it is an ordinary key
		// lookup so the bootstrap admin keeps working
		if !isLocalRequest(c) {
			m.logger.Warnf("bootstrap key used from non-local address %s", c.ClientIP())
			return nil, ErrAccessDenied
		}
		exists, err := m.repo.AdminExists(c.Request.Context())
		if err != nil {
			return nil, err
		}
		if !exists {
			return m.bootstrapAdmin(c)
		}
	}

	user, err := m.repo.UserByKey(c.Request.Context(), token, false)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccessDenied
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccessDenied
	}
	return user, nil
}

// bootstrapAdmin creates the first admin account. Only reached from loopback
// while no admin exists; authenticate guards both.
func (m *Manager) bootstrapAdmin(c *gin.Context) (*store.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(bootstrapKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	admin := &store.User{
		Username:     "admin",
		Key:          bootstrapKey,
		PasswordHash: string(hash),
		IsAdmin:      true,
		IsActive:     true,
	}
	if err := m.repo.InsertUser(c.Request.Context(), admin); err != nil {
		// lost the race against a concurrent bootstrap
		if errors.Is(err, store.ErrDuplicateKey) {
			return m.repo.UserByKey(c.Request.Context(), bootstrapKey, true)
		}
		return nil, err
	}

	m.logger.Infof("bootstrap admin account created from %s", c.ClientIP())
	return admin, nil
}

// requireUser authenticates the request and aborts with the error taxonomy
// on failure.
func (m *Manager) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.authenticate(c)
		if err != nil {
			m.sendError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// requireAdmin additionally rejects non-admin users.
func (m *Manager) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := m.authenticate(c)
		if err == nil && !user.IsAdmin {
			err = ErrAccessDenied
		}
		if err != nil {
			m.sendError(c, err)
			c.Abort()
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// currentUser reads the authenticated user set by the middleware.
func currentUser(c *gin.Context) *store.User {
	if v, ok := c.Get(ctxUserKey); ok {
		if user, ok := v.(*store.User); ok {
			return user
		}
	}
	return guestUser()
}

// accessTokenClaims is the JWT payload for browser sessions.
type accessTokenClaims struct {
	jwt.RegisteredClaims
}

// createAccessToken signs a short-lived JWT for the user.
func (m *Manager) createAccessToken(user *store.User) (string, time.Time, error) {
	if m.cfg.JWTSecretKey == "" {
		return "", time.Time{}, errors.New("jwt_secret_key not configured")
	}

	expires := time.Now().Add(time.Duration(m.cfg.JWTTokenExpireMinutes) * time.Minute)
	claims := accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.JWTSecretKey))
	return token, expires, err
}

// userFromAccessToken validates a JWT and loads its subject.
func (m *Manager) userFromAccessToken(c *gin.Context, raw string) (*store.User, error) {
	claims := &accessTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.JWTSecretKey), nil
	})
	if err != nil {
		return nil, ErrAccessDenied
	}

	user, err := m.repo.UserByUsername(c.Request.Context(), claims.Subject)
	if err != nil {
		return nil, ErrAccessDenied
	}
	if !user.IsActive {
		return nil, ErrAccessDenied
	}
	return user, nil
}

// checkPassword verifies a login attempt against the stored bcrypt hash.
func checkPassword(user *store.User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}
