package store

import (
	"time"
)

// ActiveWindow is how recently a server must have answered a health probe to
// be eligible for routing.
const ActiveWindow = 20 * time.Second

// GuestUsername is the reserved username for transient anonymous users.
const GuestUsername = "guest"

// User is an authenticated API consumer. Guests share the reserved username
// and are never persisted.
type User struct {
	ID           string `bson:"_id,omitempty" json:"id,omitempty"`
	Username     string `bson:"username" json:"username"`
	Key          string `bson:"key" json:"key,omitempty"`
	PasswordHash string `bson:"password_hash,omitempty" json:"-"`
	IsAdmin      bool   `bson:"is_admin" json:"is_admin"`
	IsActive     bool   `bson:"is_active" json:"is_active"`
}

func (u *User) IsGuest() bool {
	return u.Username == GuestUsername
}

// Redacted returns a copy safe to return to non-admin callers.
func (u *User) Redacted() User {
	c := *u
	c.Key = ""
	return c
}

// ModelInfo is one entry of a server's /api/tags inventory.
type ModelInfo struct {
	Name       string         `bson:"name" json:"name"`
	Model      string         `bson:"model" json:"model"`
	ModifiedAt time.Time      `bson:"modified_at,omitempty" json:"modified_at,omitempty"`
	Size       int64          `bson:"size,omitempty" json:"size,omitempty"`
	Digest     string         `bson:"digest,omitempty" json:"digest,omitempty"`
	Details    map[string]any `bson:"details,omitempty" json:"details,omitempty"`
}

// RunningModel is one entry of a server's /api/ps response.
type RunningModel struct {
	Name      string         `bson:"name,omitempty" json:"name,omitempty"`
	Model     string         `bson:"model" json:"model"`
	ExpiresAt time.Time      `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Size      int64          `bson:"size,omitempty" json:"size,omitempty"`
	SizeVRAM  int64          `bson:"size_vram,omitempty" json:"size_vram,omitempty"`
	Details   map[string]any `bson:"details,omitempty" json:"details,omitempty"`
}

// Server is one Ollama backend the gateway routes to.
type Server struct {
	ID            string         `bson:"_id,omitempty" json:"id,omitempty"`
	URL           string         `bson:"url" json:"url"`
	LastUpdate    time.Time      `bson:"last_update" json:"last_update"`
	LastAlive     time.Time      `bson:"last_alive" json:"last_alive"`
	Models        []ModelInfo    `bson:"models" json:"models"`
	RunningModels []RunningModel `bson:"running_models" json:"running_models"`
}

// Active reports whether the server answered a probe within the liveness
// window as of now.
func (s *Server) Active(now time.Time) bool {
	return !s.LastAlive.Before(now.Add(-ActiveWindow))
}

// Model is cached /api/show metadata for a (name, digest) pair seen on any
// server.
type Model struct {
	Name      string         `bson:"_id" json:"id"`
	Modelfile string         `bson:"modelfile" json:"modelfile"`
	Template  string         `bson:"template" json:"template"`
	Details   map[string]any `bson:"details" json:"details"`
	Info      map[string]any `bson:"info" json:"info"`
	Digest    string         `bson:"digest" json:"digest"`
}

// ContextLength extracts the context window size from the model's verbose
// info block (info["<arch>.context_length"] keyed by general.architecture).
func (m *Model) ContextLength() int {
	arch, ok := m.Info["general.architecture"].(string)
	if !ok {
		return 0
	}
	switch v := m.Info[arch+".context_length"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// SessionTTL is how long a chat session is kept for request deduplication.
const SessionTTL = time.Hour

// Session is a short-lived deduplication record for a conversation. The
// composite lookup key is (user, messages) for chat and (user, context) for
// generate.
type Session struct {
	ID           string    `bson:"_id,omitempty" json:"id,omitempty"`
	User         string    `bson:"user" json:"user"`
	Messages     any       `bson:"messages,omitempty" json:"messages,omitempty"`
	Context      any       `bson:"context,omitempty" json:"context,omitempty"`
	ExpiresAfter time.Time `bson:"expires_after" json:"expires_after"`
}
