package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ollamax/ollamax/store"
)

// memRepo is an in-memory Repository for tests.
type memRepo struct {
	mu       sync.Mutex
	users    map[string]*store.User
	servers  map[string]*store.Server
	models   map[string]*store.Model
	sessions map[string]*store.Session
	projects map[string]*store.Project
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[string]*store.User),
		servers:  make(map[string]*store.Server),
		models:   make(map[string]*store.Model),
		sessions: make(map[string]*store.Session),
		projects: make(map[string]*store.Project),
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func (r *memRepo) UserByKey(_ context.Context, key string, adminOnly bool) (*store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Key == key && (!adminOnly || u.IsAdmin) {
			return clone(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) UserByUsername(_ context.Context, username string) (*store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) UserByID(_ context.Context, id string) (*store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return clone(u), nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) Users(_ context.Context) ([]*store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.User
	for _, u := range r.users {
		out = append(out, clone(u))
	}
	return out, nil
}

func (r *memRepo) AdminExists(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.IsAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) InsertUser(_ context.Context, u *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Username == u.Username || existing.Key == u.Key {
			return store.ErrDuplicateKey
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	r.users[u.ID] = clone(u)
	return nil
}

func (r *memRepo) UpdateUser(_ context.Context, u *store.User, fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		return store.ErrNotFound
	}
	r.users[u.ID] = clone(u)
	return nil
}

func (r *memRepo) DeleteUser(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.users, id)
	return nil
}

func (r *memRepo) ServerByID(_ context.Context, id string) (*store.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.servers[id]; ok {
		return clone(s), nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) Servers(_ context.Context) ([]*store.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Server
	for _, s := range r.servers {
		out = append(out, clone(s))
	}
	return out, nil
}

func (r *memRepo) ActiveServers(_ context.Context, model string) ([]*store.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// empty model means liveness filter only
	if model == "" {
		var out []*store.Server
		for _, s := range r.servers {
			if s.Active(now) {
				out = append(out, clone(s))
			}
		}
		return out, nil
	}

	re := regexp.MustCompile(store.ModelNamePattern(model))

	var out []*store.Server
	for _, s := range r.servers {
		if !s.Active(now) {
			continue
		}
		matched := false
		for _, m := range s.Models {
			if re.MatchString(m.Name) || re.MatchString(m.Model) {
				matched = true
				break
			}
		}
		if !matched {
			for _, m := range s.RunningModels {
				if re.MatchString(m.Model) {
					matched = true
					break
				}
			}
		}
		if matched {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (r *memRepo) InsertServer(_ context.Context, srv *store.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.servers {
		if existing.URL == srv.URL {
			return store.ErrDuplicateKey
		}
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	r.servers[srv.ID] = clone(srv)
	return nil
}

func (r *memRepo) UpdateServer(_ context.Context, srv *store.Server, fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.servers[srv.ID]
	if !ok {
		return store.ErrNotFound
	}
	if len(fields) == 0 {
		r.servers[srv.ID] = clone(srv)
		return nil
	}
	for _, f := range fields {
		switch f {
		case "url":
			existing.URL = srv.URL
		case "last_update":
			existing.LastUpdate = srv.LastUpdate
		case "last_alive":
			existing.LastAlive = srv.LastAlive
		case "models":
			existing.Models = srv.Models
		case "running_models":
			existing.RunningModels = srv.RunningModels
		default:
			return fmt.Errorf("memRepo: unknown server field %q", f)
		}
	}
	return nil
}

func (r *memRepo) DeleteServer(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.servers, id)
	return nil
}

func (r *memRepo) ModelByName(_ context.Context, name string) (*store.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[name]; ok {
		return clone(m), nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ModelsByNames(_ context.Context, names []string) ([]*store.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Model
	for _, name := range names {
		if m, ok := r.models[name]; ok {
			out = append(out, clone(m))
		}
	}
	return out, nil
}

func (r *memRepo) UpsertModel(_ context.Context, m *store.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name] = clone(m)
	return nil
}

func (r *memRepo) FindOrCreateSession(_ context.Context, userID string, messages, context_ any) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, _ := json.Marshal(map[string]any{"u": userID, "m": messages, "c": context_})
	if s, ok := r.sessions[string(key)]; ok {
		s.ExpiresAfter = time.Now().Add(store.SessionTTL)
		return clone(s), nil
	}

	s := &store.Session{
		ID:           uuid.NewString(),
		User:         userID,
		Messages:     messages,
		Context:      context_,
		ExpiresAfter: time.Now().Add(store.SessionTTL),
	}
	r.sessions[string(key)] = s
	return clone(s), nil
}

func (r *memRepo) ProjectByID(_ context.Context, id string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.projects[id]; ok {
		return clone(p), nil
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ProjectByName(_ context.Context, name string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.Name == name {
			return clone(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ProjectByInviteID(_ context.Context, inviteID string) (*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p.InviteID == inviteID {
			return clone(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRepo) ProjectsForUser(_ context.Context, userID string) ([]*store.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Project
	for _, p := range r.projects {
		if p.HasMember(userID) {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

func (r *memRepo) InsertProject(_ context.Context, p *store.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.projects {
		if existing.Name == p.Name {
			return store.ErrDuplicateKey
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.projects[p.ID] = clone(p)
	return nil
}

func (r *memRepo) UpdateProject(_ context.Context, p *store.Project, fields ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[p.ID]; !ok {
		return store.ErrNotFound
	}
	r.projects[p.ID] = clone(p)
	return nil
}

func (r *memRepo) DeleteProject(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.projects, id)
	return nil
}
