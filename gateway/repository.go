package gateway

import (
	"context"

	"github.com/ollamax/ollamax/store"
)

// Repository is the persistence surface the gateway consumes. *store.Store is
// the production implementation; tests use an in-memory one.
type Repository interface {
	UserByKey(ctx context.Context, key string, adminOnly bool) (*store.User, error)
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	UserByID(ctx context.Context, id string) (*store.User, error)
	Users(ctx context.Context) ([]*store.User, error)
	AdminExists(ctx context.Context) (bool, error)
	InsertUser(ctx context.Context, u *store.User) error
	UpdateUser(ctx context.Context, u *store.User, fields ...string) error
	DeleteUser(ctx context.Context, id string) error

	ServerByID(ctx context.Context, id string) (*store.Server, error)
	Servers(ctx context.Context) ([]*store.Server, error)
	ActiveServers(ctx context.Context, model string) ([]*store.Server, error)
	InsertServer(ctx context.Context, srv *store.Server) error
	UpdateServer(ctx context.Context, srv *store.Server, fields ...string) error
	DeleteServer(ctx context.Context, id string) error

	ModelByName(ctx context.Context, name string) (*store.Model, error)
	ModelsByNames(ctx context.Context, names []string) ([]*store.Model, error)
	UpsertModel(ctx context.Context, m *store.Model) error

	FindOrCreateSession(ctx context.Context, userID string, messages, context_ any) (*store.Session, error)

	ProjectByID(ctx context.Context, id string) (*store.Project, error)
	ProjectByName(ctx context.Context, name string) (*store.Project, error)
	ProjectByInviteID(ctx context.Context, inviteID string) (*store.Project, error)
	ProjectsForUser(ctx context.Context, userID string) ([]*store.Project, error)
	InsertProject(ctx context.Context, p *store.Project) error
	UpdateProject(ctx context.Context, p *store.Project, fields ...string) error
	DeleteProject(ctx context.Context, id string) error
}
