// Package store is the repository layer over the shared MongoDB document
// store. Uniqueness and session expiry are enforced by indexes so that
// multiple gateway replicas can share one database without extra
// coordination.
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const databaseName = "ollama_x"

const (
	usersCollection    = "users"
	serversCollection  = "api_server"
	modelsCollection   = "models"
	sessionsCollection = "sessions"
	projectsCollection = "continue-dev-projects"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect opens the MongoDB connection and pings it.
func Connect(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("document store is not reachable: %w", err)
	}

	return &Store{client: client, db: client.Database(databaseName)}, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the unique and TTL indexes every entity declares.
// Safe to run at every boot.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	_, err := s.db.Collection(usersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: unique},
	})
	if err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}

	_, err = s.db.Collection(serversCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "url", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "last_alive", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("server indexes: %w", err)
	}

	_, err = s.db.Collection(modelsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_id", Value: 1}, {Key: "digest", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("model indexes: %w", err)
	}

	_, err = s.db.Collection(sessionsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user", Value: 1}, {Key: "messages", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_after", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(1),
		},
	})
	if err != nil {
		return fmt.Errorf("session indexes: %w", err)
	}

	_, err = s.db.Collection(projectsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: unique,
	})
	if err != nil {
		return fmt.Errorf("project indexes: %w", err)
	}

	return nil
}

func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == mongo.ErrNoDocuments:
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicateKey
	default:
		return err
	}
}

func newID() string {
	return primitive.NewObjectID().Hex()
}

// ---------------------------------- users ----------------------------------

func (s *Store) UserByKey(ctx context.Context, key string, adminOnly bool) (*User, error) {
	filter := bson.M{"key": key}
	if adminOnly {
		filter["is_admin"] = true
	}

	var u User
	if err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&u); err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &u, nil
}

func (s *Store) Users(ctx context.Context) ([]*User, error) {
	cur, err := s.db.Collection(usersCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	var users []*User
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) AdminExists(ctx context.Context) (bool, error) {
	err := s.db.Collection(usersCollection).
		FindOne(ctx, bson.M{"is_admin": true}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) InsertUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	_, err := s.db.Collection(usersCollection).InsertOne(ctx, u)
	return wrapErr(err)
}

func (s *Store) UpdateUser(ctx context.Context, u *User, fields ...string) error {
	return s.updateFields(ctx, usersCollection, u.ID, structFields(u, fields))
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.Collection(usersCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------------------------- servers ---------------------------------

func (s *Store) ServerByID(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.Collection(serversCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&srv)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &srv, nil
}

func (s *Store) Servers(ctx context.Context) ([]*Server, error) {
	cur, err := s.db.Collection(serversCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}

	var servers []*Server
	if err := cur.All(ctx, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// ActiveServers returns a point-in-time snapshot of servers whose last_alive
// is within the liveness window, optionally filtered to those advertising the
// model.
func (s *Store) ActiveServers(ctx context.Context, model string) ([]*Server, error) {
	filter := bson.M{
		"last_alive": bson.M{"$gte": time.Now().UTC().Add(-ActiveWindow)},
	}

	if model != "" {
		pattern := ModelNamePattern(model)
		filter["$or"] = []bson.M{
			{"models.name": bson.M{"$regex": pattern}},
			{"models.model": bson.M{"$regex": pattern}},
			{"running_models.model": bson.M{"$regex": pattern}},
		}
	}

	cur, err := s.db.Collection(serversCollection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	var servers []*Server
	if err := cur.All(ctx, &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

func (s *Store) InsertServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = newID()
	}
	_, err := s.db.Collection(serversCollection).InsertOne(ctx, srv)
	return wrapErr(err)
}

func (s *Store) UpdateServer(ctx context.Context, srv *Server, fields ...string) error {
	return s.updateFields(ctx, serversCollection, srv.ID, structFields(srv, fields))
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.Collection(serversCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------- models ----------------------------------

func (s *Store) ModelByName(ctx context.Context, name string) (*Model, error) {
	var m Model
	err := s.db.Collection(modelsCollection).FindOne(ctx, bson.M{"_id": name}).Decode(&m)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &m, nil
}

func (s *Store) ModelsByNames(ctx context.Context, names []string) ([]*Model, error) {
	cur, err := s.db.Collection(modelsCollection).Find(ctx, bson.M{"_id": bson.M{"$in": names}})
	if err != nil {
		return nil, err
	}

	var models []*Model
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	return models, nil
}

// UpsertModel caches show metadata for a (name, digest) pair. A row with the
// same name but a different digest is replaced.
func (s *Store) UpsertModel(ctx context.Context, m *Model) error {
	existing, err := s.ModelByName(ctx, m.Name)
	if err != nil && err != ErrNotFound {
		return err
	}

	if existing != nil {
		if existing.Digest == m.Digest {
			return nil
		}
		if _, err := s.db.Collection(modelsCollection).DeleteOne(ctx, bson.M{"_id": m.Name}); err != nil {
			return err
		}
	}

	_, err = s.db.Collection(modelsCollection).InsertOne(ctx, m)
	return wrapErr(err)
}

// --------------------------------- sessions ---------------------------------

// FindOrCreateSession reuses the session matching the composite key and
// refreshes its TTL, creating one when absent.
func (s *Store) FindOrCreateSession(ctx context.Context, userID string, messages, context_ any) (*Session, error) {
	filter := bson.M{"user": userID}
	if messages != nil {
		filter["messages"] = messages
	}
	if context_ != nil {
		filter["context"] = context_
	}

	coll := s.db.Collection(sessionsCollection)

	var sess Session
	err := coll.FindOne(ctx, filter).Decode(&sess)
	switch {
	case err == nil:
		sess.ExpiresAfter = time.Now().UTC().Add(SessionTTL)
		_, err = coll.UpdateOne(ctx, bson.M{"_id": sess.ID},
			bson.M{"$set": bson.M{"expires_after": sess.ExpiresAfter}})
		if err != nil {
			return nil, err
		}
		return &sess, nil

	case err == mongo.ErrNoDocuments:
		sess = Session{
			ID:           newID(),
			User:         userID,
			Messages:     messages,
			Context:      context_,
			ExpiresAfter: time.Now().UTC().Add(SessionTTL),
		}
		if _, err := coll.InsertOne(ctx, &sess); err != nil {
			return nil, wrapErr(err)
		}
		return &sess, nil

	default:
		return nil, err
	}
}

// --------------------------------- projects ---------------------------------

func (s *Store) ProjectByID(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.Collection(projectsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *Store) ProjectByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.db.Collection(projectsCollection).FindOne(ctx, bson.M{"name": name}).Decode(&p)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

func (s *Store) ProjectByInviteID(ctx context.Context, inviteID string) (*Project, error) {
	var p Project
	err := s.db.Collection(projectsCollection).FindOne(ctx, bson.M{"invite_id": inviteID}).Decode(&p)
	if err != nil {
		return nil, wrapErr(err)
	}
	return &p, nil
}

// ProjectsForUser returns projects where the user is a member or the admin.
func (s *Store) ProjectsForUser(ctx context.Context, userID string) ([]*Project, error) {
	filter := bson.M{"$or": []bson.M{{"users": userID}, {"admin": userID}}}

	cur, err := s.db.Collection(projectsCollection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	var projects []*Project
	if err := cur.All(ctx, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *Store) InsertProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.InviteID == "" {
		p.InviteID = NewInviteID()
	}
	_, err := s.db.Collection(projectsCollection).InsertOne(ctx, p)
	return wrapErr(err)
}

func (s *Store) UpdateProject(ctx context.Context, p *Project, fields ...string) error {
	return s.updateFields(ctx, projectsCollection, p.ID, structFields(p, fields))
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.Collection(projectsCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --------------------------------- helpers ---------------------------------

func (s *Store) updateFields(ctx context.Context, collection, id string, set bson.M) error {
	if len(set) == 0 {
		return nil
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return wrapErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// structFields marshals the entity and keeps only the named bson fields,
// giving partial writes without per-entity update boilerplate.
func structFields(entity any, fields []string) bson.M {
	raw, err := bson.Marshal(entity)
	if err != nil {
		return nil
	}

	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	set := bson.M{}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			set[f] = v
		} else {
			set[f] = nil
		}
	}
	return set
}
