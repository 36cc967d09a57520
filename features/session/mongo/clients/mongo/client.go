// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/session"
)

const (
	defaultSessionsCollection = "acp_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session state.
type Client interface {
	health.Pinger

	CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error)
	LoadSession(ctx context.Context, sessionID string) (session.Session, error)
	AppendHistory(ctx context.Context, sessionID string, messages []acp.Message) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": sessionID,
			"status":     string(session.StatusActive),
			"created_at": createdAt.UTC(),
			"updated_at": createdAt.UTC(),
		},
	}
	if _, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return session.Session{}, err
	}
	sess, err := c.loadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if sess.Status == session.StatusEnded {
		return session.Session{}, session.ErrEnded
	}
	return sess, nil
}

func (c *client) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.loadSession(ctx, sessionID)
}

func (c *client) AppendHistory(ctx context.Context, sessionID string, messages []acp.Message) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(messages) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	docs := fromMessages(messages)
	filter := bson.M{"session_id": sessionID, "status": string(session.StatusActive)}
	update := bson.M{
		"$push": bson.M{"history": bson.M{"$each": docs}},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := c.loadSession(ctx, sessionID); err != nil {
			return err
		}
		return session.ErrEnded
	}
	return nil
}

func (c *client) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID, "status": string(session.StatusActive)}
	update := bson.M{
		"$set": bson.M{
			"status":     string(session.StatusEnded),
			"ended_at":   endedAt.UTC(),
			"updated_at": endedAt.UTC(),
		},
	}
	if _, err := c.coll.UpdateOne(ctx, filter, update); err != nil {
		return session.Session{}, err
	}
	return c.loadSession(ctx, sessionID)
}

func (c *client) loadSession(ctx context.Context, sessionID string) (session.Session, error) {
	filter := bson.M{"session_id": sessionID}
	var doc sessionDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID string            `bson:"session_id"`
	Status    string            `bson:"status"`
	History   []messageDocument `bson:"history,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	EndedAt   *time.Time        `bson:"ended_at,omitempty"`
}

type messageDocument struct {
	Parts []partDocument `bson:"parts"`
}

type partDocument struct {
	Name            string `bson:"name,omitempty"`
	ContentType     string `bson:"content_type,omitempty"`
	Content         string `bson:"content,omitempty"`
	ContentEncoding string `bson:"content_encoding,omitempty"`
	ContentURL      string `bson:"content_url,omitempty"`
}

func (doc sessionDocument) toSession() session.Session {
	return session.Session{
		ID:        doc.SessionID,
		Status:    session.Status(doc.Status),
		History:   toMessages(doc.History),
		CreatedAt: doc.CreatedAt,
		EndedAt:   doc.EndedAt,
	}
}

func fromMessages(msgs []acp.Message) []messageDocument {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]messageDocument, len(msgs))
	for i, msg := range msgs {
		parts := make([]partDocument, len(msg.Parts))
		for j, p := range msg.Parts {
			parts[j] = partDocument{
				Name:            p.Name,
				ContentType:     p.ContentType,
				Content:         p.Content,
				ContentEncoding: p.ContentEncoding,
				ContentURL:      p.ContentURL,
			}
		}
		out[i] = messageDocument{Parts: parts}
	}
	return out
}

func toMessages(docs []messageDocument) []acp.Message {
	if len(docs) == 0 {
		return nil
	}
	out := make([]acp.Message, len(docs))
	for i, doc := range docs {
		parts := make([]acp.MessagePart, len(doc.Parts))
		for j, p := range doc.Parts {
			parts[j] = acp.MessagePart{
				Name:            p.Name,
				ContentType:     p.ContentType,
				Content:         p.Content,
				ContentEncoding: p.ContentEncoding,
				ContentURL:      p.ContentURL,
			}
		}
		out[i] = acp.Message{Parts: parts}
	}
	return out
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
