// Package mongo hosts the MongoDB client used by the run store.
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
	"github.com/agentcomm/acp/run"
)

const (
	defaultRunsCollection = "acp_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, rec run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	ListRunsBySession(ctx context.Context, sessionID string) ([]run.Record, error)
}

// Options configures the Mongo run client.
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
		coll = defaultRunsCollection
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
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) UpsertRun(ctx context.Context, rec run.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.AgentName == "" {
		return errors.New("agent name is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	doc := fromRecord(rec)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// created_at is written only through $setOnInsert: a path present in
	// both operators makes MongoDB reject the whole update. Mutable fields
	// are set explicitly, nil pointers included, so stale await_request and
	// error values from earlier statuses get overwritten.
	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{
		"$set": bson.M{
			"agent_name":    doc.AgentName,
			"session_id":    doc.SessionID,
			"status":        doc.Status,
			"await_request": doc.AwaitRequest,
			"output":        doc.Output,
			"error":         doc.Error,
			"updated_at":    doc.UpdatedAt,
			"finished_at":   doc.FinishedAt,
		},
		"$setOnInsert": bson.M{
			"run_id":     doc.RunID,
			"created_at": doc.CreatedAt,
		},
	}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) ListRunsBySession(ctx context.Context, sessionID string) ([]run.Record, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var recs []run.Record
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
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

type runDocument struct {
	RunID        string            `bson:"run_id"`
	AgentName    string            `bson:"agent_name"`
	SessionID    string            `bson:"session_id,omitempty"`
	Status       string            `bson:"status"`
	AwaitRequest *awaitDocument    `bson:"await_request,omitempty"`
	Output       []messageDocument `bson:"output,omitempty"`
	Error        *errorDocument    `bson:"error,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
	FinishedAt   *time.Time        `bson:"finished_at,omitempty"`
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

type awaitDocument struct {
	Message *messageDocument `bson:"message,omitempty"`
}

type errorDocument struct {
	Code    string `bson:"code"`
	Message string `bson:"message"`
}

func fromRecord(rec run.Record) runDocument {
	doc := runDocument{
		RunID:      rec.RunID,
		AgentName:  rec.AgentName,
		SessionID:  rec.SessionID,
		Status:     string(rec.Status),
		Output:     fromMessages(rec.Output),
		CreatedAt:  rec.CreatedAt.UTC(),
		UpdatedAt:  rec.UpdatedAt.UTC(),
		FinishedAt: rec.FinishedAt,
	}
	if rec.AwaitRequest != nil {
		doc.AwaitRequest = &awaitDocument{Message: fromMessagePtr(rec.AwaitRequest.Message)}
	}
	if rec.Error != nil {
		doc.Error = &errorDocument{Code: string(rec.Error.Code), Message: rec.Error.Message}
	}
	return doc
}

func (doc runDocument) toRecord() run.Record {
	rec := run.Record{
		RunID:      doc.RunID,
		AgentName:  doc.AgentName,
		SessionID:  doc.SessionID,
		Status:     acp.RunStatus(doc.Status),
		Output:     toMessages(doc.Output),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
		FinishedAt: doc.FinishedAt,
	}
	if doc.AwaitRequest != nil {
		rec.AwaitRequest = &acp.AwaitRequest{Message: toMessagePtr(doc.AwaitRequest.Message)}
	}
	if doc.Error != nil {
		rec.Error = &acp.Error{Code: acp.ErrorCode(doc.Error.Code), Message: doc.Error.Message}
	}
	return rec
}

func fromMessages(msgs []acp.Message) []messageDocument {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]messageDocument, len(msgs))
	for i, msg := range msgs {
		out[i] = fromMessage(msg)
	}
	return out
}

func fromMessage(msg acp.Message) messageDocument {
	parts := make([]partDocument, len(msg.Parts))
	for i, p := range msg.Parts {
		parts[i] = partDocument{
			Name:            p.Name,
			ContentType:     p.ContentType,
			Content:         p.Content,
			ContentEncoding: p.ContentEncoding,
			ContentURL:      p.ContentURL,
		}
	}
	return messageDocument{Parts: parts}
}

func fromMessagePtr(msg *acp.Message) *messageDocument {
	if msg == nil {
		return nil
	}
	doc := fromMessage(*msg)
	return &doc
}

func toMessages(docs []messageDocument) []acp.Message {
	if len(docs) == 0 {
		return nil
	}
	out := make([]acp.Message, len(docs))
	for i, doc := range docs {
		out[i] = doc.toMessage()
	}
	return out
}

func (doc messageDocument) toMessage() acp.Message {
	parts := make([]acp.MessagePart, len(doc.Parts))
	for i, p := range doc.Parts {
		parts[i] = acp.MessagePart{
			Name:            p.Name,
			ContentType:     p.ContentType,
			Content:         p.Content,
			ContentEncoding: p.ContentEncoding,
			ContentURL:      p.ContentURL,
		}
	}
	return acp.Message{Parts: parts}
}

func toMessagePtr(doc *messageDocument) *acp.Message {
	if doc == nil {
		return nil
	}
	msg := doc.toMessage()
	return &msg
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
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
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
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

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
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

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
