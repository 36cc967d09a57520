package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	acp "github.com/agentcomm/acp"
	"github.com/agentcomm/acp/session"
)

type fakeCollection struct {
	docs map[string]sessionDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]sessionDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	id, _ := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	f := filter.(bson.M)
	id := f["session_id"].(string)
	u := update.(bson.M)

	doc, exists := c.docs[id]
	if exists {
		if status, ok := f["status"].(string); ok && doc.Status != status {
			return &mongodriver.UpdateResult{MatchedCount: 0}, nil
		}
		if set, ok := u["$set"].(bson.M); ok {
			if status, ok := set["status"].(string); ok {
				doc.Status = status
			}
			if updated, ok := set["updated_at"].(time.Time); ok {
				doc.UpdatedAt = updated
			}
			if ended, ok := set["ended_at"].(time.Time); ok {
				doc.EndedAt = &ended
			}
		}
		if push, ok := u["$push"].(bson.M); ok {
			each := push["history"].(bson.M)["$each"].([]messageDocument)
			doc.History = append(doc.History, each...)
		}
		c.docs[id] = doc
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}

	upsert := len(opts) > 0 && opts[0].Upsert != nil && *opts[0].Upsert
	if !upsert {
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}
	insert := u["$setOnInsert"].(bson.M)
	c.docs[id] = sessionDocument{
		SessionID: insert["session_id"].(string),
		Status:    insert["status"].(string),
		CreatedAt: insert["created_at"].(time.Time),
		UpdatedAt: insert["updated_at"].(time.Time),
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel,
	...*options.CreateIndexesOptions) (string, error) {
	return "idx", nil
}

type fakeSingleResult struct {
	doc sessionDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*sessionDocument) = r.doc
	return nil
}

func newTestClient(t *testing.T) *client {
	t.Helper()
	c, err := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, err)
	return c
}

func TestCreateSession(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	sess, err := c.CreateSession(ctx, "s1", created)
	require.NoError(t, err)
	require.Equal(t, "s1", sess.ID)
	require.Equal(t, session.StatusActive, sess.Status)
	require.Equal(t, created, sess.CreatedAt)
	require.Empty(t, sess.History)
}

func TestCreateSessionIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	_, err := c.CreateSession(ctx, "s1", created)
	require.NoError(t, err)
	require.NoError(t, c.AppendHistory(ctx, "s1", []acp.Message{acp.Text("hello")}))

	sess, err := c.CreateSession(ctx, "s1", created.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, created, sess.CreatedAt)
	require.Len(t, sess.History, 1)
}

func TestCreateSessionEnded(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)
	_, err = c.EndSession(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)

	_, err = c.CreateSession(ctx, "s1", time.Now().UTC())
	require.ErrorIs(t, err, session.ErrEnded)
}

func TestAppendHistory(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, c.AppendHistory(ctx, "s1", []acp.Message{acp.Text("one"), acp.Text("two")}))
	require.NoError(t, c.AppendHistory(ctx, "s1", nil))

	sess, err := c.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	require.Equal(t, "one", sess.History[0].Text())
	require.Equal(t, "two", sess.History[1].Text())
}

func TestAppendHistoryMissing(t *testing.T) {
	c := newTestClient(t)
	err := c.AppendHistory(context.Background(), "missing", []acp.Message{acp.Text("hi")})
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestAppendHistoryEnded(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateSession(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)
	_, err = c.EndSession(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)

	err = c.AppendHistory(ctx, "s1", []acp.Message{acp.Text("hi")})
	require.ErrorIs(t, err, session.ErrEnded)
}

func TestEndSessionIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	first := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	_, err := c.CreateSession(ctx, "s1", first.Add(-time.Hour))
	require.NoError(t, err)

	sess, err := c.EndSession(ctx, "s1", first)
	require.NoError(t, err)
	require.Equal(t, session.StatusEnded, sess.Status)
	require.Equal(t, first, *sess.EndedAt)

	sess, err = c.EndSession(ctx, "s1", first.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, first, *sess.EndedAt)
}

func TestLoadSessionMissing(t *testing.T) {
	c := newTestClient(t)
	_, err := c.LoadSession(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestClientName(t *testing.T) {
	c := newTestClient(t)
	require.Equal(t, "session-mongo", c.Name())
}
