// Package mongo implements the low-level MongoDB client used by the call
// record store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/eager/runtime/eager"
	"goa.design/eager/runtime/eager/callrecord"
)

type (
	// Client exposes Mongo-backed operations for call records.
	Client interface {
		health.Pinger

		Append(ctx context.Context, r *callrecord.Record) error
		List(ctx context.Context, runID string, cursor string, limit int) (callrecord.Page, error)
		ByExecution(ctx context.Context, execID string) ([]*callrecord.Record, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	recordDocument struct {
		ID          bson.ObjectID `bson:"_id,omitempty"`
		RunID       string             `bson:"run_id"`
		Type        string             `bson:"type"`
		NodeIndex   int                `bson:"node_index"`
		Entity      string             `bson:"entity,omitempty"`
		ExecutionID string             `bson:"execution_id,omitempty"`
		Payload     []byte             `bson:"payload"`
		Timestamp   time.Time          `bson:"timestamp"`
	}
)

const (
	defaultCollection = "eager_call_records"
	defaultTimeout    = 5 * time.Second
	clientName        = "callrecord-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, r *callrecord.Record) error {
	if r == nil {
		return errors.New("record is required")
	}
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	if r.Type == "" {
		return errors.New("event type is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.coll.InsertOne(ctx, recordDocument{
		RunID:       r.RunID,
		Type:        string(r.Type),
		NodeIndex:   r.NodeIndex,
		Entity:      r.Entity,
		ExecutionID: r.ExecutionID,
		Payload:     append([]byte(nil), r.Payload...),
		Timestamp:   r.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	r.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, runID string, cursor string, limit int) (callrecord.Page, error) {
	if runID == "" {
		return callrecord.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return callrecord.Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return callrecord.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	recs, err := c.find(ctx, filter, int64(limit+1))
	if err != nil {
		return callrecord.Page{}, err
	}
	var next string
	if len(recs) > limit {
		next = recs[limit-1].ID
		recs = recs[:limit]
	}
	return callrecord.Page{Records: recs, NextCursor: next}, nil
}

func (c *client) ByExecution(ctx context.Context, execID string) ([]*callrecord.Record, error) {
	if execID == "" {
		return nil, errors.New("execution id is required")
	}
	return c.find(ctx, bson.M{"execution_id": execID}, 0)
}

func (c *client) find(ctx context.Context, filter bson.M, limit int64) (recs []*callrecord.Record, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, &callrecord.Record{
			ID:          doc.ID.Hex(),
			RunID:       doc.RunID,
			Type:        eager.EventType(doc.Type),
			NodeIndex:   doc.NodeIndex,
			Entity:      doc.Entity,
			ExecutionID: doc.ExecutionID,
			Payload:     append([]byte(nil), doc.Payload...),
			Timestamp:   doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
