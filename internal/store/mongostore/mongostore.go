// Package mongostore persists the postback audit log and trader statuses in
// MongoDB. Status writes are optimistic: every document carries a version and
// updates are conditional on it.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

const (
	postbacksCollection = "postbacks"
	statusCollection    = "user_status"
)

// legacyVersion is reported for user_status documents written before versioning
// was introduced. They carry no version field at all.
const legacyVersion int64 = -1

// Store is a MongoDB backend.
type Store struct {
	client    *mongo.Client
	postbacks *mongo.Collection
	statuses  *mongo.Collection
}

// Open connects to uri, verifies the connection and ensures indexes exist.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w: %w", status.ErrStoreUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w: %w", status.ErrStoreUnavailable, err)
	}
	s := NewWithDatabase(client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// NewWithDatabase wraps an existing database handle.
func NewWithDatabase(db *mongo.Database) *Store {
	return &Store{
		client:    db.Client(),
		postbacks: db.Collection(postbacksCollection),
		statuses:  db.Collection(statusCollection),
	}
}

// EnsureIndexes creates the lookup index on postbacks and the unique trader key.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.postbacks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "trader_id", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo index %s: %w: %w", postbacksCollection, status.ErrStoreUnavailable, err)
	}
	_, err = s.statuses.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "trader_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo index %s: %w: %w", statusCollection, status.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, traderID string) (*status.Status, error) {
	st, _, err := s.Load(ctx, traderID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, status.ErrNotFound
	}
	return st, nil
}

func (s *Store) Load(ctx context.Context, traderID string) (*status.Status, int64, error) {
	var doc statusDoc
	err := s.statuses.FindOne(ctx, bson.M{"trader_id": traderID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("mongo load status %s: %w: %w", traderID, status.ErrStoreUnavailable, err)
	}
	if doc.Version == nil {
		return doc.toStatus(), legacyVersion, nil
	}
	return doc.toStatus(), *doc.Version, nil
}

// CompareAndSwap inserts when version is 0 (a concurrent insert surfaces as a
// duplicate key) and otherwise replaces the document only if its version matches.
// A legacy document is replaced only while it still has no version.
func (s *Store) CompareAndSwap(ctx context.Context, next *status.Status, version int64) error {
	filter := bson.M{"trader_id": next.TraderID, "version": version}
	switch version {
	case 0:
		_, err := s.statuses.InsertOne(ctx, toStatusDoc(next, 1))
		if mongo.IsDuplicateKeyError(err) {
			return status.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("mongo insert status %s: %w: %w", next.TraderID, status.ErrStoreUnavailable, err)
		}
		return nil
	case legacyVersion:
		filter["version"] = bson.M{"$exists": false}
		version = 0
	}

	res, err := s.statuses.ReplaceOne(ctx, filter, toStatusDoc(next, version+1))
	if err != nil {
		return fmt.Errorf("mongo replace status %s: %w: %w", next.TraderID, status.ErrStoreUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return status.ErrConflict
	}
	return nil
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev *event.Event) (string, error) {
	if _, err := s.postbacks.InsertOne(ctx, toPostbackDoc(ev)); err != nil {
		return "", fmt.Errorf("mongo insert postback: %w: %w", status.ErrStoreUnavailable, err)
	}
	return ev.ID, nil
}

// EventsByTrader returns the trader's audited postbacks oldest first.
func (s *Store) EventsByTrader(ctx context.Context, traderID string) ([]*event.Event, error) {
	cur, err := s.postbacks.Find(ctx,
		bson.M{"trader_id": traderID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo find postbacks %s: %w: %w", traderID, status.ErrStoreUnavailable, err)
	}
	var docs []postbackDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo read postbacks %s: %w: %w", traderID, status.ErrStoreUnavailable, err)
	}
	out := make([]*event.Event, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toEvent())
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w: %w", status.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
