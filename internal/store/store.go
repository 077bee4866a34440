// Package store selects a persistence backend from config.
package store

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/status"
	"github.com/gyaneshwarpardhi/postback/internal/store/memstore"
	"github.com/gyaneshwarpardhi/postback/internal/store/mongostore"
	"github.com/gyaneshwarpardhi/postback/internal/store/pgstore"
	"github.com/gyaneshwarpardhi/postback/internal/store/redisstore"
)

// Backend is the full surface the engine needs. Every backend additionally
// implements status.CASStore or status.AtomicStore.
type Backend interface {
	status.Store
	// InsertAuditEvent appends ev to the audit log and returns its id.
	InsertAuditEvent(ctx context.Context, ev *event.Event) (string, error)
	// EventsByTrader returns the trader's audited events oldest first.
	EventsByTrader(ctx context.Context, traderID string) ([]*event.Event, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ Backend            = (*memstore.Store)(nil)
	_ status.CASStore    = (*memstore.Store)(nil)
	_ Backend            = (*mongostore.Store)(nil)
	_ status.CASStore    = (*mongostore.Store)(nil)
	_ Backend            = (*pgstore.Store)(nil)
	_ status.AtomicStore = (*pgstore.Store)(nil)
	_ Backend            = (*redisstore.Store)(nil)
	_ status.AtomicStore = (*redisstore.Store)(nil)
)

// Open connects to the configured backend.
func Open(ctx context.Context, conf config.StoreConf) (Backend, error) {
	switch conf.Backend {
	case config.BackendMemory, "":
		return memstore.New(), nil
	case config.BackendMongo:
		return mongostore.Open(ctx, conf.MongoURI, conf.Database)
	case config.BackendPostgres:
		return pgstore.Open(ctx, conf.PostgresDSN)
	case config.BackendRedis:
		return redisstore.Open(ctx, conf.RedisAddr, conf.RedisPassword, conf.RedisDB)
	}
	return nil, fmt.Errorf("unknown store backend %q", conf.Backend)
}
