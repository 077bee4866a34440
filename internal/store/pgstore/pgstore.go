// Package pgstore persists postbacks and trader statuses in PostgreSQL. Status
// updates are a single upsert that folds the event's contribution into the row,
// so concurrent writers never need to retry.
package pgstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS postbacks (
		id         TEXT PRIMARY KEY,
		trader_id  TEXT,
		click_id   TEXT,
		site_id    TEXT,
		a          TEXT,
		ac         TEXT,
		reg        BOOLEAN NOT NULL,
		conf       BOOLEAN NOT NULL,
		ftd        BOOLEAN NOT NULL,
		dep        BOOLEAN NOT NULL,
		sumdep     NUMERIC,
		totaldep   NUMERIC,
		event      TEXT NOT NULL,
		registered BOOLEAN NOT NULL,
		deposited  BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		raw        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS postbacks_trader_created_idx ON postbacks (trader_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS user_status (
		trader_id           TEXT PRIMARY KEY,
		registered          BOOLEAN NOT NULL,
		deposited           BOOLEAN NOT NULL,
		ftd_at              TIMESTAMPTZ,
		last_deposit_amount NUMERIC,
		total_deposits      NUMERIC,
		last_event          TEXT NOT NULL,
		last_event_at       TIMESTAMPTZ NOT NULL,
		first_event_at      TIMESTAMPTZ NOT NULL
	)`,
}

const statusColumns = `trader_id, registered, deposited, ftd_at, last_deposit_amount, total_deposits, last_event, last_event_at, first_event_at`

// LEAST ignores NULLs, which gives "earliest non-null" for ftd_at.
const mergeQuery = `
	INSERT INTO user_status (` + statusColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (trader_id) DO UPDATE SET
		registered          = user_status.registered OR EXCLUDED.registered,
		deposited           = user_status.deposited OR EXCLUDED.deposited,
		ftd_at              = LEAST(user_status.ftd_at, EXCLUDED.ftd_at),
		last_deposit_amount = COALESCE(EXCLUDED.last_deposit_amount, user_status.last_deposit_amount),
		total_deposits      = COALESCE(EXCLUDED.total_deposits, user_status.total_deposits),
		last_event          = EXCLUDED.last_event,
		last_event_at       = EXCLUDED.last_event_at,
		first_event_at      = LEAST(user_status.first_event_at, EXCLUDED.first_event_at)
	RETURNING ` + statusColumns

const insertPostbackQuery = `
	INSERT INTO postbacks (id, trader_id, click_id, site_id, a, ac, reg, conf, ftd, dep, sumdep, totaldep, event, registered, deposited, created_at, raw)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const selectPostbacksQuery = `
	SELECT id, trader_id, click_id, site_id, a, ac, reg, conf, ftd, dep, sumdep, totaldep, event, registered, deposited, created_at, raw
	FROM postbacks WHERE trader_id = $1 ORDER BY created_at ASC`

// Store is a PostgreSQL backend.
type Store struct {
	db *sql.DB
}

// Open connects with dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	s := New(db)
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and index if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, traderID string) (*status.Status, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM user_status WHERE trader_id = $1`, traderID)
	st, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get status", err)
	}
	return st, nil
}

func (s *Store) MergeAtomic(ctx context.Context, c *status.Status) (*status.Status, error) {
	var ftdAt sql.NullTime
	if c.FTDAt != nil {
		ftdAt = sql.NullTime{Time: *c.FTDAt, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, mergeQuery,
		c.TraderID, c.Registered, c.Deposited, ftdAt,
		c.LastDepositAmount, c.TotalDeposits,
		string(c.LastEvent), c.LastEventAt, c.FirstEventAt,
	)
	st, err := scanStatus(row)
	if err != nil {
		return nil, unavailable("merge status", err)
	}
	return st, nil
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev *event.Event) (string, error) {
	raw, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return "", fmt.Errorf("encode raw payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertPostbackQuery,
		ev.ID, nullString(ev.TraderID), nullString(ev.ClickID), nullString(ev.SiteID),
		nullString(ev.AffiliateID), nullString(ev.CampaignID),
		ev.Reg, ev.Conf, ev.FTD, ev.Dep, ev.SumDep, ev.TotalDep,
		string(ev.Kind), ev.Registered, ev.Deposited, ev.ReceivedAt, raw,
	)
	if err != nil {
		return "", unavailable("insert postback", err)
	}
	return ev.ID, nil
}

func (s *Store) EventsByTrader(ctx context.Context, traderID string) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectPostbacksQuery, traderID)
	if err != nil {
		return nil, unavailable("query postbacks", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read postbacks", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*status.Status, error) {
	var (
		st    status.Status
		ftdAt sql.NullTime
		last  string
	)
	err := row.Scan(&st.TraderID, &st.Registered, &st.Deposited, &ftdAt,
		&st.LastDepositAmount, &st.TotalDeposits, &last, &st.LastEventAt, &st.FirstEventAt)
	if err != nil {
		return nil, err
	}
	if ftdAt.Valid {
		t := ftdAt.Time.UTC()
		st.FTDAt = &t
	}
	st.LastEvent = event.Kind(last)
	st.LastEventAt = st.LastEventAt.UTC()
	st.FirstEventAt = st.FirstEventAt.UTC()
	return &st, nil
}

func scanEvent(row scanner) (*event.Event, error) {
	var (
		ev                            event.Event
		trader, click, site, aff, cmp sql.NullString
		sumDep, totalDep              decimal.NullDecimal
		kind                          string
		raw                           []byte
	)
	err := row.Scan(&ev.ID, &trader, &click, &site, &aff, &cmp,
		&ev.Reg, &ev.Conf, &ev.FTD, &ev.Dep, &sumDep, &totalDep,
		&kind, &ev.Registered, &ev.Deposited, &ev.ReceivedAt, &raw)
	if err != nil {
		return nil, unavailable("scan postback", err)
	}
	ev.TraderID, ev.ClickID, ev.SiteID = trader.String, click.String, site.String
	ev.AffiliateID, ev.CampaignID = aff.String, cmp.String
	ev.SumDep, ev.TotalDep = sumDep, totalDep
	ev.Kind = event.Kind(kind)
	ev.ReceivedAt = ev.ReceivedAt.UTC()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rp payload.Raw
	if err := dec.Decode(&rp); err != nil {
		return nil, fmt.Errorf("decode raw payload %s: %w", ev.ID, err)
	}
	ev.RawPayload = rp
	return &ev, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("postgres %s: %w: %w", op, status.ErrStoreUnavailable, err)
}
