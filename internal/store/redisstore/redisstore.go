// Package redisstore keeps trader statuses in Redis hashes and the audit log in
// per-trader lists. Status updates run as a Lua script so the fold happens
// server-side in one step.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

// mergeScript folds a contribution into the status hash.
// KEYS[1] = status key
// ARGV    = trader_id, registered, deposited, ftd_at, last_deposit_amount,
//
//	total_deposits, last_event, last_event_at, first_event_at
//
// Timestamps are unix microseconds; "" means null.
var mergeScript = redis.NewScript(`
local key = KEYS[1]
local trader = ARGV[1]
local reg = ARGV[2]
local dep = ARGV[3]
local ftd = ARGV[4]
local lda = ARGV[5]
local td = ARGV[6]
local le = ARGV[7]
local lea = ARGV[8]
local fea = ARGV[9]

local cur = redis.call("HMGET", key, "registered", "deposited", "ftd_at",
    "last_deposit_amount", "total_deposits", "first_event_at")

if cur[1] == "1" then reg = "1" end
if cur[2] == "1" then dep = "1" end

local cftd = cur[3]
if cftd and cftd ~= "" then
    if ftd == "" or tonumber(cftd) < tonumber(ftd) then
        ftd = cftd
    end
end

if lda == "" and cur[4] then lda = cur[4] end
if td == "" and cur[5] then td = cur[5] end

local cfea = cur[6]
if cfea and cfea ~= "" and tonumber(cfea) < tonumber(fea) then
    fea = cfea
end

redis.call("HSET", key,
    "trader_id", trader,
    "registered", reg,
    "deposited", dep,
    "ftd_at", ftd,
    "last_deposit_amount", lda,
    "total_deposits", td,
    "last_event", le,
    "last_event_at", lea,
    "first_event_at", fea)

return {trader, reg, dep, ftd, lda, td, le, lea, fea}
`)

const (
	statusKeyPrefix = "postback:status:"
	eventsKeyPrefix = "postback:events:"
	// orphanEventsKey holds postbacks that arrived without a trader id.
	orphanEventsKey = eventsKeyPrefix + "_"
)

// field order shared by the script arguments, its reply and HGETALL decoding.
var fieldOrder = []string{
	"trader_id", "registered", "deposited", "ftd_at", "last_deposit_amount",
	"total_deposits", "last_event", "last_event_at", "first_event_at",
}

// Store is a Redis backend.
type Store struct {
	client *redis.Client
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	s := New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
	if err := s.Ping(ctx); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	return s, nil
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, traderID string) (*status.Status, error) {
	m, err := s.client.HGetAll(ctx, statusKeyPrefix+traderID).Result()
	if err != nil {
		return nil, unavailable("get status", err)
	}
	if len(m) == 0 {
		return nil, status.ErrNotFound
	}
	fields := make([]string, len(fieldOrder))
	for i, f := range fieldOrder {
		fields[i] = m[f]
	}
	return decodeStatus(fields)
}

func (s *Store) MergeAtomic(ctx context.Context, c *status.Status) (*status.Status, error) {
	res, err := mergeScript.Run(ctx, s.client, []string{statusKeyPrefix + c.TraderID}, encodeStatus(c)...).Result()
	if err != nil {
		return nil, unavailable("merge status", err)
	}
	items, ok := res.([]interface{})
	if !ok || len(items) != len(fieldOrder) {
		return nil, fmt.Errorf("redis merge status: unexpected script reply %T", res)
	}
	fields := make([]string, len(items))
	for i, it := range items {
		fields[i], _ = it.(string)
	}
	return decodeStatus(fields)
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev *event.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode postback %s: %w", ev.ID, err)
	}
	if err := s.client.RPush(ctx, eventsKey(ev.TraderID), b).Err(); err != nil {
		return "", unavailable("insert postback", err)
	}
	return ev.ID, nil
}

func (s *Store) EventsByTrader(ctx context.Context, traderID string) ([]*event.Event, error) {
	vals, err := s.client.LRange(ctx, eventsKey(traderID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("read postbacks", err)
	}
	out := make([]*event.Event, 0, len(vals))
	for _, v := range vals {
		ev, err := decodeEvent(v)
		if err != nil {
			return nil, fmt.Errorf("decode postback for %s: %w", traderID, err)
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

// decodeEvent keeps raw payload numbers as json.Number so large ids stay exact.
func decodeEvent(s string) (*event.Event, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var ev event.Event
	if err := dec.Decode(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func eventsKey(traderID string) string {
	if traderID == "" {
		return orphanEventsKey
	}
	return eventsKeyPrefix + traderID
}

// encodeStatus renders c as script arguments in fieldOrder.
func encodeStatus(c *status.Status) []interface{} {
	ftd := ""
	if c.FTDAt != nil {
		ftd = micros(*c.FTDAt)
	}
	return []interface{}{
		c.TraderID,
		flag(c.Registered),
		flag(c.Deposited),
		ftd,
		amount(c.LastDepositAmount),
		amount(c.TotalDeposits),
		string(c.LastEvent),
		micros(c.LastEventAt),
		micros(c.FirstEventAt),
	}
}

// decodeStatus parses values laid out in fieldOrder.
func decodeStatus(f []string) (*status.Status, error) {
	if len(f) != len(fieldOrder) {
		return nil, fmt.Errorf("redis status: %d fields, want %d", len(f), len(fieldOrder))
	}
	st := &status.Status{
		TraderID:   f[0],
		Registered: f[1] == "1",
		Deposited:  f[2] == "1",
		LastEvent:  event.Kind(f[6]),
	}
	var err error
	if f[3] != "" {
		t, perr := parseMicros(f[3])
		if perr != nil {
			return nil, perr
		}
		st.FTDAt = &t
	}
	if st.LastDepositAmount, err = parseAmount(f[4]); err != nil {
		return nil, err
	}
	if st.TotalDeposits, err = parseAmount(f[5]); err != nil {
		return nil, err
	}
	if st.LastEventAt, err = parseMicros(f[7]); err != nil {
		return nil, err
	}
	if st.FirstEventAt, err = parseMicros(f[8]); err != nil {
		return nil, err
	}
	return st, nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis status: bad timestamp %q: %w", s, err)
	}
	return time.UnixMicro(n).UTC(), nil
}

func amount(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func parseAmount(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("redis status: bad amount %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return fmt.Errorf("redis %s: %w: %w", op, status.ErrStoreUnavailable, err)
}
