package status

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/postback/internal/event"
)

// Status is the per-trader aggregate of every postback seen for that trader.
//
// Registered and Deposited are write-once-true. FTDAt is the receive time of the
// earliest ftd-kind event and never moves forward. LastEvent/LastEventAt track the
// most recently applied event regardless of its rank.
type Status struct {
	TraderID          string              `json:"trader_id"`
	Registered        bool                `json:"registered"`
	Deposited         bool                `json:"deposited"`
	FTDAt             *time.Time          `json:"ftd_at,omitempty"`
	LastDepositAmount decimal.NullDecimal `json:"last_deposit_amount"`
	TotalDeposits     decimal.NullDecimal `json:"total_deposits"`
	LastEvent         event.Kind          `json:"last_event"`
	LastEventAt       time.Time           `json:"last_event_at"`
	FirstEventAt      time.Time           `json:"first_event_at"`
}

// Clone returns a deep copy.
func (s *Status) Clone() *Status {
	if s == nil {
		return nil
	}
	out := *s
	if s.FTDAt != nil {
		t := *s.FTDAt
		out.FTDAt = &t
	}
	return &out
}

// FromEvent is the contribution a single event makes to a trader's Status, i.e.
// the Status that event alone would produce.
func FromEvent(ev *event.Event) *Status {
	s := &Status{
		TraderID:          ev.TraderID,
		Registered:        ev.Registered,
		Deposited:         ev.Deposited,
		LastDepositAmount: ev.SumDep,
		TotalDeposits:     ev.TotalDep,
		LastEvent:         ev.Kind,
		LastEventAt:       ev.ReceivedAt,
		FirstEventAt:      ev.ReceivedAt,
	}
	if ev.Kind == event.KindFTD {
		t := ev.ReceivedAt
		s.FTDAt = &t
	}
	return s
}

// Merge applies ev on top of cur (nil when the trader has no Status yet) and
// returns the new Status. cur is not modified.
func Merge(cur *Status, ev *event.Event) *Status {
	return Combine(cur, FromEvent(ev))
}

// Combine folds the contribution next into cur. Stores with native atomic updates
// must implement exactly these rules:
//
//	registered, deposited   OR
//	ftd_at                  earliest non-null
//	amounts                 next if non-null, else cur
//	last_event(_at)         next
//	first_event_at          earliest
func Combine(cur, next *Status) *Status {
	if cur == nil {
		return next.Clone()
	}
	out := cur.Clone()
	out.Registered = cur.Registered || next.Registered
	out.Deposited = cur.Deposited || next.Deposited
	out.FTDAt = earliest(cur.FTDAt, next.FTDAt)
	if next.LastDepositAmount.Valid {
		out.LastDepositAmount = next.LastDepositAmount
	}
	if next.TotalDeposits.Valid {
		out.TotalDeposits = next.TotalDeposits
	}
	out.LastEvent = next.LastEvent
	out.LastEventAt = next.LastEventAt
	if cur.FirstEventAt.IsZero() || (!next.FirstEventAt.IsZero() && next.FirstEventAt.Before(cur.FirstEventAt)) {
		out.FirstEventAt = next.FirstEventAt
	}
	return out
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.Before(*a):
		t := *a
		return &t
	}
	t := *b
	return &t
}

// Equal compares two statuses field by field, treating times by instant.
func Equal(a, b *Status) bool {
	if a == nil || b == nil {
		return a == b
	}
	if (a.FTDAt == nil) != (b.FTDAt == nil) {
		return false
	}
	if a.FTDAt != nil && !a.FTDAt.Equal(*b.FTDAt) {
		return false
	}
	return a.TraderID == b.TraderID &&
		a.Registered == b.Registered &&
		a.Deposited == b.Deposited &&
		nullDecimalEqual(a.LastDepositAmount, b.LastDepositAmount) &&
		nullDecimalEqual(a.TotalDeposits, b.TotalDeposits) &&
		a.LastEvent == b.LastEvent &&
		a.LastEventAt.Equal(b.LastEventAt) &&
		a.FirstEventAt.Equal(b.FirstEventAt)
}

func nullDecimalEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
