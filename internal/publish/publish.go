// Package publish forwards classified postback outcomes to downstream consumers.
package publish

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

// Outcome is the message published for every accepted postback.
type Outcome struct {
	EventID    string              `json:"event_id"`
	TraderID   string              `json:"trader_id,omitempty"`
	Kind       event.Kind          `json:"event"`
	Registered bool                `json:"registered"`
	Deposited  bool                `json:"deposited"`
	SumDep     decimal.NullDecimal `json:"sumdep"`
	TotalDep   decimal.NullDecimal `json:"totaldep"`
	ReceivedAt time.Time           `json:"received_at"`
	Reconciled bool                `json:"reconciled"`
	Status     *status.Status      `json:"status,omitempty"`
}

// NewOutcome builds the outcome for ev. st is nil when reconciliation was skipped.
func NewOutcome(ev *event.Event, st *status.Status) *Outcome {
	return &Outcome{
		EventID:    ev.ID,
		TraderID:   ev.TraderID,
		Kind:       ev.Kind,
		Registered: ev.Registered,
		Deposited:  ev.Deposited,
		SumDep:     ev.SumDep,
		TotalDep:   ev.TotalDep,
		ReceivedAt: ev.ReceivedAt,
		Reconciled: st != nil,
		Status:     st.Clone(),
	}
}

// Publisher delivers outcomes. Publish blocks until the outcome is acknowledged
// or ctx is done.
type Publisher interface {
	Publish(ctx context.Context, o *Outcome) error
	Close()
}

// Noop discards every outcome.
type Noop struct{}

func (Noop) Publish(context.Context, *Outcome) error { return nil }
func (Noop) Close()                                  {}
