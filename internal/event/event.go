package event

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/postback/internal/payload"
)

// Kind is the canonical classification of a postback.
type Kind string

const (
	KindFTD   Kind = "ftd"
	KindDep   Kind = "dep"
	KindConf  Kind = "conf"
	KindReg   Kind = "reg"
	KindOther Kind = "other"
)

// Kinds lists every kind in classification priority order.
var Kinds = []Kind{KindFTD, KindDep, KindConf, KindReg, KindOther}

// Event is the audited, immutable record of one inbound postback.
type Event struct {
	ID          string              `json:"id"`
	TraderID    string              `json:"trader_id,omitempty"`
	ClickID     string              `json:"click_id,omitempty"`
	SiteID      string              `json:"site_id,omitempty"`
	AffiliateID string              `json:"a,omitempty"`
	CampaignID  string              `json:"ac,omitempty"`
	Reg         bool                `json:"reg"`
	Conf        bool                `json:"conf"`
	FTD         bool                `json:"ftd"`
	Dep         bool                `json:"dep"`
	SumDep      decimal.NullDecimal `json:"sumdep"`
	TotalDep    decimal.NullDecimal `json:"totaldep"`
	Kind        Kind                `json:"event"`
	Registered  bool                `json:"registered"`
	Deposited   bool                `json:"deposited"`
	ReceivedAt  time.Time           `json:"received_at"`
	RawPayload  payload.Raw         `json:"raw"`
}

// Classify turns a normalized payload into an Event. It is pure: the caller
// supplies the ingestion time and assigns the ID.
func Classify(n payload.Normalized, receivedAt time.Time) *Event {
	return &Event{
		TraderID:    n.TraderID,
		ClickID:     n.ClickID,
		SiteID:      n.SiteID,
		AffiliateID: n.AffiliateID,
		CampaignID:  n.CampaignID,
		Reg:         n.Reg,
		Conf:        n.Conf,
		FTD:         n.FTD,
		Dep:         n.Dep,
		SumDep:      n.SumDep,
		TotalDep:    n.TotalDep,
		Kind:        pickKind(n.Reg, n.Conf, n.FTD, n.Dep),
		Registered:  n.Reg || n.Conf,
		Deposited:   n.FTD || n.Dep,
		ReceivedAt:  receivedAt,
		RawPayload:  n.Raw,
	}
}

// pickKind reports the most economically significant milestone in the callback.
func pickKind(reg, conf, ftd, dep bool) Kind {
	switch {
	case ftd:
		return KindFTD
	case dep:
		return KindDep
	case conf:
		return KindConf
	case reg:
		return KindReg
	}
	return KindOther
}

// HasTrader reports whether the event can be reconciled into a Status.
func (e *Event) HasTrader() bool {
	return e.TraderID != ""
}
