package mongostore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
	"github.com/gyaneshwarpardhi/postback/internal/status"
)

// postbackDoc is one row of the postbacks audit collection. Absent identifiers
// are stored as null.
type postbackDoc struct {
	ID         string                `bson:"_id"`
	TraderID   *string               `bson:"trader_id"`
	ClickID    *string               `bson:"click_id"`
	SiteID     *string               `bson:"site_id"`
	A          *string               `bson:"a"`
	AC         *string               `bson:"ac"`
	SumDep     *primitive.Decimal128 `bson:"sumdep"`
	TotalDep   *primitive.Decimal128 `bson:"totaldep"`
	Reg        bool                  `bson:"reg"`
	Conf       bool                  `bson:"conf"`
	FTD        bool                  `bson:"ftd"`
	Dep        bool                  `bson:"dep"`
	Event      string                `bson:"event"`
	Registered bool                  `bson:"registered"`
	Deposited  bool                  `bson:"deposited"`
	CreatedAt  time.Time             `bson:"createdAt"`
	Raw        bson.M                `bson:"raw"`
}

// statusDoc is one row of user_status.
type statusDoc struct {
	TraderID          string                `bson:"trader_id"`
	Registered        bool                  `bson:"registered"`
	Deposited         bool                  `bson:"deposited"`
	FTDAt             *time.Time            `bson:"ftdAt"`
	LastDepositAmount *primitive.Decimal128 `bson:"lastDepositAmount"`
	TotalDeposits     *primitive.Decimal128 `bson:"totalDeposits"`
	LastEvent         string                `bson:"lastEvent"`
	LastEventAt       time.Time             `bson:"lastEventAt"`
	CreatedAt         time.Time             `bson:"createdAt"`
	Version           *int64                `bson:"version"`
}

func toPostbackDoc(ev *event.Event) postbackDoc {
	return postbackDoc{
		ID:         ev.ID,
		TraderID:   nullString(ev.TraderID),
		ClickID:    nullString(ev.ClickID),
		SiteID:     nullString(ev.SiteID),
		A:          nullString(ev.AffiliateID),
		AC:         nullString(ev.CampaignID),
		SumDep:     toDecimal128(ev.SumDep),
		TotalDep:   toDecimal128(ev.TotalDep),
		Reg:        ev.Reg,
		Conf:       ev.Conf,
		FTD:        ev.FTD,
		Dep:        ev.Dep,
		Event:      string(ev.Kind),
		Registered: ev.Registered,
		Deposited:  ev.Deposited,
		CreatedAt:  ev.ReceivedAt,
		Raw:        rawDoc(ev.RawPayload),
	}
}

func (d postbackDoc) toEvent() *event.Event {
	raw := make(payload.Raw, len(d.Raw))
	for k, v := range d.Raw {
		raw[k] = v
	}
	return &event.Event{
		ID:          d.ID,
		TraderID:    deref(d.TraderID),
		ClickID:     deref(d.ClickID),
		SiteID:      deref(d.SiteID),
		AffiliateID: deref(d.A),
		CampaignID:  deref(d.AC),
		Reg:         d.Reg,
		Conf:        d.Conf,
		FTD:         d.FTD,
		Dep:         d.Dep,
		SumDep:      fromDecimal128(d.SumDep),
		TotalDep:    fromDecimal128(d.TotalDep),
		Kind:        event.Kind(d.Event),
		Registered:  d.Registered,
		Deposited:   d.Deposited,
		ReceivedAt:  d.CreatedAt,
		RawPayload:  raw,
	}
}

func toStatusDoc(st *status.Status, version int64) statusDoc {
	return statusDoc{
		TraderID:          st.TraderID,
		Registered:        st.Registered,
		Deposited:         st.Deposited,
		FTDAt:             st.FTDAt,
		LastDepositAmount: toDecimal128(st.LastDepositAmount),
		TotalDeposits:     toDecimal128(st.TotalDeposits),
		LastEvent:         string(st.LastEvent),
		LastEventAt:       st.LastEventAt,
		CreatedAt:         st.FirstEventAt,
		Version:           &version,
	}
}

func (d statusDoc) toStatus() *status.Status {
	st := &status.Status{
		TraderID:          d.TraderID,
		Registered:        d.Registered,
		Deposited:         d.Deposited,
		LastDepositAmount: fromDecimal128(d.LastDepositAmount),
		TotalDeposits:     fromDecimal128(d.TotalDeposits),
		LastEvent:         event.Kind(d.LastEvent),
		LastEventAt:       d.LastEventAt.UTC(),
		FirstEventAt:      d.CreatedAt.UTC(),
	}
	if d.FTDAt != nil {
		t := d.FTDAt.UTC()
		st.FTDAt = &t
	}
	return st
}

// rawDoc keeps json.Number values as their literal text.
func rawDoc(raw payload.Raw) bson.M {
	m := make(bson.M, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		m[k] = v
	}
	return m
}

func toDecimal128(d decimal.NullDecimal) *primitive.Decimal128 {
	if !d.Valid {
		return nil
	}
	v, err := primitive.ParseDecimal128(decimalText(d.Decimal))
	if err != nil {
		return nil
	}
	return &v
}

// decimalText keeps the scale the amount arrived with, so "10.50" stays "10.50".
func decimalText(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

func fromDecimal128(v *primitive.Decimal128) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
