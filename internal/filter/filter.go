// Package filter implements the inbound allow-lists and rule expressions that
// short-circuit a postback before it is classified.
package filter

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
)

// Rejection reasons reported in metrics and responses.
const (
	ReasonAffiliate = "affiliate_not_allowed"
	ReasonCampaign  = "campaign_not_allowed"
	ReasonRule      = "rule"
)

// Decision is the outcome of Allow.
type Decision struct {
	Allowed bool
	Reason  string // empty when allowed
	RuleID  string // set when Reason == ReasonRule
}

type rule struct {
	id   string
	expr Expr
}

// Filter is immutable once built; config reloads build a new one.
type Filter struct {
	affiliates map[string]struct{}
	campaigns  map[string]struct{}
	rules      []rule
}

// Build compiles the filter section of the config. Disabled rules are skipped.
func Build(cfg config.FilterConf) (*Filter, error) {
	f := &Filter{
		affiliates: toSet(cfg.Affiliates),
		campaigns:  toSet(cfg.Campaigns),
	}
	for _, r := range cfg.Rules {
		if !r.Enabled {
			continue
		}
		e, err := Parse(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %s: parse %q: %w", r.ID, r.Expression, err)
		}
		f.rules = append(f.rules, rule{id: r.ID, expr: e})
	}
	return f, nil
}

// AllowAll returns a filter that accepts every postback.
func AllowAll() *Filter { return &Filter{} }

// RuleCount returns the number of active rules.
func (f *Filter) RuleCount() int { return len(f.rules) }

// Allow checks the allow-lists, then every rule in order.
func (f *Filter) Allow(n payload.Normalized) Decision {
	if len(f.affiliates) > 0 {
		if _, ok := f.affiliates[n.AffiliateID]; !ok {
			return Decision{Reason: ReasonAffiliate}
		}
	}
	if len(f.campaigns) > 0 {
		if _, ok := f.campaigns[n.CampaignID]; !ok {
			return Decision{Reason: ReasonCampaign}
		}
	}
	res := payloadResolver{n: &n}
	for _, r := range f.rules {
		if !r.expr.eval(res) {
			return Decision{Reason: ReasonRule, RuleID: r.id}
		}
	}
	return Decision{Allowed: true}
}

func toSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[strings.TrimSpace(v)] = struct{}{}
	}
	return m
}

// payloadResolver exposes normalized fields by their wire names plus raw.<key>.
type payloadResolver struct {
	n *payload.Normalized
}

func (p payloadResolver) resolve(field string) (interface{}, bool) {
	if key, ok := strings.CutPrefix(field, "raw."); ok {
		v, ok := p.n.Raw[key]
		if !ok || v == nil {
			return nil, false
		}
		return payload.AsString(v), true
	}
	switch field {
	case "trader_id":
		return p.n.TraderID, true
	case "click_id":
		return p.n.ClickID, true
	case "site_id":
		return p.n.SiteID, true
	case "a":
		return p.n.AffiliateID, true
	case "ac":
		return p.n.CampaignID, true
	case "reg":
		return p.n.Reg, true
	case "conf":
		return p.n.Conf, true
	case "ftd":
		return p.n.FTD, true
	case "dep":
		return p.n.Dep, true
	case "sumdep":
		if !p.n.SumDep.Valid {
			return nil, false
		}
		return p.n.SumDep.Decimal.InexactFloat64(), true
	case "totaldep":
		if !p.n.TotalDep.Valid {
			return nil, false
		}
		return p.n.TotalDep.Decimal.InexactFloat64(), true
	}
	return nil, false
}
