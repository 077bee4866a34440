package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Raw is the attribution payload as it arrives from the network: an open map of
// loosely typed values (query-string strings, JSON scalars, form values).
type Raw map[string]interface{}

// Normalized is the typed view of a Raw payload. Empty strings mean "absent".
type Normalized struct {
	TraderID    string
	ClickID     string
	SiteID      string
	AffiliateID string // "a"
	CampaignID  string // "ac"

	Reg  bool
	Conf bool
	FTD  bool
	Dep  bool

	SumDep   decimal.NullDecimal
	TotalDep decimal.NullDecimal

	Raw Raw // snapshot, never mutated after Normalize
}

// Accepted spellings for each field. The first alias is the canonical wire name.
var (
	traderIDKeys    = []string{"trader_id", "traderId", "traderid"}
	clickIDKeys     = []string{"click_id", "clickId", "clickid"}
	siteIDKeys      = []string{"site_id", "siteId", "siteid"}
	affiliateIDKeys = []string{"a", "affiliateId", "affiliate_id"}
	campaignIDKeys  = []string{"ac", "campaignId", "campaign_id"}
	sumDepKeys      = []string{"sumdep", "sum_dep", "sumDep"}
	totalDepKeys    = []string{"totaldep", "total_dep", "totalDep"}
)

// Normalize converts a raw payload into its typed form. It never fails:
// unparsable flags become false and unparsable amounts become null.
func Normalize(raw Raw) Normalized {
	return Normalized{
		TraderID:    AsString(lookup(raw, traderIDKeys)),
		ClickID:     AsString(lookup(raw, clickIDKeys)),
		SiteID:      AsString(lookup(raw, siteIDKeys)),
		AffiliateID: AsString(lookup(raw, affiliateIDKeys)),
		CampaignID:  AsString(lookup(raw, campaignIDKeys)),
		Reg:         AsBool(raw["reg"]),
		Conf:        AsBool(raw["conf"]),
		FTD:         AsBool(raw["ftd"]),
		Dep:         AsBool(raw["dep"]),
		SumDep:      ParseAmount(lookup(raw, sumDepKeys)),
		TotalDep:    ParseAmount(lookup(raw, totalDepKeys)),
		Raw:         raw.Clone(),
	}
}

// Clone returns a shallow copy of the map. Nested values are shared.
func (r Raw) Clone() Raw {
	if r == nil {
		return Raw{}
	}
	out := make(Raw, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func lookup(raw Raw, keys []string) interface{} {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// AsBool maps {true, "true", "1", 1, "yes", "y"} to true and anything else to false.
func AsBool(v interface{}) bool {
	switch b := first(v).(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "y":
			return true
		}
		return false
	case json.Number:
		f, err := b.Float64()
		return err == nil && f == 1
	}
	if f, ok := toFloat64(v); ok {
		return f == 1
	}
	return false
}

// AsString renders an identifier. Numbers keep their shortest decimal form so that
// trader_id=123 and trader_id="123" normalize to the same key.
func AsString(v interface{}) string {
	switch s := first(v).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toFloat64(v); ok {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// ParseAmount parses a deposit amount. Empty, non-numeric, non-finite and negative
// values are absent rather than zero.
func ParseAmount(v interface{}) decimal.NullDecimal {
	var (
		d   decimal.Decimal
		err error
	)
	switch n := first(v).(type) {
	case nil:
		return decimal.NullDecimal{}
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.NullDecimal{}
		}
		d, err = decimal.NewFromString(s)
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case bool:
		return decimal.NullDecimal{}
	default:
		f, ok := toFloat64(n)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.NullDecimal{}
		}
		d = decimal.NewFromFloat(f)
	}
	if err != nil || d.IsNegative() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// first unwraps repeated query-string values: url.Values yields []string.
func first(v interface{}) interface{} {
	switch s := v.(type) {
	case []string:
		if len(s) == 0 {
			return nil
		}
		return s[0]
	case []interface{}:
		if len(s) == 0 {
			return nil
		}
		return s[0]
	}
	return v
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := first(v).(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
