package filter

import (
	"testing"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
)

func norm(kv ...interface{}) payload.Normalized {
	raw := payload.Raw{}
	for i := 0; i < len(kv)-1; i += 2 {
		raw[kv[i].(string)] = kv[i+1]
	}
	return payload.Normalize(raw)
}

type evalCase struct {
	name string
	expr string
	in   payload.Normalized
	want bool
}

func TestExpressions(t *testing.T) {
	cases := []evalCase{
		{"string eq", `site_id == "s1"`, norm("site_id", "s1"), true},
		{"string neq", `site_id != "s1"`, norm("site_id", "s2"), true},
		{"number eq on id", `a == 1001`, norm("a", "1001"), true},
		{"number eq mismatch", `a == 1001`, norm("a", "abc"), false},
		{"bool flag", `ftd == true`, norm("ftd", "1"), true},
		{"bool flag false", `ftd == true`, norm("ftd", "0"), false},
		{"amount gt", `sumdep > 100`, norm("sumdep", "150.5"), true},
		{"amount lte", `sumdep <= 100`, norm("sumdep", "150.5"), false},
		{"absent amount compares false", `sumdep < 100`, norm("reg", "1"), false},
		{"absent amount negated", `NOT sumdep >= 100000`, norm("reg", "1"), true},
		{"in list", `ac in ["c1", "c2"]`, norm("ac", "c2"), true},
		{"in list miss", `ac in ["c1", "c2"]`, norm("ac", "c3"), false},
		{"in numeric list", `a in [1, 2, 3]`, norm("a", "2"), true},
		{"contains", `click_id contains "fb"`, norm("click_id", "fb-123"), true},
		{"matches", `trader_id matches "^[0-9]+$"`, norm("trader_id", "12345"), true},
		{"matches miss", `trader_id matches "^[0-9]+$"`, norm("trader_id", "u-1"), false},
		{"raw field", `raw.method == "POST"`, norm("method", "POST"), true},
		{"raw missing", `raw.lang == "en"`, norm("method", "POST"), false},
		{"AND", `reg == true AND site_id == "s1"`, norm("reg", "1", "site_id", "s1"), true},
		{"AND short", `reg == true AND site_id == "s1"`, norm("reg", "0", "site_id", "s1"), false},
		{"OR", `ftd == true OR dep == true`, norm("dep", "yes"), true},
		{"parens", `NOT (a == "x" OR a == "y")`, norm("a", "z"), true},
		{"unknown field", `nope == "x"`, norm("a", "z"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tc.expr, err)
			}
			if got := e.eval(payloadResolver{n: &tc.in}); got != tc.want {
				t.Errorf("eval(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []string{
		`"unterminated`,
		`site_id "x"`,
		``,
		`sumdep > "ten"`,
		`a in [1, 2`,
		`a in 1`,
		`trader_id matches "("`,
		`a = "1"`,
		`(a == "1"`,
		`a == "1" b`,
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			if _, err := Parse(src); err == nil {
				t.Errorf("expected parse error for %q", src)
			}
		})
	}
}

func TestFilter_Allow(t *testing.T) {
	f, err := Build(config.FilterConf{
		Affiliates: []string{"1001", " 1002 "},
		Campaigns:  []string{"summer"},
		Rules: []config.RuleDef{
			{ID: "has_site", Enabled: true, Expression: `site_id != ""`},
			{ID: "disabled", Enabled: false, Expression: `site_id == "never"`},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if f.RuleCount() != 1 {
		t.Errorf("RuleCount = %d", f.RuleCount())
	}

	cases := []struct {
		name   string
		in     payload.Normalized
		reason string
	}{
		{"allowed", norm("a", "1002", "ac", "summer", "site_id", "s"), ""},
		{"bad affiliate", norm("a", "9", "ac", "summer", "site_id", "s"), ReasonAffiliate},
		{"missing campaign", norm("a", "1001", "site_id", "s"), ReasonCampaign},
		{"rule", norm("a", "1001", "ac", "summer"), ReasonRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := f.Allow(tc.in)
			if d.Allowed != (tc.reason == "") || d.Reason != tc.reason {
				t.Errorf("decision = %+v, want reason %q", d, tc.reason)
			}
			if tc.reason == ReasonRule && d.RuleID != "has_site" {
				t.Errorf("rule id = %q", d.RuleID)
			}
		})
	}

	if !AllowAll().Allow(norm()).Allowed {
		t.Error("AllowAll rejected")
	}
}

func TestBuild_BadExpression(t *testing.T) {
	_, err := Build(config.FilterConf{Rules: []config.RuleDef{{ID: "bad", Enabled: true, Expression: "a =="}}})
	if err == nil {
		t.Fatal("expected build error")
	}
}
