package event_test

import (
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/payload"
)

func classify(raw payload.Raw) *event.Event {
	return event.Classify(payload.Normalize(raw), time.Unix(1700000000, 0))
}

func TestClassify_AllFlagCombinations(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		reg, conf, ftd, dep := mask&1 != 0, mask&2 != 0, mask&4 != 0, mask&8 != 0
		ev := event.Classify(payload.Normalized{Reg: reg, Conf: conf, FTD: ftd, Dep: dep}, time.Now())

		var want event.Kind
		switch {
		case ftd:
			want = event.KindFTD
		case dep:
			want = event.KindDep
		case conf:
			want = event.KindConf
		case reg:
			want = event.KindReg
		default:
			want = event.KindOther
		}
		if ev.Kind != want {
			t.Errorf("reg=%v conf=%v ftd=%v dep=%v: kind %s, want %s", reg, conf, ftd, dep, ev.Kind, want)
		}
		if ev.Registered != (reg || conf) {
			t.Errorf("mask %04b: registered = %v", mask, ev.Registered)
		}
		if ev.Deposited != (ftd || dep) {
			t.Errorf("mask %04b: deposited = %v", mask, ev.Deposited)
		}
	}
}

func TestClassify_SingleFlag(t *testing.T) {
	cases := []struct {
		flag string
		want event.Kind
	}{
		{"reg", event.KindReg},
		{"conf", event.KindConf},
		{"ftd", event.KindFTD},
		{"dep", event.KindDep},
	}
	for _, tc := range cases {
		t.Run(tc.flag, func(t *testing.T) {
			ev := classify(payload.Raw{tc.flag: "true"})
			if ev.Kind != tc.want {
				t.Errorf("kind = %s, want %s", ev.Kind, tc.want)
			}
		})
	}
}

func TestKinds_PriorityOrder(t *testing.T) {
	// Setting a kind's flag together with every lower-priority flag must still
	// yield that kind.
	raw := payload.Raw{}
	for i := len(event.Kinds) - 1; i >= 0; i-- {
		k := event.Kinds[i]
		if k != event.KindOther {
			raw[string(k)] = "1"
		}
		if got := classify(raw).Kind; got != k {
			t.Errorf("flags %v: kind = %s, want %s", raw, got, k)
		}
	}
}

func TestClassify_RegExample(t *testing.T) {
	ev := classify(payload.Raw{"reg": "1", "conf": "false", "trader_id": "U1"})
	if ev.Kind != event.KindReg || !ev.Registered || ev.Deposited {
		t.Errorf("got kind=%s registered=%v deposited=%v", ev.Kind, ev.Registered, ev.Deposited)
	}
	if !ev.HasTrader() || ev.TraderID != "U1" {
		t.Errorf("trader = %q", ev.TraderID)
	}
}

func TestClassify_MalformedFieldsDegrade(t *testing.T) {
	ev := classify(payload.Raw{
		"reg":      []int{1},
		"ftd":      "definitely",
		"sumdep":   "ten",
		"totaldep": map[string]interface{}{},
	})
	if ev.Kind != event.KindOther || ev.Registered || ev.Deposited {
		t.Errorf("malformed flags should be false, got %+v", ev)
	}
	if ev.SumDep.Valid || ev.TotalDep.Valid {
		t.Errorf("malformed amounts should be null")
	}
	if ev.HasTrader() {
		t.Error("no trader expected")
	}
}

func TestClassify_KeepsRawSnapshot(t *testing.T) {
	ev := classify(payload.Raw{"dep": 1, "sumdep": "100", "method": "GET"})
	if ev.RawPayload["method"] != "GET" {
		t.Errorf("raw payload = %v", ev.RawPayload)
	}
	if !ev.SumDep.Valid || ev.SumDep.Decimal.String() != "100" {
		t.Errorf("sumdep = %+v", ev.SumDep)
	}
}
