package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/postback/internal/config"
	"github.com/gyaneshwarpardhi/postback/internal/engine"
	"github.com/gyaneshwarpardhi/postback/internal/event"
	"github.com/gyaneshwarpardhi/postback/internal/filter"
	"github.com/gyaneshwarpardhi/postback/internal/status"
	"github.com/gyaneshwarpardhi/postback/internal/store/memstore"
)

const secret = "s3cret"

const baseConfig = `
server:
  secret: s3cret
  max_body_bytes: 1024
`

type downStore struct {
	*memstore.Store
	down atomic.Bool
}

func (d *downStore) InsertAuditEvent(ctx context.Context, ev *event.Event) (string, error) {
	if d.down.Load() {
		return "", status.ErrStoreUnavailable
	}
	return d.Store.InsertAuditEvent(ctx, ev)
}

func (d *downStore) Ping(ctx context.Context) error {
	if d.down.Load() {
		return status.ErrStoreUnavailable
	}
	return nil
}

type fixture struct {
	srv     *httptest.Server
	store   *downStore
	cfgPath string
}

func newFixture(t *testing.T, yaml string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postback.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	loader, err := config.NewLoader(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(loader.Config()))

	f, err := filter.Build(loader.Config().Filters)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	st := &downStore{Store: memstore.New()}
	eng, err := engine.New(ctx, st, engine.Options{Filter: f})
	require.NoError(t, err)

	srv := httptest.NewServer(New(ctx, eng, loader))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		eng.Shutdown()
	})
	return &fixture{srv: srv, store: st, cfgPath: path}
}

func (f *fixture) url(path string, q url.Values) string {
	if q == nil {
		return f.srv.URL + path
	}
	return f.srv.URL + path + "?" + q.Encode()
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestPostback_BadSecret(t *testing.T) {
	f := newFixture(t, baseConfig)

	for _, q := range []url.Values{
		{"trader_id": {"1"}, "reg": {"1"}},
		{"trader_id": {"1"}, "reg": {"1"}, "secret": {"wrong"}},
	} {
		resp, err := http.Get(f.url(PostbackPath, q))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body := decode(t, resp)
		assert.Equal(t, false, body["ok"])
		assert.Equal(t, "bad_secret", body["error"])
	}
	assert.Zero(t, f.store.EventCount())
}

func TestPostback_GetRegistration(t *testing.T) {
	f := newFixture(t, baseConfig)

	resp, err := http.Get(f.url(PostbackPath, url.Values{
		"secret": {secret}, "trader_id": {"U1"}, "reg": {"1"}, "click_id": {"c1"},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	body := decode(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "reg", body["event"])
	assert.Equal(t, true, body["registered"])
	assert.Equal(t, false, body["deposited"])
	assert.Equal(t, true, body["reconciled"])

	evs, err := f.store.EventsByTrader(context.Background(), "U1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "GET", evs[0].RawPayload["method"])
	assert.NotContains(t, evs[0].RawPayload, "secret")

	resp, err = http.Get(f.url("/v1/traders/U1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode(t, resp)
	assert.Equal(t, true, st["registered"])
	assert.Equal(t, "reg", st["last_event"])
}

func TestPostback_PostJSONAndForm(t *testing.T) {
	f := newFixture(t, baseConfig)
	q := url.Values{"secret": {secret}}

	resp, err := http.Post(f.url(PostbackPath, q), "application/json",
		strings.NewReader(`{"trader_id": 9007199254740993, "ftd": true, "sumdep": "100.50"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ftd", body["event"])
	assert.Equal(t, true, body["deposited"])

	resp, err = http.PostForm(f.url(PostbackPath, url.Values{"secret": {secret}, "trader_id": {"9007199254740993"}}),
		url.Values{"dep": {"yes"}, "sumdep": {"20"}})
	require.NoError(t, err)
	body = decode(t, resp)
	assert.Equal(t, "dep", body["event"])

	resp, err = http.Get(f.url("/v1/traders/9007199254740993", nil))
	require.NoError(t, err)
	st := decode(t, resp)
	assert.Equal(t, true, st["deposited"])
	assert.Equal(t, "dep", st["last_event"])
	assert.NotNil(t, st["ftd_at"])
	assert.Equal(t, "20", st["last_deposit_amount"])

	evs, err := f.store.EventsByTrader(context.Background(), "9007199254740993")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "POST", evs[1].RawPayload["method"])
}

func TestPostback_SoftOutcomes(t *testing.T) {
	f := newFixture(t, baseConfig+`
filters:
  affiliates: ["1001"]
`)
	q := url.Values{"secret": {secret}}

	cases := []struct {
		name     string
		body     string
		accepted bool
		kind     string
		skip     string
	}{
		{"missing trader", `{"a": "1001", "reg": "1"}`, true, "reg", engine.SkipMissingTrader},
		{"filtered", `{"a": "9", "trader_id": "1", "reg": "1"}`, false, "", engine.SkipFilteredPrefix + filter.ReasonAffiliate},
		{"malformed json", `{"a": "1001", "trader_id"`, false, "", engine.SkipFilteredPrefix + filter.ReasonAffiliate},
		{"nonsense flags", `{"a": "1001", "trader_id": "2", "reg": "maybe", "sumdep": "abc"}`, true, "other", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.url(PostbackPath, q), "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			body := decode(t, resp)
			assert.Equal(t, tc.accepted, body["accepted"])
			if tc.kind != "" {
				assert.Equal(t, tc.kind, body["event"])
			}
			if tc.skip == "" {
				assert.NotContains(t, body, "skip_reason")
			} else {
				assert.Equal(t, tc.skip, body["skip_reason"])
			}
		})
	}
}

func TestPostback_MalformedBodyFallsBackToQuery(t *testing.T) {
	f := newFixture(t, baseConfig)
	q := url.Values{"secret": {secret}, "trader_id": {"Q"}, "conf": {"1"}}

	resp, err := http.Post(f.url(PostbackPath, q), "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "conf", body["event"])
	assert.Equal(t, true, body["registered"])
}

func TestPostback_BodyTooLarge(t *testing.T) {
	f := newFixture(t, baseConfig)
	big := `{"trader_id": "1", "pad": "` + strings.Repeat("x", 2048) + `"}`

	resp, err := http.Post(f.url(PostbackPath, url.Values{"secret": {secret}}), "application/json", strings.NewReader(big))
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()
}

func TestPostback_StoreUnavailable(t *testing.T) {
	f := newFixture(t, baseConfig)
	f.store.down.Store(true)

	resp, err := http.Get(f.url(PostbackPath, url.Values{"secret": {secret}, "trader_id": {"1"}, "reg": {"1"}}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	body := decode(t, resp)
	assert.Equal(t, "store_unavailable", body["error"])

	resp, err = http.Get(f.url("/readyz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestStatusAndReplay(t *testing.T) {
	f := newFixture(t, baseConfig)

	resp, err := http.Get(f.url("/v1/traders/ghost", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(f.url("/v1/traders/ghost/replay", nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.url(PostbackPath, url.Values{"secret": {secret}, "trader_id": {"R"}, "ftd": {"1"}}))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Post(f.url("/v1/traders/R/replay", nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.EqualValues(t, 1, body["events"])
	st, ok := body["status"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, st["deposited"])
}

func TestConfigReload(t *testing.T) {
	f := newFixture(t, baseConfig)
	q := url.Values{"secret": {secret}, "trader_id": {"1"}, "reg": {"1"}, "a": {"9"}}

	resp, err := http.Get(f.url(PostbackPath, q))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, resp)["accepted"])

	require.NoError(t, os.WriteFile(f.cfgPath, []byte(baseConfig+`
filters:
  affiliates: ["1001"]
`), 0o600))
	resp, err = http.Post(f.url("/v1/config/reload", nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.EqualValues(t, 1, body["affiliates"])

	resp, err = http.Get(f.url(PostbackPath, q))
	require.NoError(t, err)
	body = decode(t, resp)
	assert.Equal(t, false, body["accepted"])

	require.NoError(t, os.WriteFile(f.cfgPath, []byte(baseConfig+`
filters:
  rules:
    - id: broken
      enabled: true
      expression: "a =="
`), 0o600))
	resp, err = http.Post(f.url("/v1/config/reload", nil), "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, baseConfig+`  rate_limit_rps: 1
  rate_limit_burst: 1
`)
	q := url.Values{"secret": {secret}, "trader_id": {"1"}, "reg": {"1"}}

	resp, err := http.Get(f.url(PostbackPath, q))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.url(PostbackPath, q))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()

	resp, err = http.Get(f.url("/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "only the postback route is limited")
	resp.Body.Close()
}

func TestRateLimit_ForgedForwardedFor(t *testing.T) {
	f := newFixture(t, baseConfig+`  rate_limit_rps: 1
  rate_limit_burst: 1
  proxy_hops: 1
`)
	q := url.Values{"secret": {secret}, "trader_id": {"1"}, "reg": {"1"}}

	codes := make([]int, 0, 2)
	for _, forged := range []string{"1.1.1.1", "2.2.2.2"} {
		req, err := http.NewRequest(http.MethodGet, f.url(PostbackPath, q), nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", forged+", 198.51.100.4")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORSAndProbes(t *testing.T) {
	f := newFixture(t, baseConfig)

	req, err := http.NewRequest(http.MethodOptions, f.url(PostbackPath, nil), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	resp.Body.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(f.url(path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name string
		xff  []string
		hops int
		want string
	}{
		{"no proxy ignores header", []string{"203.0.113.7"}, 0, "10.0.0.1"},
		{"no header", nil, 1, "10.0.0.1"},
		{"single proxy", []string{"203.0.113.7"}, 1, "203.0.113.7"},
		{"spoofed prefix is skipped", []string{"1.2.3.4, 203.0.113.7"}, 1, "203.0.113.7"},
		{"two proxies", []string{"1.2.3.4, 203.0.113.7, 172.16.0.9"}, 2, "203.0.113.7"},
		{"repeated headers", []string{"1.2.3.4", "203.0.113.7"}, 1, "203.0.113.7"},
		{"fewer hops than proxies", []string{"203.0.113.7"}, 3, "203.0.113.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = "10.0.0.1:5555"
			for _, v := range tc.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tc.want, clientIP(r, tc.hops))
		})
	}
}
