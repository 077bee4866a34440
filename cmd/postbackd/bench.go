package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

type benchOptions struct {
	target   string
	secret   string
	rate     int
	duration time.Duration
	traders  int
	post     bool
}

func benchCmd() *cobra.Command {
	var o benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load-test a running postback endpoint",
		Long: `Send a steady stream of synthetic postbacks spread over a pool of traders.

Examples:
  postbackd bench --target http://localhost:10000 --secret $PO_POSTBACK_SECRET --rate 200 --duration 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.secret == "" {
				o.secret = os.Getenv("PO_POSTBACK_SECRET")
			}
			return runBench(o)
		},
	}
	cmd.Flags().StringVar(&o.target, "target", "http://localhost:10000", "base URL of the server")
	cmd.Flags().StringVar(&o.secret, "secret", "", "postback secret (default $PO_POSTBACK_SECRET)")
	cmd.Flags().IntVar(&o.rate, "rate", 100, "requests per second")
	cmd.Flags().DurationVar(&o.duration, "duration", 10*time.Second, "attack duration")
	cmd.Flags().IntVar(&o.traders, "traders", 1000, "number of distinct trader ids")
	cmd.Flags().BoolVar(&o.post, "post", false, "send JSON bodies instead of query strings")
	return cmd
}

func runBench(o benchOptions) error {
	if o.rate <= 0 || o.traders <= 0 {
		return fmt.Errorf("rate and traders must be positive")
	}
	endpoint := strings.TrimRight(o.target, "/") + "/api/pocket/postback"
	targeter := postbackTargeter(endpoint, o.secret, o.traders, o.post, rand.New(rand.NewSource(time.Now().UnixNano())))

	attacker := vegeta.NewAttacker()
	var m vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: o.rate, Per: time.Second}, o.duration, "postback") {
		m.Add(res)
	}
	m.Close()

	fmt.Printf("requests      %d\n", m.Requests)
	fmt.Printf("success       %.2f%%\n", m.Success*100)
	fmt.Printf("throughput    %.1f/s\n", m.Throughput)
	fmt.Printf("latency p50   %s\n", m.Latencies.P50)
	fmt.Printf("latency p99   %s\n", m.Latencies.P99)
	fmt.Printf("latency max   %s\n", m.Latencies.Max)
	for code, n := range m.StatusCodes {
		fmt.Printf("status %-6s %d\n", code, n)
	}
	for _, e := range m.Errors {
		fmt.Printf("error         %s\n", e)
	}
	return nil
}

// milestones is the synthetic flag mix; registrations dominate as in live traffic.
var milestones = []string{"reg", "reg", "reg", "conf", "conf", "ftd", "dep", "dep"}

// postbackTargeter returns a vegeta targeter producing one random postback per
// call. rnd is guarded since vegeta calls the targeter concurrently.
func postbackTargeter(endpoint, secret string, traders int, post bool, rnd *rand.Rand) vegeta.Targeter {
	var mu sync.Mutex
	return func(t *vegeta.Target) error {
		if t == nil {
			return vegeta.ErrNilTarget
		}
		mu.Lock()
		trader := strconv.Itoa(rnd.Intn(traders) + 1)
		flag := milestones[rnd.Intn(len(milestones))]
		amount := strconv.Itoa(10 + rnd.Intn(990))
		mu.Unlock()

		fields := url.Values{"trader_id": {trader}, flag: {"1"}, "click_id": {"bench-" + trader}}
		if flag == "ftd" || flag == "dep" {
			fields.Set("sumdep", amount)
		}

		q := url.Values{"secret": {secret}}
		if !post {
			for k, v := range fields {
				q[k] = v
			}
			t.Method = http.MethodGet
			t.URL = endpoint + "?" + q.Encode()
			t.Body = nil
			t.Header = nil
			return nil
		}

		body := make(map[string]string, len(fields))
		for k := range fields {
			body[k] = fields.Get(k)
		}
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		t.Method = http.MethodPost
		t.URL = endpoint + "?" + q.Encode()
		t.Body = b
		t.Header = http.Header{"Content-Type": {"application/json"}}
		return nil
	}
}
