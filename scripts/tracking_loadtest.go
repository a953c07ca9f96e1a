//go:build ignore
// +build ignore

// Load test for the tracking endpoints.
//
// Registers -sends messages through the API, then fires -hits open and click
// requests at the pixel and redirect endpoints from -concurrency workers and
// reports latency percentiles and the status mix.
//
// Usage:
//   go run scripts/tracking_loadtest.go \
//     --base=http://localhost:8081 \
//     --api-key=$API_KEY \
//     --sends=500 --hits=20000 --concurrency=64

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type loadConfig struct {
	Base        string
	APIKey      string
	Campaign    string
	Sends       int
	Hits        int
	Concurrency int
	ClickRatio  float64
}

type loadMetrics struct {
	mu        sync.Mutex
	latencies []time.Duration
	statuses  map[int]int64
	errors    int64
}

func (m *loadMetrics) record(d time.Duration, status int, err error) {
	if err != nil {
		atomic.AddInt64(&m.errors, 1)
		return
	}
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.statuses[status]++
	m.mu.Unlock()
}

func percentile(durations []time.Duration, p int) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*float64(p)/100)]
}

func registerSends(ctx context.Context, client *http.Client, cfg loadConfig) ([]string, error) {
	ids := make([]string, cfg.Sends)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := range ids {
		i := i
		g.Go(func() error {
			body, _ := json.Marshal(map[string]string{
				"campaign_id": cfg.Campaign,
				"email":       fmt.Sprintf("load+%d@example.com", i),
				"tracking_id": uuid.New().String(),
			})
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Base+"/api/sends", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", cfg.APIKey)
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("register send: status %d", resp.StatusCode)
			}
			var out struct {
				TrackingID string `json:"tracking_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			ids[i] = out.TrackingID
			return nil
		})
	}
	return ids, g.Wait()
}

func main() {
	var cfg loadConfig
	flag.StringVar(&cfg.Base, "base", "http://localhost:8081", "tracking service base URL")
	flag.StringVar(&cfg.APIKey, "api-key", "", "API key for /api/sends")
	flag.StringVar(&cfg.Campaign, "campaign", "loadtest-"+time.Now().Format("20060102-150405"), "campaign id to register sends under")
	flag.IntVar(&cfg.Sends, "sends", 500, "messages to register")
	flag.IntVar(&cfg.Hits, "hits", 20000, "tracking requests to fire")
	flag.IntVar(&cfg.Concurrency, "concurrency", 64, "concurrent workers")
	flag.Float64Var(&cfg.ClickRatio, "click-ratio", 0.2, "share of hits that are clicks")
	flag.Parse()

	client := &http.Client{
		Timeout: 10 * time.Second,
		// Click hits must report the redirect, not follow it.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	ctx := context.Background()

	log.Printf("Registering %d sends under campaign %s...", cfg.Sends, cfg.Campaign)
	ids, err := registerSends(ctx, client, cfg)
	if err != nil {
		log.Fatalf("register sends: %v", err)
	}

	metrics := &loadMetrics{statuses: make(map[int]int64)}
	var next int64
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Concurrency; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for atomic.AddInt64(&next, 1) <= int64(cfg.Hits) {
				id := ids[rng.Intn(len(ids))]
				target := cfg.Base + "/track/open?id=" + url.QueryEscape(id)
				if rng.Float64() < cfg.ClickRatio {
					target = cfg.Base + "/track/click?id=" + url.QueryEscape(id) + "&url=" + url.QueryEscape("https://example.com/landing")
				}
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
				req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0 Safari/537.36")
				req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", rng.Intn(250)+1))

				t0 := time.Now()
				resp, err := client.Do(req)
				if err == nil {
					resp.Body.Close()
					metrics.record(time.Since(t0), resp.StatusCode, nil)
				} else {
					metrics.record(0, 0, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	fmt.Println("=========================================================")
	fmt.Println(" TRACKING LOAD TEST REPORT")
	fmt.Println("=========================================================")
	fmt.Printf("  Requests:     %d in %s (%.0f req/s)\n", len(metrics.latencies), elapsed.Round(time.Millisecond), float64(len(metrics.latencies))/elapsed.Seconds())
	fmt.Printf("  Errors:       %d\n", atomic.LoadInt64(&metrics.errors))
	fmt.Printf("  Latency p50:  %s\n", percentile(metrics.latencies, 50))
	fmt.Printf("  Latency p95:  %s\n", percentile(metrics.latencies, 95))
	fmt.Printf("  Latency p99:  %s\n", percentile(metrics.latencies, 99))
	for status, n := range metrics.statuses {
		fmt.Printf("  HTTP %d:     %d\n", status, n)
	}
	fmt.Println("=========================================================")
	fmt.Printf("Check results with: trackctl refresh %s\n", cfg.Campaign)
}
