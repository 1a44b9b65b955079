// Command loadtest drives GET /api/v1/search with a fixed set of queries,
// rotating through the any, all and ordered modes, and reports latency per
// mode.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080 -concurrency 16 -rps 500 -duration 30s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var modes = []string{"any", "all", "ordered"}

var defaultQueries = []string{
	"lazy dog",
	"quick brown fox",
	"the cat sat on the mat",
	"distributed systems",
	"inverted index",
	"search engine ranking",
	"query processing",
	"positional index",
	"the on",
}

type loadConfig struct {
	baseURL     string
	concurrency int
	duration    time.Duration
	rps         float64
	queries     []string
}

// modeStats collects the outcome of every request sent in one mode.
type modeStats struct {
	mu          sync.Mutex
	latencies   []time.Duration
	statusCodes map[int]int
	errors      int
	noTokens    int
	hits        int
}

func (s *modeStats) record(d time.Duration, status int, body *searchBody, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		return
	}
	s.latencies = append(s.latencies, d)
	s.statusCodes[status]++
	if status != http.StatusOK {
		s.errors++
		return
	}
	if body.NoTokens {
		s.noTokens++
	}
	s.hits += body.TotalHits
}

type searchBody struct {
	NoTokens  bool `json:"no_tokens"`
	TotalHits int  `json:"total_hits"`
}

func main() {
	cfg := loadConfig{queries: defaultQueries}
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "base URL of the search service")
	flag.IntVar(&cfg.concurrency, "concurrency", 10, "number of concurrent workers")
	flag.DurationVar(&cfg.duration, "duration", 30*time.Second, "test duration")
	flag.Float64Var(&cfg.rps, "rps", 0, "overall request rate limit, 0 for unlimited")
	flag.Parse()

	fmt.Println("=== Search Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.baseURL)
	fmt.Printf("Concurrency: %d\n", cfg.concurrency)
	fmt.Printf("Duration:    %s\n", cfg.duration)
	fmt.Printf("Queries:     %d unique x %d modes\n", len(cfg.queries), len(modes))
	fmt.Println()

	stats := run(cfg)
	if !report(os.Stdout, stats, cfg.duration) {
		fmt.Println("WARNING: No requests completed. Is the service running?")
		os.Exit(1)
	}
}

func run(cfg loadConfig) map[string]*modeStats {
	stats := make(map[string]*modeStats, len(modes))
	for _, m := range modes {
		stats[m] = &modeStats{statusCodes: map[int]int{}}
	}
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.concurrency * 2,
			MaxIdleConnsPerHost: cfg.concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), cfg.concurrency)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.concurrency; w++ {
		g.Go(func() error {
			for i := w; ; i++ {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				mode := modes[i%len(modes)]
				query := cfg.queries[(i/len(modes))%len(cfg.queries)]
				start := time.Now()
				status, body, err := search(ctx, client, cfg.baseURL, query, mode)
				if ctx.Err() != nil {
					return nil
				}
				stats[mode].record(time.Since(start), status, body, err)
			}
		})
	}
	_ = g.Wait()
	return stats
}

func search(ctx context.Context, client *http.Client, baseURL, query, mode string) (int, *searchBody, error) {
	target := fmt.Sprintf("%s/api/v1/search?q=%s&mode=%s&limit=10", baseURL, url.QueryEscape(query), mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var body searchBody
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return resp.StatusCode, nil, err
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, &body, nil
}

// report prints per-mode results and reports whether any request completed.
func report(w io.Writer, stats map[string]*modeStats, duration time.Duration) bool {
	var total int
	for _, mode := range modes {
		s := stats[mode]
		s.mu.Lock()
		latencies := slices.Clone(s.latencies)
		count := len(latencies)
		total += count
		fmt.Fprintf(w, "=== %s ===\n", mode)
		fmt.Fprintf(w, "Requests:     %d\n", count)
		fmt.Fprintf(w, "Errors:       %d\n", s.errors)
		fmt.Fprintf(w, "No tokens:    %d\n", s.noTokens)
		fmt.Fprintf(w, "Total hits:   %d\n", s.hits)
		if count > 0 {
			fmt.Fprintf(w, "Requests/sec: %.2f\n", float64(count)/duration.Seconds())
		}
		codes := make([]int, 0, len(s.statusCodes))
		for code := range s.statusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(w, "  %d: %d\n", code, s.statusCodes[code])
		}
		s.mu.Unlock()

		if count > 0 {
			slices.Sort(latencies)
			fmt.Fprintf(w, "P50: %s  P90: %s  P99: %s  Max: %s  StdDev: %s\n",
				percentile(latencies, 50),
				percentile(latencies, 90),
				percentile(latencies, 99),
				latencies[count-1],
				stddev(latencies),
			)
		}
		fmt.Fprintln(w)
	}
	return total > 0
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}

func stddev(latencies []time.Duration) time.Duration {
	var sum float64
	for _, l := range latencies {
		sum += float64(l)
	}
	avg := sum / float64(len(latencies))
	var sq float64
	for _, l := range latencies {
		diff := float64(l) - avg
		sq += diff * diff
	}
	return time.Duration(math.Sqrt(sq / float64(len(latencies))))
}
