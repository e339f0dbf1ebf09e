// cmd/loadtest/main.go
//
// loadtest fires concurrent resolution submissions at a running oracled and
// checks that every confirmed transaction got its own nonce.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

// Command line flags
var (
	baseURL     = pflag.String("url", "http://localhost:3000", "Base URL of the oracle API")
	apiKey      = pflag.String("api-key", os.Getenv("API_KEY"), "X-API-Key header value")
	requests    = pflag.Int("requests", 5, "Number of resolutions to submit")
	concurrency = pflag.Int("concurrency", 5, "Number of concurrent clients")
	rps         = pflag.Float64("rate", 10, "Maximum submissions per second")
	register    = pflag.Bool("register", true, "Register each market before resolving it")
	timeout     = pflag.Duration("timeout", 2*time.Minute, "Per-request timeout")
)

// Stats holds counters shared by the clients.
type Stats struct {
	successCount uint64
	failureCount uint64
	latencySum   uint64
	latencyCount uint64
}

type result struct {
	marketID string
	txHash   string
	status   int
	err      error
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func main() {
	pflag.Parse()

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  URL: %s\n", *baseURL)
	fmt.Printf("  Requests: %d\n", *requests)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Rate: %.1f/s\n", *rps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: *timeout}
	limiter := rate.NewLimiter(rate.Limit(*rps), 1)
	stats := &Stats{}

	jobs := make(chan string)
	results := make(chan result, *requests)
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for marketID := range jobs {
				results <- submit(ctx, client, marketID, stats)
			}
		}()
	}

	start := time.Now()
	go func() {
		defer close(jobs)
		for i := 0; i < *requests; i++ {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case jobs <- "loadtest-" + uuid.NewString():
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	close(results)
	elapsed := time.Since(start)

	var confirmed []string
	for r := range results {
		if r.err != nil {
			fmt.Printf("  %s: FAILED (%d) %v\n", r.marketID, r.status, r.err)
			continue
		}
		fmt.Printf("  %s: %s\n", r.marketID, r.txHash)
		confirmed = append(confirmed, r.txHash)
	}

	successCount := atomic.LoadUint64(&stats.successCount)
	failureCount := atomic.LoadUint64(&stats.failureCount)
	var avgLatency uint64
	if n := atomic.LoadUint64(&stats.latencyCount); n > 0 {
		avgLatency = atomic.LoadUint64(&stats.latencySum) / n
	}

	fmt.Printf("\nLoad Test Results:\n")
	fmt.Printf("  Duration: %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("  Successful: %d\n", successCount)
	fmt.Printf("  Failed: %d\n", failureCount)
	fmt.Printf("  Average Latency: %d ms\n", avgLatency)

	if dup := duplicates(confirmed); len(dup) > 0 {
		log.Fatalf("Duplicate transaction hashes: %v", dup)
	}
	if failureCount > 0 {
		os.Exit(1)
	}
}

func submit(ctx context.Context, client *http.Client, marketID string, stats *Stats) result {
	start := time.Now()

	if *register {
		// Registration is best effort on the server, so its result is informational.
		_, _, _ = post(ctx, client, "/api/v1/markets", map[string]interface{}{
			"marketId":           marketID,
			"eventDescription":   "Load test market " + marketID,
			"resolutionCriteria": "Resolves YES when the load test completes",
		})
	}

	status, resp, err := post(ctx, client, "/api/v1/resolutions", map[string]interface{}{
		"marketId":   marketID,
		"outcome":    "yes",
		"confidence": 90,
		"proofHash":  "loadtest:" + marketID,
	})
	if err == nil && !resp.Success {
		err = fmt.Errorf("%s: %s", resp.Code, resp.Error)
	}
	if err != nil {
		atomic.AddUint64(&stats.failureCount, 1)
		return result{marketID: marketID, status: status, err: err}
	}

	var data struct {
		TxHash string `json:"txHash"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		atomic.AddUint64(&stats.failureCount, 1)
		return result{marketID: marketID, status: status, err: err}
	}

	atomic.AddUint64(&stats.successCount, 1)
	atomic.AddUint64(&stats.latencySum, uint64(time.Since(start).Milliseconds()))
	atomic.AddUint64(&stats.latencyCount, 1)
	return result{marketID: marketID, txHash: data.TxHash, status: status}
}

func post(ctx context.Context, client *http.Client, path string, body interface{}) (int, apiResponse, error) {
	var resp apiResponse
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, resp, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, resp, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if *apiKey != "" {
		req.Header.Set("X-API-Key", *apiKey)
	}

	httpResp, err := client.Do(req)
	if err != nil {
		return 0, resp, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return httpResp.StatusCode, resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return httpResp.StatusCode, resp, fmt.Errorf("unexpected response: %s", bytes.TrimSpace(raw))
	}
	return httpResp.StatusCode, resp, nil
}

func duplicates(hashes []string) []string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	var dup []string
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			dup = append(dup, sorted[i])
		}
	}
	return dup
}
