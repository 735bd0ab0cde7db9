/*
Copyright © 2025 ALESSIO TONIOLO

benchmark.go drives scan load through the router and fits the observed latency
against the scanned area, which is how the cost thresholds get calibrated for a
new solver build.
*/
package benchmark

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"golang.org/x/sync/errgroup"
)

// Config configures one benchmark run
type Config struct {
	URL         string // router base URL
	Requests    int
	Concurrency int
	Timeout     time.Duration
}

// Sample is the outcome of one scan request
type Sample struct {
	Fingerprint fingerprint.Fingerprint
	Duration    time.Duration
	Status      int
	Err         error
}

// Fit is latency = BaseMs + MsPerPixel * area, over successful samples
type Fit struct {
	BaseMs     float64
	MsPerPixel float64
	R2         float64
	Samples    int
}

// Report summarizes a run
type Report struct {
	Total     int
	Succeeded int
	Failed    int
	ByStatus  map[int]int
	Mean      time.Duration
	P50       time.Duration
	P90       time.Duration
	P99       time.Duration
	Fit       Fit
	HasFit    bool
}

// MeasureScan sends one scan request and returns its latency and status. The
// whole body is read so the latency covers the complete result.
func MeasureScan(ctx context.Context, client *http.Client, baseURL string, fp fingerprint.Fingerprint) (time.Duration, int, error) {
	url := strings.TrimSuffix(baseURL, "/") + config.DefaultScanPath + "?" + fp.Query()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return time.Since(start), 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	_, err = io.Copy(io.Discard, resp.Body)
	duration := time.Since(start)
	if err != nil {
		return duration, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return duration, resp.StatusCode, nil
}

// Run sends cfg.Requests scans drawn round-robin from fps, at most
// cfg.Concurrency at a time.
func Run(ctx context.Context, cfg Config, client *http.Client, fps []fingerprint.Fingerprint) (*Report, error) {
	if len(fps) == 0 {
		return nil, fmt.Errorf("no fingerprints to send")
	}
	if cfg.Requests <= 0 {
		return nil, fmt.Errorf("requests must be > 0")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	samples := make([]Sample, cfg.Requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Concurrency, 1))
	for i := 0; i < cfg.Requests; i++ {
		i := i
		fp := fps[i%len(fps)]
		g.Go(func() error {
			d, status, err := MeasureScan(gctx, client, cfg.URL, fp)
			samples[i] = Sample{Fingerprint: fp, Duration: d, Status: status, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Summarize(samples), nil
}

// Summarize builds a report. Only 200 replies count as successes and feed the
// latency statistics.
func Summarize(samples []Sample) *Report {
	r := &Report{Total: len(samples), ByStatus: make(map[int]int)}

	var ok []Sample
	var durations []time.Duration
	var sum time.Duration
	for _, s := range samples {
		if s.Status != 0 {
			r.ByStatus[s.Status]++
		}
		if s.Err != nil || s.Status != http.StatusOK {
			r.Failed++
			continue
		}
		r.Succeeded++
		ok = append(ok, s)
		durations = append(durations, s.Duration)
		sum += s.Duration
	}

	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool {
			return durations[i] < durations[j]
		})
		r.Mean = sum / time.Duration(len(durations))
		r.P50 = Percentile(durations, 50)
		r.P90 = Percentile(durations, 90)
		r.P99 = Percentile(durations, 99)
	}

	r.Fit, r.HasFit = FitLatency(ok)
	return r
}

// Percentile uses nearest rank over sorted
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// FitLatency fits latency (ms) = base + rate * area by least squares.
// It needs at least two distinct areas.
func FitLatency(samples []Sample) (Fit, bool) {
	if len(samples) < 2 {
		return Fit{}, false
	}

	n := float64(len(samples))
	var sumX, sumY, sumXY, sumX2 float64
	for _, s := range samples {
		x := s.Fingerprint.Area()
		y := float64(s.Duration.Microseconds()) / 1000.0
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}

	denominator := n*sumX2 - sumX*sumX
	if denominator == 0 {
		return Fit{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denominator
	intercept := (sumY - slope*sumX) / n

	// R² = 1 - SS_res / SS_tot
	meanY := sumY / n
	var ssRes, ssTot float64
	for _, s := range samples {
		x := s.Fingerprint.Area()
		y := float64(s.Duration.Microseconds()) / 1000.0
		pred := intercept + slope*x
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	r2 := 1.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return Fit{BaseMs: intercept, MsPerPixel: slope, R2: r2, Samples: len(samples)}, true
}

// GenerateFingerprints draws n scans over a width x height map with random
// strategies, view ports and starting points inside the view port.
func GenerateFingerprints(rng *rand.Rand, n int, image string, width, height int) []fingerprint.Fingerprint {
	strategies := []fingerprint.Strategy{fingerprint.Grid, fingerprint.Progressive, fingerprint.Greedy}
	fps := make([]fingerprint.Fingerprint, 0, n)
	for i := 0; i < n; i++ {
		w := 1 + rng.Intn(width)
		h := 1 + rng.Intn(height)
		x := rng.Intn(width - w + 1)
		y := rng.Intn(height - h + 1)
		fps = append(fps, fingerprint.Fingerprint{
			Strategy: strategies[rng.Intn(len(strategies))],
			Image:    image,
			Start:    fingerprint.Point{X: x + rng.Intn(w), Y: y + rng.Intn(h)},
			View:     fingerprint.Rect{X: x, Y: y, W: w, H: h},
		})
	}
	return fps
}
