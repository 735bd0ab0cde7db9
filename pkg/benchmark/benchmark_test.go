package benchmark

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(w, h int, ms int) Sample {
	return Sample{
		Fingerprint: fingerprint.Fingerprint{View: fingerprint.Rect{W: w, H: h}},
		Duration:    time.Duration(ms) * time.Millisecond,
		Status:      http.StatusOK,
	}
}

func TestFitLatencyExactLine(t *testing.T) {
	// latency = 5ms + 0.01ms per pixel
	samples := []Sample{
		sample(10, 10, 6),
		sample(20, 20, 9),
		sample(30, 30, 14),
		sample(100, 10, 15),
	}

	fit, ok := FitLatency(samples)
	require.True(t, ok)
	assert.InDelta(t, 5.0, fit.BaseMs, 1e-6)
	assert.InDelta(t, 0.01, fit.MsPerPixel, 1e-9)
	assert.InDelta(t, 1.0, fit.R2, 1e-9)
	assert.Equal(t, 4, fit.Samples)
}

func TestFitLatencyNeedsDistinctAreas(t *testing.T) {
	_, ok := FitLatency([]Sample{sample(10, 10, 5)})
	assert.False(t, ok)

	_, ok = FitLatency([]Sample{sample(10, 10, 5), sample(10, 10, 7)})
	assert.False(t, ok)
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	assert.Equal(t, 50*time.Millisecond, Percentile(sorted, 50))
	assert.Equal(t, 90*time.Millisecond, Percentile(sorted, 90))
	assert.Equal(t, 99*time.Millisecond, Percentile(sorted, 99))
	assert.Equal(t, 1*time.Millisecond, Percentile(sorted, 0))
	assert.Equal(t, time.Duration(0), Percentile(nil, 50))
}

func TestSummarizeCountsFailures(t *testing.T) {
	failed := sample(10, 10, 1)
	failed.Status = http.StatusServiceUnavailable

	r := Summarize([]Sample{sample(10, 10, 10), sample(20, 20, 30), failed, {Err: context.DeadlineExceeded}})

	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, map[int]int{http.StatusOK: 2, http.StatusServiceUnavailable: 1}, r.ByStatus)
	assert.Equal(t, 20*time.Millisecond, r.Mean)
	assert.Equal(t, 10*time.Millisecond, r.P50)
	assert.True(t, r.HasFit)
}

func TestGenerateFingerprintsAreValidQueries(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	fps := GenerateFingerprints(rng, 200, "map1", 64, 48)
	require.Len(t, fps, 200)

	for _, fp := range fps {
		assert.GreaterOrEqual(t, fp.View.X, 0)
		assert.LessOrEqual(t, fp.View.X+fp.View.W, 64)
		assert.LessOrEqual(t, fp.View.Y+fp.View.H, 48)
		assert.GreaterOrEqual(t, fp.Start.X, fp.View.X)
		assert.Less(t, fp.Start.X, fp.View.X+fp.View.W)

		parsed, err := fingerprint.Parse(fp.Query())
		require.NoError(t, err)
		assert.Equal(t, fp, parsed)
	}
}

func TestRunAgainstRouter(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if _, err := fingerprint.Parse(r.URL.RawQuery); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		time.Sleep(2 * time.Millisecond)
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	fps := GenerateFingerprints(rand.New(rand.NewSource(1)), 5, "map1", 32, 32)
	report, err := Run(context.Background(), Config{
		URL:         srv.URL,
		Requests:    20,
		Concurrency: 4,
		Timeout:     5 * time.Second,
	}, nil, fps)
	require.NoError(t, err)

	assert.Equal(t, 20, report.Total)
	assert.Equal(t, 20, report.Succeeded)
	assert.Equal(t, 20, report.ByStatus[http.StatusOK])
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Positive(t, report.P50)
}

func TestRunRejectsEmptyInput(t *testing.T) {
	_, err := Run(context.Background(), Config{Requests: 1}, nil, nil)
	assert.Error(t, err)

	_, err = Run(context.Background(), Config{}, nil, GenerateFingerprints(rand.New(rand.NewSource(1)), 1, "m", 4, 4))
	assert.Error(t, err)
}
