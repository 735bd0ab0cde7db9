package remote

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// CPUScraper reads a node's CPU utilization gauge from the worker agent's
// Prometheus endpoint.
type CPUScraper struct {
	client     *http.Client
	port       int
	path       string
	metricName string
	now        func() time.Time
}

func NewCPUScraper(client *http.Client, port int, path, metricName string) *CPUScraper {
	if client == nil {
		client = http.DefaultClient
	}
	return &CPUScraper{
		client:     client,
		port:       port,
		path:       path,
		metricName: metricName,
		now:        time.Now,
	}
}

func (s *CPUScraper) target(address string) string {
	return "http://" + net.JoinHostPort(address, strconv.Itoa(s.port)) + s.path
}

// CPUUtilization returns the gauge value in percent. Any fetch or parse failure,
// a missing gauge, or a sample older than window yields ErrMetricUnavailable.
func (s *CPUScraper) CPUUtilization(ctx context.Context, node Node, window time.Duration) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target(node.Address), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMetricUnavailable, err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch %s: %v", ErrMetricUnavailable, node.ID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status code from %s: %d", ErrMetricUnavailable, node.ID, resp.StatusCode)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrMetricUnavailable, node.ID, err)
	}

	family, ok := families[s.metricName]
	if !ok || len(family.GetMetric()) == 0 {
		return 0, fmt.Errorf("%w: %s not exported by %s", ErrMetricUnavailable, s.metricName, node.ID)
	}
	return s.latest(family, window, node.ID)
}

// latest picks the most recent sample of the family that falls inside window.
// Samples without a timestamp are taken as current.
func (s *CPUScraper) latest(family *dto.MetricFamily, window time.Duration, nodeID string) (float64, error) {
	cutoff := s.now().Add(-window)
	var (
		value  float64
		newest int64 = -1
		found  bool
	)
	for _, m := range family.GetMetric() {
		if m.GetGauge() == nil {
			continue
		}
		ts := s.now().UnixMilli()
		if m.TimestampMs != nil {
			ts = m.GetTimestampMs()
		}
		if window > 0 && time.UnixMilli(ts).Before(cutoff) {
			continue
		}
		if ts > newest {
			newest = ts
			value = m.GetGauge().GetValue()
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: no %s sample from %s within %s", ErrMetricUnavailable, s.metricName, nodeID, window)
	}
	return value, nil
}
