package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

// cpuTimes are cumulative jiffies since boot, in seconds
type cpuTimes struct {
	busy  float64
	total float64
}

// CPUSampler turns successive /proc/stat readings into a utilization
// percentage and exports the latest one as a timestamped gauge. Until two
// readings exist it exports nothing, so scrapers see the metric as absent.
type CPUSampler struct {
	read func() (cpuTimes, error)
	now  func() time.Time
	desc *prometheus.Desc

	mu        sync.Mutex
	last      cpuTimes
	haveLast  bool
	value     float64
	sampledAt time.Time
	haveValue bool
}

// NewCPUSampler reads the host's /proc/stat
func NewCPUSampler(metricName string) (*CPUSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return newCPUSampler(metricName, procStatReader(fs)), nil
}

func newCPUSampler(metricName string, read func() (cpuTimes, error)) *CPUSampler {
	return &CPUSampler{
		read: read,
		now:  time.Now,
		desc: prometheus.NewDesc(metricName, "CPU utilization of this node in percent", nil, nil),
	}
}

func procStatReader(fs procfs.FS) func() (cpuTimes, error) {
	return func() (cpuTimes, error) {
		stat, err := fs.Stat()
		if err != nil {
			return cpuTimes{}, fmt.Errorf("failed to read /proc/stat: %w", err)
		}
		c := stat.CPUTotal
		idle := c.Idle + c.Iowait
		total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
		return cpuTimes{busy: total - idle, total: total}, nil
	}
}

// Sample takes one reading. Utilization is computed over the interval since
// the previous reading.
func (s *CPUSampler) Sample() error {
	cur, err := s.read()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveLast {
		if dt := cur.total - s.last.total; dt > 0 {
			pct := 100 * (cur.busy - s.last.busy) / dt
			s.value = min(max(pct, 0), 100)
			s.sampledAt = s.now()
			s.haveValue = true
		}
	}
	s.last = cur
	s.haveLast = true
	return nil
}

// Utilization returns the latest value and when it was sampled
func (s *CPUSampler) Utilization() (float64, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.sampledAt, s.haveValue
}

func (s *CPUSampler) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

func (s *CPUSampler) Collect(ch chan<- prometheus.Metric) {
	value, at, ok := s.Utilization()
	if !ok {
		return
	}
	ch <- prometheus.NewMetricWithTimestamp(at, prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, value))
}
