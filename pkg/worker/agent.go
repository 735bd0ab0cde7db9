/*
Copyright © 2025 ALESSIO TONIOLO

agent.go runs next to the solver on every worker node. It answers the router's
liveness probes, proxies scans to the local solver, reports each observed cost
back to the control plane and exports the node's CPU utilization.
*/
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/proxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config configures the agent
type Config struct {
	SolverURL string
	// ControlPlaneURL is the router base URL. Empty disables cost reporting.
	ControlPlaneURL    string
	ObservedCostHeader string
	SampleInterval     time.Duration
	ReportTimeout      time.Duration
}

// DefaultConfig returns the agent defaults
func DefaultConfig() *Config {
	return &Config{
		SolverURL:          config.DefaultSolverURL,
		ObservedCostHeader: config.DefaultObservedCostHeader,
		SampleInterval:     config.DefaultCPUSampleInterval,
		ReportTimeout:      config.DefaultReportTimeout,
	}
}

// costReport matches the control plane's POST /costs body
type costReport struct {
	Query string  `json:"query"`
	Cost  float64 `json:"cost"`
}

type Agent struct {
	config   *Config
	solver   *httputil.ReverseProxy
	client   *http.Client
	sampler  *CPUSampler
	registry *prometheus.Registry
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// reportMu orders reports.Add against Stop draining reports
	reportMu sync.Mutex
	closed   bool
	reports  sync.WaitGroup
}

// New creates an agent. sampler may be nil, in which case no CPU metric is
// exported and the controller skips CPU-based scaling.
func New(cfg *Config, sampler *CPUSampler, logger *zap.Logger) (*Agent, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	solverURL, err := url.Parse(cfg.SolverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid solver URL %q: %w", cfg.SolverURL, err)
	}

	registry := prometheus.NewRegistry()
	if sampler != nil {
		if err := registry.Register(sampler); err != nil {
			return nil, fmt.Errorf("failed to register CPU sampler: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		config:  cfg,
		sampler: sampler,
		client: &http.Client{
			Timeout: cfg.ReportTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.DefaultMaxIdleConnsPerHost,
				IdleConnTimeout:     config.DefaultIdleConnTimeout,
			},
		},
		registry: registry,
		logger:   logger.Named("worker"),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.solver = httputil.NewSingleHostReverseProxy(solverURL)
	a.solver.ModifyResponse = a.onSolverResponse
	a.solver.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.logger.Warn("solver unavailable", zap.Error(err))
		http.Error(w, "Solver unavailable", http.StatusBadGateway)
	}

	return a, nil
}

// Start begins CPU sampling
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}
	a.running.Store(true)

	if a.sampler != nil {
		a.wg.Add(1)
		go a.sampleLoop()
	}

	a.logger.Info("worker agent started",
		zap.String("solver", a.config.SolverURL),
		zap.Bool("reporting", a.config.ControlPlaneURL != ""))
	return nil
}

// Stop stops sampling and waits for in-flight cost reports to finish. Costs
// observed after Stop are not reported.
func (a *Agent) Stop() {
	a.cancel()
	a.wg.Wait()

	a.reportMu.Lock()
	a.closed = true
	a.reportMu.Unlock()
	a.reports.Wait()

	a.running.Store(false)
}

func (a *Agent) sampleLoop() {
	defer a.wg.Done()

	if err := a.sampler.Sample(); err != nil {
		a.logger.Warn("CPU sample failed", zap.Error(err))
	}

	ticker := time.NewTicker(a.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.sampler.Sample(); err != nil {
				a.logger.Warn("CPU sample failed", zap.Error(err))
			}
		}
	}
}

// Handler returns the agent's HTTP handler
func (a *Agent) Handler() http.Handler {
	metricsHandler := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case config.DefaultHealthPath:
			w.WriteHeader(http.StatusOK)
		case config.DefaultScanPath:
			a.handleScanEndpoint(w, r)
		case config.DefaultMetricsPath:
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func (a *Agent) handleScanEndpoint(w http.ResponseWriter, r *http.Request) {
	if proxy.IsPreflight(r) {
		proxy.SetCORSHeaders(w.Header())
		w.WriteHeader(http.StatusOK)
		return
	}
	a.solver.ServeHTTP(w, r)
}

// onSolverResponse decorates a solver reply and reports its observed cost
func (a *Agent) onSolverResponse(resp *http.Response) error {
	proxy.SetCORSHeaders(resp.Header)
	raw := resp.Header.Get(a.config.ObservedCostHeader)
	resp.Header.Del(a.config.ObservedCostHeader)
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	resp.Header.Set("Content-Type", "image/png")

	if raw == "" {
		return nil
	}
	cost, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || cost < 0 {
		a.logger.Debug("ignoring observed cost", zap.String("value", raw))
		return nil
	}

	if a.config.ControlPlaneURL != "" {
		a.goReportCost(resp.Request.URL.RawQuery, cost)
	}
	return nil
}

// goReportCost reports in the background. Each report gets its own timeout
// so a stopping agent still delivers what it has already observed.
func (a *Agent) goReportCost(query string, cost float64) {
	a.reportMu.Lock()
	defer a.reportMu.Unlock()
	if a.closed {
		a.logger.Warn("agent stopped, dropping observed cost", zap.String("query", query))
		return
	}

	timeout := a.config.ReportTimeout
	if timeout <= 0 {
		timeout = config.DefaultReportTimeout
	}

	a.reports.Add(1)
	go func() {
		defer a.reports.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.reportCost(ctx, query, cost); err != nil {
			a.logger.Warn("failed to report observed cost", zap.Error(err))
		}
	}()
}

// reportCost posts one observed cost to the control plane
func (a *Agent) reportCost(ctx context.Context, query string, cost float64) error {
	body, err := json.Marshal(costReport{Query: query, Cost: cost})
	if err != nil {
		return fmt.Errorf("failed to marshal cost report: %w", err)
	}

	reportURL := strings.TrimSuffix(a.config.ControlPlaneURL, "/") + config.DefaultCostsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane rejected cost report: %s", resp.Status)
	}

	a.logger.Debug("reported observed cost", zap.String("query", query), zap.Float64("cost", cost))
	return nil
}
