/*
Copyright © 2025 ALESSIO TONIOLO

router.go implements the cost-aware request router. Every scan request gets a
cost estimate from the cost cache and is placed on the healthy instance with
the lowest in-flight cost. The estimate is held on that instance until the
request completes; the query is then queued so its observed cost can be pulled
from the metadata store on the next maintenance cycle.
*/
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/costcache"
	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrNoCapacity means no healthy instance can take the request
	ErrNoCapacity = errors.New("no healthy instance available")

	// ErrDispatchFailed means an instance did not answer a forwarded request successfully
	ErrDispatchFailed = errors.New("dispatch failed")
)

// CostStore is the metadata store as seen by the router
type CostStore interface {
	FetchAll(ctx context.Context, limit int) ([]db.RequestCost, error)
	FetchFiltered(ctx context.Context, queries []string) ([]db.RequestCost, error)
	Store(ctx context.Context, query string, cost float64) error
}

// Config configures the router
type Config struct {
	WorkerPort          int
	RequestTimeout      time.Duration
	ProbeTimeout        time.Duration
	MaintenanceInterval time.Duration
	ScanEndpoint        string
	HealthEndpoint      string

	// WarmupLimit bounds the unfiltered fetch that fills the cache at construction
	WarmupLimit int
}

// DefaultConfig returns the router defaults
func DefaultConfig() *Config {
	return &Config{
		WorkerPort:          config.DefaultWorkerPort,
		RequestTimeout:      config.DefaultRequestTimeout,
		ProbeTimeout:        config.DefaultProbeTimeout,
		MaintenanceInterval: config.DefaultMaintenanceInterval,
		ScanEndpoint:        config.DefaultScanPath,
		HealthEndpoint:      config.DefaultHealthPath,
		WarmupLimit:         config.DefaultCacheCapacity,
	}
}

// Placement is the outcome of onReceiveRequest: where the request goes and
// how much cost was charged to that instance for it.
type Placement struct {
	Instance      *fleet.Instance
	EstimatedCost float64
}

// Router places scan requests on fleet instances
type Router struct {
	config *Config

	fleet *fleet.Registry
	cache *costcache.Cache
	store CostStore

	// queries completed since the last refresh
	pending   map[string]struct{}
	pendingMu sync.Mutex

	httpClient  *http.Client
	probeClient *http.Client

	metrics *metrics.Metrics
	logger  *zap.Logger

	// Control
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     atomic.Bool
	maintaining atomic.Bool
}

// NewRouter creates a router and pre-warms the cache from the store
func NewRouter(ctx context.Context, cfg *Config, registry *fleet.Registry, cache *costcache.Cache,
	store CostStore, m *metrics.Metrics, logger *zap.Logger) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r := &Router{
		config:  cfg,
		fleet:   registry,
		cache:   cache,
		store:   store,
		pending: make(map[string]struct{}),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.DefaultMaxIdleConnsPerHost,
				IdleConnTimeout:     config.DefaultIdleConnTimeout,
			},
		},
		probeClient: &http.Client{Timeout: cfg.ProbeTimeout},
		metrics:     m,
		logger:      logger.Named("router"),
		ctx:         runCtx,
		cancel:      cancel,
	}

	r.warmCache(ctx)
	return r
}

func (r *Router) warmCache(ctx context.Context) {
	if r.store == nil || r.config.WarmupLimit <= 0 {
		return
	}
	rows, err := r.store.FetchAll(ctx, r.config.WarmupLimit)
	if err != nil {
		r.logger.Warn("cache warm-up failed", zap.Error(err))
		return
	}
	entries := toEntries(rows, r.logger)
	r.cache.PutAll(entries)
	r.metrics.SetCacheEntries(r.cache.Len())
	r.logger.Info("cache warmed", zap.Int("entries", len(entries)))
}

// Start launches the maintenance loop. The first cycle runs immediately.
func (r *Router) Start() error {
	if r.running.Load() {
		return fmt.Errorf("router already running")
	}
	r.running.Store(true)

	r.wg.Add(1)
	go r.maintenanceLoop()

	r.logger.Info("router started",
		zap.Int("instances", r.fleet.Len()),
		zap.Duration("maintenance_interval", r.config.MaintenanceInterval))
	return nil
}

// Stop stops the maintenance loop and waits for a running cycle to finish
func (r *Router) Stop() {
	if !r.running.Load() {
		return
	}
	r.running.Store(false)
	r.cancel()
	r.wg.Wait()

	r.logger.Info("router stopped")
}

// OnReceiveRequest estimates the request's cost and charges it to the
// least-loaded healthy instance.
func (r *Router) OnReceiveRequest(fp fingerprint.Fingerprint) (Placement, error) {
	estimate := r.cache.Estimate(fp)

	inst := r.fleet.LeastLoadedHealthy()
	if inst == nil {
		return Placement{}, ErrNoCapacity
	}
	inst.AddCost(estimate)

	r.logger.Debug("placed request",
		zap.String("instance", inst.ID),
		zap.Float64("estimate", estimate),
		zap.Stringer("fingerprint", fp))
	return Placement{Instance: inst, EstimatedCost: estimate}, nil
}

// OnInstanceSuccess releases the estimate and queues rawQuery for reconciliation
func (r *Router) OnInstanceSuccess(rawQuery string, p Placement) {
	p.Instance.RemoveCost(p.EstimatedCost)

	r.pendingMu.Lock()
	r.pending[rawQuery] = struct{}{}
	r.pendingMu.Unlock()

	p.Instance.RegisterHealthy()
}

// OnInstanceFailure releases the estimate and counts a failed signal
func (r *Router) OnInstanceFailure(p Placement) {
	p.Instance.RemoveCost(p.EstimatedCost)
	p.Instance.RegisterUnhealthy()
}

// PendingQueries returns the number of queries waiting for reconciliation
func (r *Router) PendingQueries() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// takePending empties the pending set and returns its contents
func (r *Router) takePending() []string {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	queries := make([]string, 0, len(r.pending))
	for q := range r.pending {
		queries = append(queries, q)
	}
	r.pending = make(map[string]struct{})
	return queries
}

// requeue puts queries back after a failed refresh
func (r *Router) requeue(queries []string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for _, q := range queries {
		r.pending[q] = struct{}{}
	}
}

// toEntries converts store rows into cache entries, skipping rows whose
// query no longer parses
func toEntries(rows []db.RequestCost, logger *zap.Logger) []costcache.Entry {
	entries := make([]costcache.Entry, 0, len(rows))
	for _, row := range rows {
		fp, err := fingerprint.Parse(row.Query)
		if err != nil {
			logger.Debug("skipping stored cost", zap.String("query", row.Query), zap.Error(err))
			continue
		}
		entries = append(entries, costcache.Entry{Fingerprint: fp, Cost: row.Cost})
	}
	return entries
}
