package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/autoscaler"
	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/costcache"
	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/metrics"
	"github.com/atoniolo76/radarfleet/pkg/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane: request router and fleet controller",
	Long: `Run the control plane. The router accepts scan requests and places them on the
least loaded healthy worker node, while the fleet controller launches, replaces and
terminates Lambda Cloud nodes to keep the fleet sized to its load.

Endpoints:
  GET  /scan      route a scan request
  POST /costs     ingest an observed cost reported by a worker
  GET  /fleet     fleet snapshot
  GET  /health    router liveness
  GET  /metrics   Prometheus metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := loadConfig(cmd)
		defer logger.Sync()

		if cmd.Flags().Changed("port") {
			cfg.Router.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("min-instances") {
			cfg.Autoscaler.MinInstances, _ = cmd.Flags().GetInt("min-instances")
		}
		if adopt, _ := cmd.Flags().GetBool("adopt"); adopt {
			cfg.Autoscaler.AdoptRunning = true
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}

		if err := runControlPlane(cfg, logger); err != nil {
			logger.Fatal("control plane failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", config.DefaultRouterPort, "port the router listens on")
	serveCmd.Flags().Int("min-instances", config.DefaultMinInstances, "fleet floor, launched at startup")
	serveCmd.Flags().Bool("adopt", false, "register nodes already running at the provider instead of launching new ones")
}

func runControlPlane(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storePath, err := cfg.StorePath()
	if err != nil {
		return err
	}
	store, err := db.Open(storePath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	cache, err := costcache.New(cfg.Cache.Capacity, cfg.Cache.Delta)
	if err != nil {
		return err
	}
	registry := fleet.NewRegistry()

	routerCfg := router.DefaultConfig()
	routerCfg.WorkerPort = cfg.Router.WorkerPort
	routerCfg.RequestTimeout = cfg.Router.RequestTimeout
	routerCfg.ProbeTimeout = cfg.Router.ProbeTimeout
	routerCfg.MaintenanceInterval = cfg.Router.MaintenanceInterval
	routerCfg.WarmupLimit = cfg.Cache.Capacity

	r := router.NewRouter(ctx, routerCfg, registry, cache, store, m, logger)
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	controller := autoscaler.New(autoscalerConfig(cfg), provider, registry, store, m, logger)
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("fleet controller stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Router.Port),
		Handler:           r.Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("router listening", zap.Int("port", cfg.Router.Port))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("router server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down control plane")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func autoscalerConfig(cfg *config.Config) *autoscaler.Config {
	a := cfg.Autoscaler
	return &autoscaler.Config{
		MinInstances:       a.MinInstances,
		CostThresholdMin:   a.CostThresholdMin,
		CostThresholdMax:   a.CostThresholdMax,
		CPUThresholdMin:    a.CPUThresholdMin,
		CPUThresholdMax:    a.CPUThresholdMax,
		TickInterval:       a.TickInterval,
		Cooldown:           a.Cooldown,
		CPUCheckEvery:      a.CPUCheckEvery,
		CPUWindow:          a.CPUWindow,
		MetricTimeout:      a.MetricTimeout,
		LaunchPollInterval: a.LaunchPollInterval,
		AdoptRunning:       a.AdoptRunning,
		Health: fleet.Thresholds{
			Healthy:   cfg.Health.HealthyThreshold,
			Unhealthy: cfg.Health.UnhealthyThreshold,
		},
	}
}
