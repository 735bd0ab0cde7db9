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

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the agent that fronts the scan solver on a worker node",
	Long: `Run the worker agent on a fleet node. It answers the router's liveness probes,
proxies scans to the local solver, reports each observed cost to the control plane
and exports the node's CPU utilization for the fleet controller.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger := loadConfig(cmd)
		defer logger.Sync()

		if cmd.Flags().Changed("port") {
			cfg.Worker.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("solver") {
			cfg.Worker.SolverURL, _ = cmd.Flags().GetString("solver")
		}
		if cmd.Flags().Changed("control-plane") {
			cfg.Worker.ControlPlaneURL, _ = cmd.Flags().GetString("control-plane")
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}

		if err := runWorker(cfg, logger); err != nil {
			logger.Fatal("worker agent failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("port", config.DefaultWorkerPort, "port the agent listens on")
	workerCmd.Flags().String("solver", config.DefaultSolverURL, "local solver backend URL")
	workerCmd.Flags().String("control-plane", "", "router URL observed costs are reported to (empty disables reporting)")
}

func runWorker(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampler, err := worker.NewCPUSampler(cfg.Provider.CPUMetricName)
	if err != nil {
		logger.Warn("CPU utilization will not be exported", zap.Error(err))
		sampler = nil
	}

	agent, err := worker.New(&worker.Config{
		SolverURL:          cfg.Worker.SolverURL,
		ControlPlaneURL:    cfg.Worker.ControlPlaneURL,
		ObservedCostHeader: cfg.Worker.ObservedCostHeader,
		SampleInterval:     cfg.Worker.SampleInterval,
		ReportTimeout:      cfg.Worker.ReportTimeout,
	}, sampler, logger)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Stop()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.Port),
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("worker agent listening", zap.Int("port", cfg.Worker.Port))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("worker server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down worker agent")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
