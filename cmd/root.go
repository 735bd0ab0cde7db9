/*
Copyright © 2025 ALESSIO TONIOLO
*/
package cmd

import (
	"log"
	"net/http"
	"os"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/logging"
	"github.com/atoniolo76/radarfleet/pkg/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "radarfleet",
	Short: "Cost-aware autoscaling fleet for radar scan solvers",
	Long: `radarfleet runs the control plane in front of a fleet of scan solver nodes.
It routes each scan to the least loaded healthy node using estimated request costs,
learns true costs reported back by the nodes, and grows or shrinks the fleet on
Lambda Cloud from the summed in-flight cost and CPU utilization.

Key Features:
  - Least-loaded placement with cost estimates from similar past requests
  - Health hysteresis and automatic replacement of failing nodes
  - Cost and CPU driven scaling with cooldown
  - Worker agent that proxies the local solver and reports observed costs

Use "radarfleet [command] --help" for more information about a command.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (defaults are used for missing keys)")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file holding LAMBDA_API_KEY")
	rootCmd.PersistentFlags().String("log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("dev-log", false, "human readable console logs")
}

// loadConfig reads the config file and environment, applies the persistent
// flags on top and builds the logger. Failures are fatal.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		log.Fatalf("Error getting config flag: %v", err)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	envFile, _ := cmd.Flags().GetString("env-file")
	if err := cfg.LoadEnv(envFile); err != nil {
		log.Fatalf("Error loading environment: %v", err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("dev-log") {
		cfg.Log.Development, _ = cmd.Flags().GetBool("dev-log")
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	return cfg, logger
}

// newProvider builds the Lambda Cloud fleet provider. CPU metrics are scraped
// from each worker agent.
func newProvider(cfg *config.Config) (*remote.LambdaProvider, error) {
	scraper := remote.NewCPUScraper(
		&http.Client{Timeout: cfg.Autoscaler.MetricTimeout},
		cfg.Router.WorkerPort,
		config.DefaultMetricsPath,
		cfg.Provider.CPUMetricName,
	)
	return remote.NewLambdaProvider(remote.LambdaConfig{
		BaseURL:      cfg.Provider.BaseURL,
		APIToken:     cfg.Provider.APIToken,
		InstanceType: cfg.Provider.InstanceType,
		Region:       cfg.Provider.Region,
		Name:         cfg.Provider.InstanceName,
		SSHKeyNames:  cfg.Provider.SSHKeyNames,
	}, nil, scraper)
}
