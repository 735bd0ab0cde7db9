package cmd

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/benchmark"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench <router-url>",
	Short: "Send generated scan load through the router and fit latency against scan area",
	Long: `Send randomly generated scan requests through a running router and report the
latency distribution and the fitted latency = base + rate * area line. The per-pixel
rate is what the cost thresholds are calibrated against.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		requests, _ := cmd.Flags().GetInt("requests")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		distinct, _ := cmd.Flags().GetInt("distinct")
		image, _ := cmd.Flags().GetString("image")
		width, _ := cmd.Flags().GetInt("width")
		height, _ := cmd.Flags().GetInt("height")
		seed, _ := cmd.Flags().GetInt64("seed")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if width <= 0 || height <= 0 || distinct <= 0 {
			log.Fatal("--width, --height and --distinct must be positive")
		}

		fps := benchmark.GenerateFingerprints(rand.New(rand.NewSource(seed)), distinct, image, width, height)

		fmt.Printf("Sending %d scans (%d distinct) to %s with concurrency %d\n", requests, distinct, args[0], concurrency)
		report, err := benchmark.Run(context.Background(), benchmark.Config{
			URL:         args[0],
			Requests:    requests,
			Concurrency: concurrency,
			Timeout:     timeout,
		}, nil, fps)
		if err != nil {
			log.Fatalf("Benchmark failed: %v", err)
		}

		fmt.Printf("\nRequests:  %d ok, %d failed\n", report.Succeeded, report.Failed)
		statuses := make([]int, 0, len(report.ByStatus))
		for status := range report.ByStatus {
			statuses = append(statuses, status)
		}
		sort.Ints(statuses)
		for _, status := range statuses {
			fmt.Printf("  HTTP %d: %d\n", status, report.ByStatus[status])
		}

		if report.Succeeded > 0 {
			fmt.Printf("Latency:   mean %v  p50 %v  p90 %v  p99 %v\n",
				report.Mean.Round(time.Millisecond), report.P50.Round(time.Millisecond),
				report.P90.Round(time.Millisecond), report.P99.Round(time.Millisecond))
		}
		if report.HasFit {
			fmt.Printf("Fit:       latency = %.2fms + %.6fms/pixel (R²=%.4f, n=%d)\n",
				report.Fit.BaseMs, report.Fit.MsPerPixel, report.Fit.R2, report.Fit.Samples)
		}
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)

	benchCmd.Flags().Int("requests", 100, "total scans to send")
	benchCmd.Flags().Int("concurrency", 8, "scans in flight at once")
	benchCmd.Flags().Int("distinct", 20, "distinct scans to draw requests from")
	benchCmd.Flags().String("image", "SIMPLE-VERY-LARGE_1.png", "map image name")
	benchCmd.Flags().Int("width", 512, "map width")
	benchCmd.Flags().Int("height", 512, "map height")
	benchCmd.Flags().Int64("seed", 1, "random seed for the generated scans")
	benchCmd.Flags().Duration("timeout", 2*time.Minute, "per-request timeout")
}
