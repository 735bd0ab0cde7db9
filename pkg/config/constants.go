/*
Copyright © 2025 ALESSIO TONIOLO

constants.go defines all configuration constants for the radarfleet control plane.
Update these values to change default behavior across all components.
*/
package config

import "time"

// =============================================================================
// ROUTER CONFIGURATION
// =============================================================================

// Port Configuration
const (
	// DefaultRouterPort is the port the router listens on for client scan requests
	DefaultRouterPort = 5000

	// DefaultWorkerPort is the port every worker agent listens on
	DefaultWorkerPort = 8000

	// DefaultSolverPort is the port of the local solver backend behind a worker agent
	DefaultSolverPort = 8080
)

// Endpoints
const (
	DefaultScanPath    = "/scan"
	DefaultHealthPath  = "/health"
	DefaultMetricsPath = "/metrics"
	DefaultCostsPath   = "/costs"
	DefaultFleetPath   = "/fleet"

	// DefaultMaxCostReportBytes caps a POST /costs body
	DefaultMaxCostReportBytes = 64 << 10
)

// Timeouts
const (
	// DefaultRequestTimeout bounds one forwarded scan request to a worker
	DefaultRequestTimeout = 120 * time.Second

	// DefaultProbeTimeout bounds one liveness probe. A timeout counts as a failed probe.
	DefaultProbeTimeout = 2 * time.Second

	// DefaultMaintenanceInterval is how often health probes and the cost refresh run
	DefaultMaintenanceInterval = 30 * time.Second
)

// =============================================================================
// COST ESTIMATION CACHE
// =============================================================================

const (
	// DefaultCacheCapacity is the maximum number of fingerprints kept in the cost cache.
	// It also bounds the warm-up fetch from the metadata store.
	DefaultCacheCapacity = 1000

	// DefaultSimilarityDelta is the distance under which area and starting point
	// still contribute to the similarity of two fingerprints
	DefaultSimilarityDelta = 20
)

// =============================================================================
// INSTANCE HEALTH
// =============================================================================

const (
	// DefaultUnhealthyThreshold is consecutive failed signals before an instance is replaced
	DefaultUnhealthyThreshold = 2

	// DefaultHealthyThreshold is consecutive good signals before a degraded instance heals
	DefaultHealthyThreshold = 4
)

// =============================================================================
// AUTOSCALER
// =============================================================================

const (
	// DefaultMinInstances is the fleet floor, launched at bootstrap
	DefaultMinInstances = 2

	// DefaultCostThresholdMin/Max are per-instance bounds on the summed in-flight cost
	DefaultCostThresholdMin = 1_100_000
	DefaultCostThresholdMax = 3_000_000

	// DefaultCPUThresholdMin/Max are per-instance bounds on summed CPU utilization (percent)
	DefaultCPUThresholdMin = 30
	DefaultCPUThresholdMax = 80

	// DefaultTickInterval is how often the autoscaler evaluates the fleet
	DefaultTickInterval = 10 * time.Second

	// DefaultCooldown is the quiet period after any scaling action
	DefaultCooldown = 30 * time.Second

	// DefaultCPUCheckEvery makes the CPU signal evaluated once every N ticks
	DefaultCPUCheckEvery = 3

	// DefaultCPUWindow is how far back a CPU sample may be and still count
	DefaultCPUWindow = 10 * time.Minute

	// DefaultMetricTimeout bounds one CPU metric fetch
	DefaultMetricTimeout = 3 * time.Second

	// DefaultLaunchPollInterval is how often a launching node's status is polled
	DefaultLaunchPollInterval = 1 * time.Second
)

// =============================================================================
// FLEET PROVIDER (Lambda Cloud)
// =============================================================================

const (
	DefaultLambdaBaseURL      = "https://cloud.lambda.ai/api/v1"
	DefaultLambdaInstanceType = "gpu_1x_a10"
	DefaultLambdaRegion       = "us-east-1"
	DefaultInstanceName       = "radarfleet-worker"

	// DefaultCPUMetricName is the gauge a worker exports with its CPU utilization in percent
	DefaultCPUMetricName = "node_cpu_utilization_percent"
)

// =============================================================================
// WORKER AGENT
// =============================================================================

const (
	// DefaultSolverURL is the local solver backend a worker agent proxies scans to
	DefaultSolverURL = "http://127.0.0.1:8080"

	// DefaultObservedCostHeader carries the solver's observed cost on a scan reply
	DefaultObservedCostHeader = "X-Observed-Cost"

	// DefaultCPUSampleInterval is how often a worker samples /proc/stat
	DefaultCPUSampleInterval = 5 * time.Second

	// DefaultReportTimeout bounds one cost report to the control plane
	DefaultReportTimeout = 5 * time.Second
)

// =============================================================================
// HTTP CLIENT CONFIGURATION
// =============================================================================

const (
	// DefaultMaxIdleConnsPerHost for the HTTP client connection pool
	DefaultMaxIdleConnsPerHost = 100

	// DefaultIdleConnTimeout for the HTTP client
	DefaultIdleConnTimeout = 90 * time.Second
)
