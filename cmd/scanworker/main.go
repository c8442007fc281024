// Command scanworker consumes scan tasks from one of the two broker
// queues and runs each one against the scan engine, forwarding events,
// logs and lifecycle transitions back to the control plane.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/scanmesh/pkg/broker"
	"github.com/cuemby/scanmesh/pkg/config"
	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/types"
	"github.com/cuemby/scanmesh/pkg/worker"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scanworker",
	Short:   "scanmesh worker: consumes and executes scan tasks",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scanworker version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("queue", "fast", "Queue to consume: fast or slow")
	rootCmd.Flags().Int("concurrency", 1, "Maximum number of scans to run concurrently")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "Address for the Prometheus /metrics endpoint")
	rootCmd.Flags().String("heartbeat-url", "", "Control-plane heartbeat endpoint (defaults to API_URL/workers/heartbeat)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runWorker(cmd *cobra.Command, args []string) error {
	queueFlag, _ := cmd.Flags().GetString("queue")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	heartbeatURL, _ := cmd.Flags().GetString("heartbeat-url")

	queue := types.QueueFast
	if queueFlag == "slow" {
		queue = types.QueueSlow
	} else if queueFlag != "fast" {
		return fmt.Errorf("--queue must be 'fast' or 'slow', got %q", queueFlag)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if heartbeatURL == "" {
		heartbeatURL = cfg.APIURL + "/workers/heartbeat"
	}

	fmt.Println("Starting scanmesh worker...")
	fmt.Printf("  Queue: %s\n", queue)
	fmt.Printf("  Concurrency: %d\n", concurrency)
	fmt.Printf("  Data path: %s\n", cfg.DataPath)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", false, "initializing")
	metrics.RegisterComponent("broker", false, "initializing")

	store, err := storage.NewBoltStore(cfg.DataPath)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("failed to open control-plane store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "ready")
	fmt.Println("✓ Control-plane store opened (shared with scand via DATA_PATH)")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	b, err := broker.Connect(ctx, broker.Config{URL: cfg.BrokerURL, CACertFile: cfg.BrokerCACert})
	cancel()
	if err != nil {
		metrics.RegisterComponent("broker", false, err.Error())
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()
	metrics.RegisterComponent("broker", true, "ready")
	fmt.Println("✓ Connected to broker")

	runtime := &worker.Runtime{
		Store:       store,
		Broker:      b,
		Engine:      engine.New(),
		DataPath:    cfg.DataPath,
		Queue:       queue,
		Concurrency: concurrency,
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	hb := &worker.Heartbeater{URL: heartbeatURL, WorkerID: cfg.WorkerName, Name: cfg.WorkerName, QueueType: queue, CurrentScan: runtime.CurrentScan}
	go hb.Run(runCtx)
	fmt.Println("✓ Heartbeat loop started")

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- runtime.Run(runCtx) }()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	fmt.Printf("✓ HTTP endpoint: http://%s (/metrics, /health, /live)\n", metricsAddr)
	fmt.Println()
	fmt.Println("Worker running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
		stop()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil && err != context.Canceled {
			fmt.Fprintf(os.Stderr, "\nworker stopped: %v\n", err)
			return err
		}
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
