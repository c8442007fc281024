// Command scand is the scanmesh control-plane daemon: it accepts scan
// submissions, publishes tasks to the worker fleet, supervises result
// ingestion, and tracks the worker registry.
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
	"github.com/cuemby/scanmesh/pkg/correlation"
	"github.com/cuemby/scanmesh/pkg/dispatcher"
	"github.com/cuemby/scanmesh/pkg/engine"
	"github.com/cuemby/scanmesh/pkg/log"
	"github.com/cuemby/scanmesh/pkg/metrics"
	"github.com/cuemby/scanmesh/pkg/registry"
	"github.com/cuemby/scanmesh/pkg/storage"
	"github.com/cuemby/scanmesh/pkg/supervisor"
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
	Use:     "scand",
	Short:   "scanmesh control-plane daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scand version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics and heartbeat endpoints")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Starting scanmesh control plane...")
	fmt.Printf("  Data path: %s\n", cfg.DataPath)
	fmt.Printf("  Broker: %s\n", cfg.BrokerURL)

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
	fmt.Println("✓ Control-plane store opened")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	b, err := broker.Connect(ctx, broker.Config{URL: cfg.BrokerURL, CACertFile: cfg.BrokerCACert})
	cancel()
	if err != nil {
		metrics.RegisterComponent("broker", false, err.Error())
		fmt.Printf("Warning: broker unavailable, dispatcher will run scans in-process: %v\n", err)
	} else {
		defer b.Close()
		metrics.RegisterComponent("broker", true, "ready")
		fmt.Println("✓ Connected to broker")
	}

	disp := &dispatcher.Dispatcher{
		Store:       store,
		Broker:      b,
		SlowModules: cfg.SlowModules,
		APIURL:      cfg.APIURL,
		Fallback:    engine.New(),
	}

	sup := &supervisor.Supervisor{
		Store:      store,
		Broker:     b,
		Correlator: &correlation.Runner{Command: correlationCommand(cfg.CorrelationRunnerPath), Store: store},
	}

	sweeper := &registry.Sweeper{Store: store, CleanupTimeout: cfg.WorkerCleanupTimeout}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	if b != nil {
		go sup.Run(runCtx)
		fmt.Println("✓ Result supervisor started")
	}

	sweepDone := make(chan struct{})
	go sweeper.Run(sweepDone)
	fmt.Println("✓ Worker registry sweeper started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/workers/heartbeat", registry.Handler(store))
	mux.HandleFunc("/scans", scanSubmitHandler(disp))

	server := &http.Server{Addr: metricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	fmt.Printf("✓ HTTP endpoint: http://%s (/metrics, /health, /ready, /live, /workers/heartbeat, /scans)\n", metricsAddr)
	fmt.Println()
	fmt.Println("Control plane running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nHTTP server error: %v\n", err)
	}

	close(sweepDone)
	stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	fmt.Println("✓ Shutdown complete")
	return nil
}

func correlationCommand(path string) []string {
	if path == "" {
		return nil
	}
	return []string{path}
}
