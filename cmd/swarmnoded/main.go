// swarmnoded is the node agent daemon: it owns the shared session
// registry, runs the task engine and uptime tracker, and exposes the
// local control API the dashboard talks to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/api"
	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/engine"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/node"
	"github.com/0xneox/swarmuii/internal/registry"
	"github.com/0xneox/swarmuii/internal/session"
	"github.com/0xneox/swarmuii/internal/telemetry"
	"github.com/0xneox/swarmuii/internal/uptime"
	"github.com/0xneox/swarmuii/internal/warmup"
)

const deviceIDKey = "device_id"

func main() {
	var (
		cfgPath string
		debug   bool
		tracing bool
	)

	root := &cobra.Command{
		Use:   "swarmnoded",
		Short: "swarmuii node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, debug, tracing)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config")
	root.Flags().BoolVar(&debug, "debug", false, "debug logging")
	root.Flags().BoolVar(&tracing, "tracing", false, "emit traces to stdout")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string, debug, tracing bool) error {
	log, err := buildLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	shutdownTracing, err := telemetry.InitTracing("swarmnoded", tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	badgerStore, err := registry.NewBadger(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer badgerStore.Close()

	var store registry.Store = badgerStore
	if cfg.NATSURL != "" {
		nc, err := registry.Connect(cfg.NATSURL, log)
		if err != nil {
			// Cross-process signaling is an enhancement; the agent is
			// still correct alone on its local registry.
			log.Warn("nats unavailable, running without cross-process bridge", zap.Error(err))
		} else {
			bridge, err := registry.NewBridge(badgerStore, nc, "swarmuii.registry", log)
			if err != nil {
				return fmt.Errorf("registry bridge: %w", err)
			}
			defer bridge.Close()
			store = bridge
		}
	}

	deviceID, err := loadDeviceID(store, cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	state := node.LoadState(store, log)
	sessions := session.NewManager(store, log,
		session.WithFreshness(cfg.Limits.SessionFreshness),
		session.WithNoticeTTL(cfg.Limits.TakeoverNoticeTTL))
	sessions.SweepStale()
	ldg := ledger.New(cfg.LedgerBaseURL, cfg.APIToken, log)

	eng := engine.New(engine.NewStore(), ldg, state.Get, cfg.Limits, log)
	warm := warmup.New(eng, cfg.Limits, log)
	tracker := uptime.NewTracker(ldg, cfg.Limits, log)
	coord := node.NewCoordinator(deviceID, cfg.Plan, cfg.Limits,
		sessions, ldg, tracker, warm, eng, state, log)

	if !state.Get().Registered() && cfg.HardwareTier != "" {
		hostname, _ := os.Hostname()
		dev := models.Device{
			Name:         hostname,
			HardwareTier: models.HardwareTier(cfg.HardwareTier),
		}
		nodeID := "node-" + uuid.NewString()
		if err := coord.RegisterNode(nodeID, dev); err != nil {
			log.Warn("auto registration failed", zap.Error(err))
		}
	}

	controlServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewHTTPHandler(coord, log),
	}
	go func() {
		log.Info("control api listening", zap.String("addr", cfg.ListenAddr))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("control api", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Session teardown first so the remote ledger is reconciled while the
	// network is still up.
	coord.StopDevice(ctx)

	if err := controlServer.Shutdown(ctx); err != nil {
		log.Warn("control api shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Warn("tracing shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	telemetry.RegisterMetrics(mux)
	return mux
}

// loadDeviceID resolves the device identity: the configured id wins, an
// already minted one is reused, otherwise a fresh id is minted and
// persisted so the device keeps its ledger history across restarts.
func loadDeviceID(store registry.Store, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if raw, err := store.Get(deviceIDKey); err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	id := "dev-" + uuid.NewString()
	if err := store.Set(deviceIDKey, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}
