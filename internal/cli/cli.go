// Package cli provides the coordd command line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cluster-coordinator/internal/clock"
	"github.com/ChuLiYu/cluster-coordinator/internal/config"
	"github.com/ChuLiYu/cluster-coordinator/internal/coordination"
	"github.com/ChuLiYu/cluster-coordinator/internal/metrics"
	"github.com/ChuLiYu/cluster-coordinator/internal/rpcclient"
	"github.com/ChuLiYu/cluster-coordinator/internal/server"
)

var log = slog.Default()

var configFile string

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coordd",
		Short: "coordd: the cluster coordination service",
		Long: `coordd tracks a fixed population of worker tasks and mediates their
collective lifecycle: registration, heartbeat liveness, barriers, error
propagation and a shared configuration key-value store.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.AddCommand(buildRunCommand())
	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the coordination service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService()
		},
	}
}

func runService() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "err", err)
			}
		}()
	}

	// A configured agent map selects push-mode error delivery; without one
	// the agents poll for errors.
	var directory coordination.ClientDirectory
	var grpcDir *rpcclient.Directory
	if len(cfg.Agents) > 0 {
		grpcDir = rpcclient.NewDirectory(cfg.Agents)
		directory = grpcDir
		log.Info("push-mode error delivery enabled", "agents", len(cfg.Agents))
	} else {
		log.Info("pull-mode error delivery enabled (no agent addresses configured)")
	}

	svc := coordination.New(clock.New(), coordination.Config{
		HeartbeatTimeoutMs:             cfg.Service.HeartbeatTimeoutMs,
		ShutdownBarrierTimeoutMs:       cfg.Service.ShutdownBarrierTimeoutMs,
		AllowNewIncarnationToReconnect: cfg.Service.AllowNewIncarnationToReconnect,
		Jobs:                           cfg.Service.CoordinatedJobs,
		RecoverableJobs:                cfg.Service.RecoverableJobs,
		Metrics:                        collector,
	}, directory)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Listen.Port),
		Handler:           server.New(svc).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("coordination service listening", "port", cfg.Listen.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal, stopping gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("http shutdown error", "err", err)
	}
	svc.Stop()
	if grpcDir != nil {
		grpcDir.Close()
	}
	log.Info("coordination service exited")
	return nil
}
