package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetctl/matchfleet/internal/api"
	"github.com/fleetctl/matchfleet/internal/cloud"
	"github.com/fleetctl/matchfleet/internal/config"
	"github.com/fleetctl/matchfleet/internal/fleet"
	"github.com/fleetctl/matchfleet/internal/logging"
	"github.com/fleetctl/matchfleet/internal/metrics"
	"github.com/fleetctl/matchfleet/internal/workerclient"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the match allocator and fleet controller daemon",
		Long:  "Run the request-match API, the backup VM pool and its reconciler loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			logging.SetLevelFromString(cfg.LogLevel)

			if cfg.MetricsEnabled {
				metrics.Init(cfg.MetricsNamespace)
			}

			ctx := context.Background()

			provider, err := cloud.NewEC2Provider(ctx, cfg.Region)
			if err != nil {
				return fmt.Errorf("init cloud provider: %w", err)
			}

			worker := workerclient.New(cfg.WorkerPort, cfg.StatusTimeout, cfg.StartMatchTimeout)
			registry := fleet.NewRegistry()

			template := cloud.Template{
				ImageID:         cfg.Template.ImageID,
				InstanceType:    cfg.Template.InstanceType,
				Zone:            cfg.Template.Zone,
				VPCID:           cfg.Template.VPCID,
				SubnetID:        cfg.Template.SubnetID,
				SecurityGroupID: cfg.Template.SecurityGroupID,
				BandwidthMbps:   cfg.Template.BandwidthMbps,
				NamePrefix:      cfg.Template.InstanceNamePfx,
			}

			launcher := fleet.NewLauncher(registry, provider, template, cfg.MaxBackupVMs, cfg.MaxPollAttempts, cfg.PollBaseDelay, cfg.PollStepDelay)
			allocator := fleet.NewAllocator(registry, worker, launcher, cfg.FullMatchLimit, cfg.MaxBackupVMs)

			reconciler := fleet.NewReconciler(registry, provider, worker, launcher, fleet.ReconcilerConfig{
				FullMatchLimit:      cfg.FullMatchLimit,
				MinBackupVMs:        cfg.MinBackupVMs,
				MaxBackupVMs:        cfg.MaxBackupVMs,
				NearCapacityThresh:  cfg.NearCapacityThresh,
				UnreachableTerm:     cfg.UnreachableTerm,
				AgeTerminateMinutes: time.Duration(cfg.AgeTerminateMinutes) * time.Minute,
				ProtectionIdle:      time.Duration(cfg.ProtectionIdleMins) * time.Minute,
				UpdateInterval:      cfg.UpdateInterval,
				MatchGCThreshold:    cfg.MatchGCThreshold,
			})

			reconcileCtx, cancelReconcile := context.WithCancel(ctx)
			reconciler.Start(reconcileCtx)
			defer cancelReconcile()

			h := &api.Handler{
				Registry:          registry,
				Allocator:         allocator,
				Worker:            worker,
				Launcher:          launcher,
				Reconciler:        reconciler,
				PlayfabSecretKey:  cfg.PlayfabSecretKey,
				StartMatchTimeout: cfg.StartMatchTimeout,
			}

			mux := http.NewServeMux()
			h.RegisterRoutes(mux)
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status":"ok","service":"matchfleetd"}`))
			})

			httpServer := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Port),
				Handler: mux,
			}

			go func() {
				logging.Op().Info("matchfleetd listening", "addr", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logging.Op().Error("http server error", "error", err)
				}
			}()

			logging.Op().Info("matchfleetd started", "min_backup_vms", cfg.MinBackupVMs, "max_backup_vms", cfg.MaxBackupVMs)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)

			cancelReconcile()
			reconciler.Stop()

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
