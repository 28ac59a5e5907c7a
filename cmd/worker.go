package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/fleetware/services/rollout/config"
	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/repository"
	"example.com/fleetware/services/rollout/internal/service"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the reconciliation worker",
	Long: `Starts the background reconciliation loop that retries failed
updates, fails stuck ones, advances staged rollouts, evaluates automatic
rollback and completes finished campaigns.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	db := connectDatabase(cfg)
	defer db.Close()

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	publisher, err := messaging.NewEventPublisher(cfg.ServiceBus)
	if err != nil {
		return err
	}
	defer publisher.Close()

	repo := repository.NewRepository(db)
	svc, err := service.NewService(service.ServiceConfig{
		Repository:        repo,
		Cache:             redisClient,
		Publisher:         publisher,
		Logger:            log,
		StageSequence:     cfg.Reconciler.StageSequence,
		DefaultMaxRetries: cfg.Reconciler.MaxRetries,
		Reconciler: service.ReconcilerConfig{
			Interval:         cfg.Reconciler.Interval,
			Workers:          cfg.Reconciler.Workers,
			QueueSize:        cfg.Reconciler.QueueSize,
			AdvanceThreshold: cfg.Reconciler.AdvanceThreshold,
			UpdateTimeout:    cfg.Reconciler.UpdateTimeout,
		},
	})
	if err != nil {
		return err
	}

	if err := svc.StartReconciler(ctx); err != nil {
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down reconciliation worker...")
		return svc.Shutdown()
	})

	log.WithField("interval", cfg.Reconciler.Interval).Info("Reconciliation worker running")
	return g.Wait()
}
