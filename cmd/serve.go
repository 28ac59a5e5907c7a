package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/fleetware/services/rollout/api"
	"example.com/fleetware/services/rollout/config"
	"example.com/fleetware/services/rollout/internal/cache"
	"example.com/fleetware/services/rollout/internal/database"
	"example.com/fleetware/services/rollout/internal/messaging"
	"example.com/fleetware/services/rollout/internal/repository"
	"example.com/fleetware/services/rollout/internal/service"
	"example.com/fleetware/services/rollout/internal/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Serve command flags
	disableNewRelic bool
	serverPort      int
	gracefulTimeout int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the rollout service API server that handles firmware
registration, campaign orchestration and device update tracking.

The server respects the configuration in config.yaml or specified via the
--config flag. It will gracefully shut down on SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		startServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&disableNewRelic, "disable-newrelic", false, "Disable New Relic monitoring")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "Server port (overrides config file)")
	serveCmd.Flags().IntVar(&gracefulTimeout, "graceful-timeout", 30, "Graceful shutdown timeout in seconds")
}

// startServer initializes and starts the API server
func startServer() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	log.WithFields(logrus.Fields{
		"port":             cfg.Server.Port,
		"newrelic_enabled": cfg.NewRelic.Enabled && !disableNewRelic,
	}).Info("Initializing service components...")

	db := connectDatabase(cfg)
	defer func() {
		log.Info("Closing database connection...")
		if err := db.Close(); err != nil {
			log.WithError(err).Error("Error closing database connection")
		}
	}()

	log.Info("Connecting to Redis...")
	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		log.Info("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Error("Error closing Redis connection")
		}
	}()

	log.Info("Connecting to message broker...")
	publisher, err := messaging.NewEventPublisher(cfg.ServiceBus)
	if err != nil {
		log.Fatalf("Failed to connect to message broker: %v", err)
	}
	defer func() {
		log.Info("Closing messaging connection...")
		if err := publisher.Close(); err != nil {
			log.WithError(err).Error("Error closing messaging connection")
		}
	}()

	nrCfg := cfg.NewRelic
	if disableNewRelic {
		nrCfg.Enabled = false
	}
	nrApp, err := telemetry.InitNewRelic(nrCfg)
	if err != nil {
		log.Warnf("Failed to initialize New Relic: %v", err)
	}

	log.Info("Initializing service layer...")
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
		log.Fatalf("Failed to initialize service: %v", err)
	}

	log.Info("Initializing API server...")
	server := api.NewServer(cfg, log, nrApp, svc)

	// Set up graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sig := <-stop
	log.Infof("Received signal %s, shutting down gracefully...", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(gracefulTimeout)*time.Second)
	defer cancel()

	if err := svc.Shutdown(); err != nil {
		log.Warnf("Service shutdown error: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Warnf("Server shutdown error: %v", err)
	}

	log.Info("Server shutdown complete")
}

// connectDatabase connects with exponential backoff
func connectDatabase(cfg *config.Config) database.DB {
	var db database.DB
	var err error

	maxRetries := 5
	retryInterval := time.Second

	for i := 0; i < maxRetries; i++ {
		log.WithField("attempt", i+1).Info("Connecting to database...")
		db, err = database.Connect(cfg.Database)
		if err == nil {
			return db
		}

		log.WithError(err).WithFields(logrus.Fields{
			"retry_attempt": i + 1,
			"max_retries":   maxRetries,
		}).Error("Failed to connect to database, retrying...")

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2
		}
	}

	log.Fatalf("Failed to connect to database after %d attempts: %v", maxRetries, err)
	return nil
}
