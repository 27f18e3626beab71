// Package main runs the hydra submission API. It wires the Solana ledger
// client, the fee payer wallet, the notification sinks and the HTTP server
// into a service registry and runs them until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cmatc13/hydra/internal/api"
	"github.com/cmatc13/hydra/internal/ledger"
	"github.com/cmatc13/hydra/internal/notify"
	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/internal/wallet"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/health"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
	"github.com/cmatc13/hydra/pkg/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet("hydra-api", pflag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file")
	issueToken := fs.String("issue-token", "", "Print a bearer token for the given subject and exit")
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	opts := config.DefaultLoadOptions()
	opts.ConfigFile = *configFile
	opts.Flags = fs

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "hydra-api",
		Environment: cfg.Log.Environment,
	})

	if cfg.Auth.JWTSecret == "" {
		fatal(logger, "auth.jwt_secret must be set", nil)
	}

	if *issueToken != "" {
		token, err := api.IssueToken(cfg.Auth.JWTSecret, *issueToken, time.Duration(cfg.Auth.TokenExpiry)*time.Second)
		if err != nil {
			fatal(logger, "Failed to issue token", err)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, logger); err != nil {
		fatal(logger, "hydra-api exited with error", err)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: "hydra-api",
	})
	healthRegistry := health.NewRegistry(logger)
	registry := service.NewRegistry(logger)

	feePayer, err := wallet.Load(cfg.Wallet)
	if err != nil {
		return errors.Wrap(err, "load fee payer")
	}
	logger.Info("Fee payer loaded", "public_key", feePayer.PublicKey().String())

	cosigners, err := wallet.LoadKeyring(cfg.Wallet.CoSignerPaths)
	if err != nil {
		return errors.Wrap(err, "load co-signers")
	}
	if addrs := cosigners.Addresses(); len(addrs) > 0 {
		logger.Info("Co-signers loaded", "addresses", addrs)
	}

	client := ledger.FromConfig(cfg.RPC,
		ledger.WithLogger(logger),
		ledger.WithMetrics(metricsCollector, "api"),
	)
	defer client.Close()
	healthRegistry.Register("solana_rpc", health.RPCChecker(cfg.RPC.Endpoint, client.Health))

	var (
		publishers   []notify.Publisher
		dependencies []string
	)

	if cfg.Kafka.Brokers != "" {
		sink, err := notify.NewKafkaSink(cfg.Kafka, logger, metricsCollector)
		if err != nil {
			return errors.Wrap(err, "create kafka sink")
		}
		if err := registry.Register(sink); err != nil {
			return err
		}
		publishers = append(publishers, sink)
		dependencies = append(dependencies, sink.Name())
		healthRegistry.Register("kafka", health.KafkaChecker(cfg.Kafka.Brokers, sink.Ping))
	}

	if cfg.Redis.Address != "" {
		sink, err := notify.NewRedisSink(cfg.Redis, logger)
		if err != nil {
			return errors.Wrap(err, "create redis sink")
		}
		if err := registry.Register(sink); err != nil {
			return err
		}
		publishers = append(publishers, sink)
		dependencies = append(dependencies, sink.Name())
		healthRegistry.Register("redis", health.RedisChecker(cfg.Redis.Address, sink.Ping))
	}

	notifier := notify.Multi{
		notify.NewLogSink(logger),
		notify.NewDispatcher(logger, metricsCollector, publishers...),
	}

	submitterOpts := []submitter.Option{
		submitter.WithNotifier(notifier),
		submitter.WithLogger(logger),
		submitter.WithMetrics(metricsCollector),
	}
	if cfg.RPC.MaxRetries > 0 {
		submitterOpts = append(submitterOpts, submitter.WithMaxRetries(cfg.RPC.MaxRetries))
	}
	sub := submitter.New(client, submitterOpts...)

	server := api.NewServer(cfg, sub, feePayer, cosigners, logger, metricsCollector, healthRegistry)
	apiService := api.NewAPIService(server, dependencies...)
	if err := registry.Register(apiService); err != nil {
		return err
	}

	logger.Info("Starting all services")
	if err := registry.StartAll(ctx); err != nil {
		return errors.WrapWithOperation(err, "StartAll")
	}
	logger.Info("All services started successfully")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Info("Shutting down gracefully", "signal", sig.String())
	case serveErr = <-apiService.Errors():
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.WithError(err).Error("Error during shutdown")
	}

	logger.Info("Shutdown complete")
	return serveErr
}

func fatal(logger *logging.Logger, msg string, err error) {
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
	os.Exit(1)
}
