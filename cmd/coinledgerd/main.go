package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/coinledger/internal/stripecatalog"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/metering"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"
)

const healthServiceName = "coinledger"

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "coinledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coinledgerd",
		Short:         "Coin ledger and Stripe fulfillment daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindPersistentFlags(cmd)
	cmd.AddCommand(newServeCommand(), newReconcileCommand(), newPruneCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook, account and metered endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.validateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	bindServeFlags(cmd)
	return cmd
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, driver, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logger.Info("store opened", zap.String("driver", driver))

	clock := func() time.Time { return time.Now().UTC() }
	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	gate, err := metering.NewGate(service, clock,
		metering.WithReservationStore(store),
		metering.WithLogger(logger.Named("metering")),
	)
	if err != nil {
		return fmt.Errorf("metering gate init: %w", err)
	}
	verifier, err := webhook.NewVerifier(cfg.StripeWebhookSecret, webhook.WithTolerance(cfg.WebhookTolerance))
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}
	processorOptions := []fulfillment.Option{fulfillment.WithLogger(logger.Named("fulfillment"))}
	if cfg.StripeAPIKey != "" {
		catalog, err := stripecatalog.New(cfg.StripeAPIKey)
		if err != nil {
			return fmt.Errorf("stripe catalog init: %w", err)
		}
		processorOptions = append(processorOptions, fulfillment.WithCoinResolver(catalog))
	}
	processor, err := fulfillment.NewProcessor(service, store, clock, processorOptions...)
	if err != nil {
		return fmt.Errorf("fulfillment processor init: %w", err)
	}

	healthServer := health.NewServer()
	stopHealth, err := startHealthServer(cfg.GRPCHealthAddr, healthServer, logger)
	if err != nil {
		return err
	}
	defer stopHealth()
	healthServer.SetServingStatus(healthServiceName, healthpb.HealthCheckResponse_SERVING)
	defer healthServer.Shutdown()

	return httpapi.Run(ctx, cfg.HTTP, httpapi.Dependencies{
		Accounts:  service,
		Meter:     gate,
		Verifier:  verifier,
		Processor: processor,
		Logger:    logger.Named("http"),
	})
}

// startHealthServer serves grpc.health.v1 when addr is set and returns its stop function.
func startHealthServer(addr string, healthServer *health.Server, logger *zap.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", addr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			logger.Warn("gRPC health server stopped", zap.Error(serveErr))
		}
	}()
	return grpcServer.GracefulStop, nil
}
