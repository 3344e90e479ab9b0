// Package app wires the configured store, provider verifier, notifier and
// metrics into a lifecycle engine shared by the api, worker, sweeper and
// tokenctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/aws"
	"github.com/imrishuroy/go-purchase-tokens/internal/cache"
	"github.com/imrishuroy/go-purchase-tokens/internal/config"
	"github.com/imrishuroy/go-purchase-tokens/internal/dedupe"
	"github.com/imrishuroy/go-purchase-tokens/internal/events"
	"github.com/imrishuroy/go-purchase-tokens/internal/lifecycle"
	"github.com/imrishuroy/go-purchase-tokens/internal/metrics"
	"github.com/imrishuroy/go-purchase-tokens/internal/postgres"
	"github.com/imrishuroy/go-purchase-tokens/internal/sweeper"
	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify/googleplay"
)

var errProviderNotConfigured = errors.New("google play verifier not configured")

type App struct {
	Config  *config.Config
	Log     *zap.Logger
	Clients *aws.AWSClients
	Store   tokens.Store
	Engine  *lifecycle.Engine
	Metrics *metrics.Collector
	// Queue is nil when REVERIFY_QUEUE_URL is unset.
	Queue *aws.Publisher
	// Dedupe is nil when RTDN_DEDUPE_TABLE is unset.
	Dedupe *dedupe.Store

	closers []func() error
}

// New builds every dependency named by cfg. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Metrics: metrics.New(cfg.MetricsNamespace)}

	clients, err := aws.NewAWSClients(ctx, aws.Options{
		Region:           cfg.AWSRegion,
		EndpointOverride: cfg.AWSEndpointOverride,
	})
	if err != nil {
		return nil, err
	}
	a.Clients = clients
	a.Queue = clients.Publisher(cfg.ReverifyQueueURL)
	if cfg.RTDNDedupeTable != "" {
		a.Dedupe = dedupe.NewStore(clients.DynamoDB, cfg.RTDNDedupeTable, cfg.RTDNDedupeTTL)
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	verifier, err := a.verifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithRecorder(a.Metrics),
	}
	if cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		opts = append(opts, lifecycle.WithNotifier(events.NewNATSPublisher(nc, cfg.NATSSubject, log)))
	}

	a.Engine = lifecycle.New(a.Store, verifier, lifecycle.Config{
		ProvisionalTTL: cfg.ProvisionalTTL,
		VerifyTimeout:  cfg.VerifyTimeout,
	}, opts...)
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.Store = postgres.New(db)
	default:
		a.Store = tokens.NewDynamoStore(a.Clients.DynamoDB, cfg.PurchaseTokensTable, cfg.PurchaseTokenKeysTable)
	}

	if cfg.RedisAddress != "" {
		rdb, err := cache.NewClient(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.Store = cache.New(a.Store, rdb, cfg.CacheTTL, a.Log)
	}
	a.Log.Info("purchase token store ready",
		zap.String("backend", cfg.StoreBackend), zap.Bool("cache", cfg.RedisAddress != ""))
	return nil
}

// verifier falls back to one that always fails transiently, so a local setup
// without credentials keeps tokens pending instead of rejecting them.
func (a *App) verifier(ctx context.Context) (verify.Verifier, error) {
	cfg := a.Config
	if !cfg.GoogleConfigured() {
		a.Log.Warn("GOOGLE_SERVICE_ACCOUNT_JSON not set; purchase tokens will stay pending")
		return verify.Func(unconfiguredVerify), nil
	}
	return googleplay.NewFromServiceAccount(ctx, []byte(cfg.GoogleServiceAccountJSON), googleplay.Config{
		PackageName: cfg.GooglePlayPackageName,
		ProductIDs:  cfg.ProductIDs(),
		BaseURL:     cfg.GooglePlayBaseURL,
		Timeout:     cfg.VerifyTimeout,
	})
}

func unconfiguredVerify(context.Context, string) (verify.Outcome, error) {
	return verify.Outcome{}, verify.Transient(errProviderNotConfigured)
}

// Sweeper returns an expiry sweeper reporting to Prometheus and, on AWS,
// to CloudWatch.
func (a *App) Sweeper() *sweeper.Sweeper {
	recorders := sweeper.Recorders{a.Metrics}
	if !a.Config.RunLocal {
		recorders = append(recorders, metrics.NewCloudWatchEmitter(a.Clients.CloudWatch, metrics.DefaultCloudWatchNamespace, a.Log))
	}
	return sweeper.New(a.Store, a.Log, recorders)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
