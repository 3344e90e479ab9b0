package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/app"
	"github.com/imrishuroy/go-purchase-tokens/internal/config"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
	"github.com/imrishuroy/go-purchase-tokens/internal/sweeper"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	a, err := app.New(context.Background(), cfg, zl)
	if err != nil {
		zl.Fatal("failed to init dependencies", zap.Error(err))
	}
	defer a.Close()

	s := a.Sweeper()

	// locally the schedule runs in-process; on AWS an EventBridge rule invokes the Lambda
	if cfg.RunLocal {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runScheduled(ctx, s, cfg.SweepSchedule, zl); err != nil {
			zl.Fatal("sweeper schedule failed", zap.Error(err))
		}
		return
	}

	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) (sweeper.Result, error) {
		zl.Info("scheduled sweep triggered", zap.String("event_id", ev.ID))
		return s.Sweep(ctx)
	})
}

// runScheduled runs a sweep on every tick of schedule until ctx is done.
// Overlapping ticks are skipped.
func runScheduled(ctx context.Context, s *sweeper.Sweeper, schedule string, zl *zap.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			zl.Error("sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	zl.Info("sweeper scheduled", zap.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
