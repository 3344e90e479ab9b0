package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/app"
	"github.com/imrishuroy/go-purchase-tokens/internal/config"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
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

	p := NewProcessor(a.Engine, cfg.GooglePlayPackageName, zl)

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if cfg.RunLocal {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"kind":"reverify","user_id":"local-user-1","purchase_token":"local-token-1","attempt":1}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: testBody},
			},
		}
		resp, _ := p.Handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			zl.Fatal("local message failed", zap.Any("failures", resp.BatchItemFailures))
		}
		return
	}

	lambda.Start(p.Handle)
}
