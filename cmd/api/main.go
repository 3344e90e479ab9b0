package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/app"
	"github.com/imrishuroy/go-purchase-tokens/internal/config"
	"github.com/imrishuroy/go-purchase-tokens/internal/handlers"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
)

func setupRouter(a *app.App) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), a.Metrics.Middleware())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	purchaseCfg := handlers.PurchaseConfig{
		Lifecycle:     a.Engine,
		ReverifyDelay: a.Config.ReverifyDelay,
		PackageName:   a.Config.GooglePlayPackageName,
		ProductIDs:    a.Config.ProductIDs(),
		Logger:        a.Log,
	}
	if a.Queue != nil {
		purchaseCfg.Reverify = a.Queue
		rtdnCfg := handlers.RTDNConfig{Queue: a.Queue, Logger: a.Log}
		if a.Dedupe != nil {
			rtdnCfg.Dedupe = a.Dedupe
		}
		handlers.RegisterRTDNRoutes(r, rtdnCfg)
	}
	handlers.RegisterPurchaseRoutes(r, purchaseCfg)

	return r
}

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

	if a.Queue == nil {
		zl.Warn("REVERIFY_QUEUE_URL not set; transient failures are not rescheduled and the RTDN webhook is disabled")
	}

	r := setupRouter(a)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		zl.Info("running local server", zap.String("addr", cfg.HTTPAddr))
		if err := r.Run(cfg.HTTPAddr); err != nil {
			zl.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
