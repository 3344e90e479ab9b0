package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/rtdn"
)

// maxPushBody bounds a Pub/Sub push request body.
const maxPushBody = 1 << 20

// NotificationQueue hands a decoded developer notification to the worker.
type NotificationQueue interface {
	EnqueueNotification(ctx context.Context, notification json.RawMessage) error
}

// Deduper remembers forwarded Pub/Sub message ids. See dedupe.Store.
type Deduper interface {
	Claim(ctx context.Context, messageID, packageName string) (bool, error)
	MarkDone(ctx context.Context, messageID string) error
	MarkFailed(ctx context.Context, messageID, note string) error
}

// RTDNConfig groups dependencies for the developer notification webhook.
type RTDNConfig struct {
	Queue NotificationQueue
	// Dedupe is optional; without it redeliveries are queued again, which the
	// worker tolerates.
	Dedupe Deduper
	Logger *zap.Logger
}

// RegisterRTDNRoutes registers the Pub/Sub push endpoint. A 200 acknowledges
// the push; any 5xx makes Pub/Sub redeliver.
func RegisterRTDNRoutes(r gin.IRouter, cfg RTDNConfig) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r.POST("/google/rtdn-webhook", func(c *gin.Context) {
		ctx := c.Request.Context()

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
			return
		}

		messageID, n, err := rtdn.DecodePush(body)
		if errors.Is(err, rtdn.ErrMalformed) {
			log.Warn("rejecting malformed developer notification", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification", "msg": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		log := log.With(zap.String("message_id", messageID), zap.String("package_name", n.PackageName))

		claimed := false
		if cfg.Dedupe != nil && messageID != "" {
			ok, err := cfg.Dedupe.Claim(ctx, messageID, n.PackageName)
			switch {
			case err != nil:
				// forwarding twice is harmless, dropping is not
				log.Warn("dedupe claim failed; forwarding anyway", zap.Error(err))
			case !ok:
				log.Info("duplicate developer notification delivery")
				c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
				return
			default:
				claimed = true
			}
		}

		raw, err := json.Marshal(n)
		if err == nil {
			err = cfg.Queue.EnqueueNotification(ctx, raw)
		}
		if err != nil {
			log.Error("failed to enqueue developer notification", zap.Error(err))
			if claimed {
				if merr := cfg.Dedupe.MarkFailed(ctx, messageID, err.Error()); merr != nil {
					log.Warn("failed to release dedupe claim", zap.Error(merr))
				}
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
			return
		}
		if claimed {
			if err := cfg.Dedupe.MarkDone(ctx, messageID); err != nil {
				log.Warn("failed to mark delivery done", zap.Error(err))
			}
		}

		action, _ := n.Classify()
		log.Info("developer notification accepted", zap.Stringer("action", action))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
