package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-purchase-tokens/internal/lifecycle"
	"github.com/imrishuroy/go-purchase-tokens/internal/logger"
	"github.com/imrishuroy/go-purchase-tokens/internal/tokens"
	"github.com/imrishuroy/go-purchase-tokens/internal/validation"
	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
)

// Lifecycle is the part of lifecycle.Engine the HTTP layer drives.
type Lifecycle interface {
	Submit(ctx context.Context, userID, purchaseToken string) (*tokens.PurchaseToken, error)
	Lookup(ctx context.Context, purchaseToken string) (*tokens.PurchaseToken, error)
	Entitlement(ctx context.Context, userID string) (lifecycle.Entitlement, error)
}

// ReverifyQueue schedules a later verification attempt.
type ReverifyQueue interface {
	EnqueueReverify(ctx context.Context, userID, purchaseToken string, attempt int, delay time.Duration) error
}

// PurchaseConfig groups dependencies for the purchase routes.
type PurchaseConfig struct {
	Lifecycle Lifecycle
	// Reverify is optional; without it a transient failure is only reported.
	Reverify      ReverifyQueue
	ReverifyDelay time.Duration
	// PackageName, when set, must match a package_name sent by the client.
	PackageName string
	// ProductIDs, when set, must contain a product_id sent by the client.
	ProductIDs []string
	Logger     *zap.Logger
}

// VerifyResponse is returned by POST /google/verify.
type VerifyResponse struct {
	Acknowledged    bool          `json:"acknowledged"`
	Status          tokens.Status `json:"status"`
	PurchaseTokenID string        `json:"purchase_token_id,omitempty"`
	ExpiryAt        *time.Time    `json:"expiry_at,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// TokenView is a purchase token record as exposed over HTTP. The raw token is
// a bearer credential and is never echoed back.
type TokenView struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	Status    tokens.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiryAt  time.Time     `json:"expiry_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func newTokenView(rec tokens.PurchaseToken) TokenView {
	return TokenView{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		ExpiryAt:  rec.ExpiryAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// EntitlementResponse is returned by GET /users/:user_id/entitlement.
type EntitlementResponse struct {
	UserID    string      `json:"user_id"`
	Active    bool        `json:"active"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Tokens    []TokenView `json:"tokens"`
}

func newVerifyResponse(rec *tokens.PurchaseToken) VerifyResponse {
	exp := rec.ExpiryAt
	return VerifyResponse{
		Acknowledged:    rec.Status == tokens.StatusAcknowledged,
		Status:          rec.Status,
		PurchaseTokenID: rec.ID,
		ExpiryAt:        &exp,
	}
}

// RegisterPurchaseRoutes registers the submission entry point and read routes.
func RegisterPurchaseRoutes(r gin.IRouter, cfg PurchaseConfig) {
	v := validation.New()
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReverifyDelay <= 0 {
		cfg.ReverifyDelay = time.Minute
	}

	r.POST("/google/verify", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.VerifyRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}
		if req.PackageName != "" && cfg.PackageName != "" && req.PackageName != cfg.PackageName {
			c.JSON(http.StatusBadRequest, gin.H{"error": "package_mismatch"})
			return
		}
		if req.ProductID != "" && len(cfg.ProductIDs) > 0 && !slices.Contains(cfg.ProductIDs, req.ProductID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "product_mismatch"})
			return
		}

		rec, err := cfg.Lifecycle.Submit(ctx, req.UserID, req.PurchaseToken)
		switch {
		case err == nil && rec.Status == tokens.StatusAcknowledged:
			c.JSON(http.StatusOK, newVerifyResponse(rec))
		case err == nil:
			resp := newVerifyResponse(rec)
			resp.Error = "purchase_rejected"
			c.JSON(http.StatusUnprocessableEntity, resp)
		case verify.IsTransient(err):
			if cfg.Reverify != nil {
				if qerr := cfg.Reverify.EnqueueReverify(ctx, req.UserID, req.PurchaseToken, 1, cfg.ReverifyDelay); qerr != nil {
					log.Error("failed to enqueue reverification",
						zap.String("user_id", req.UserID), logger.Token(req.PurchaseToken), zap.Error(qerr))
				}
			}
			c.Header("Retry-After", strconv.Itoa(int(cfg.ReverifyDelay/time.Second)))
			resp := VerifyResponse{Status: tokens.StatusPending, Error: "retryable"}
			if rec != nil {
				resp = newVerifyResponse(rec)
				resp.Error = "retryable"
			}
			c.JSON(http.StatusServiceUnavailable, resp)
		case errors.Is(err, lifecycle.ErrTokenOwnedByOtherUser):
			c.JSON(http.StatusConflict, gin.H{"error": "token_already_used"})
		case errors.Is(err, lifecycle.ErrInvalidSubmission):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "msg": err.Error()})
		default:
			log.Error("purchase verification failed",
				zap.String("user_id", req.UserID), logger.Token(req.PurchaseToken), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	})

	r.GET("/tokens/:purchase_token", func(c *gin.Context) {
		rec, err := cfg.Lifecycle.Lookup(c.Request.Context(), c.Param("purchase_token"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, newTokenView(*rec))
		case errors.Is(err, tokens.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		default:
			log.Error("purchase token lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
	})

	r.GET("/users/:user_id/entitlement", func(c *gin.Context) {
		ent, err := cfg.Lifecycle.Entitlement(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			log.Error("entitlement lookup failed", zap.String("user_id", c.Param("user_id")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		resp := EntitlementResponse{
			UserID:    ent.UserID,
			Active:    ent.Active,
			ExpiresAt: ent.ExpiresAt,
			Tokens:    make([]TokenView, 0, len(ent.Tokens)),
		}
		for _, rec := range ent.Tokens {
			resp.Tokens = append(resp.Tokens, newTokenView(rec))
		}
		c.JSON(http.StatusOK, resp)
	})
}
