// Package googleplay verifies subscription purchase tokens against the Google
// Play Developer API and acknowledges them with the provider.
package googleplay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/imrishuroy/go-purchase-tokens/internal/verify"
)

const (
	DefaultBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	Scope          = "https://www.googleapis.com/auth/androidpublisher"
)

// Subscription states reported by purchases.subscriptionsv2.
const (
	StateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	StateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	StateCanceled      = "SUBSCRIPTION_STATE_CANCELED"
	StateExpired       = "SUBSCRIPTION_STATE_EXPIRED"
	StateOnHold        = "SUBSCRIPTION_STATE_ON_HOLD"
	StatePaused        = "SUBSCRIPTION_STATE_PAUSED"
	StatePending       = "SUBSCRIPTION_STATE_PENDING"

	AcknowledgementPending = "ACKNOWLEDGEMENT_STATE_PENDING"
)

// Config selects the application and the products whose purchases are honoured.
type Config struct {
	PackageName string
	ProductIDs  []string
	BaseURL     string
	Timeout     time.Duration
}

// Client implements verify.Verifier.
type Client struct {
	http        *resty.Client
	tokens      oauth2.TokenSource
	packageName string
	products    map[string]struct{}
	baseURL     string
}

// NewFromServiceAccount builds a Client authenticated with a service account
// key (the contents of GOOGLE_SERVICE_ACCOUNT_JSON).
func NewFromServiceAccount(ctx context.Context, serviceAccountJSON []byte, cfg Config) (*Client, error) {
	creds, err := google.CredentialsFromJSON(ctx, serviceAccountJSON, Scope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	return New(creds.TokenSource, cfg)
}

// New builds a Client on top of an existing token source.
func New(ts oauth2.TokenSource, cfg Config) (*Client, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("googleplay: package name is required")
	}
	if len(cfg.ProductIDs) == 0 {
		return nil, errors.New("googleplay: at least one product id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	products := make(map[string]struct{}, len(cfg.ProductIDs))
	for _, p := range cfg.ProductIDs {
		products[p] = struct{}{}
	}
	return &Client{
		http:        resty.New().SetTimeout(cfg.Timeout),
		tokens:      ts,
		packageName: cfg.PackageName,
		products:    products,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

type subscriptionPurchase struct {
	SubscriptionState    string     `json:"subscriptionState"`
	AcknowledgementState string     `json:"acknowledgementState"`
	LatestOrderID        string     `json:"latestOrderId"`
	LineItems            []lineItem `json:"lineItems"`
}

type lineItem struct {
	ProductID  string `json:"productId"`
	ExpiryTime string `json:"expiryTime"`
}

// Verify fetches the subscription, checks that it is grantable for one of the
// configured products and acknowledges it with Google when still unacknowledged.
func (c *Client) Verify(ctx context.Context, purchaseToken string) (verify.Outcome, error) {
	sub, err := c.fetch(ctx, purchaseToken)
	if err != nil {
		return verify.Outcome{}, err
	}
	if err := checkState(sub.SubscriptionState); err != nil {
		return verify.Outcome{}, err
	}

	item, ok := c.matchLineItem(sub.LineItems)
	if !ok {
		return verify.Outcome{}, verify.Invalid("no line item for a configured product")
	}
	expiry, err := time.Parse(time.RFC3339, item.ExpiryTime)
	if err != nil {
		return verify.Outcome{}, verify.Invalid(fmt.Sprintf("unparseable expiryTime %q", item.ExpiryTime))
	}

	if sub.AcknowledgementState == AcknowledgementPending {
		if err := c.acknowledge(ctx, item.ProductID, purchaseToken); err != nil {
			return verify.Outcome{}, err
		}
	}
	return verify.Outcome{Valid: true, ExpiresAt: expiry.UTC()}, nil
}

func (c *Client) fetch(ctx context.Context, purchaseToken string) (*subscriptionPurchase, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return nil, verify.Transient(fmt.Errorf("access token: %w", err))
	}

	var sub subscriptionPurchase
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok.AccessToken).
		SetPathParams(map[string]string{
			"package": c.packageName,
			"token":   purchaseToken,
		}).
		SetResult(&sub).
		Get(c.baseURL + "/applications/{package}/purchases/subscriptionsv2/tokens/{token}")
	if err != nil {
		return nil, verify.Transient(fmt.Errorf("get subscription: %w", err))
	}
	if err := classifyStatus(resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) acknowledge(ctx context.Context, productID, purchaseToken string) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return verify.Transient(fmt.Errorf("access token: %w", err))
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{}).
		SetPathParams(map[string]string{
			"package": c.packageName,
			"product": productID,
			"token":   purchaseToken,
		}).
		Post(c.baseURL + "/applications/{package}/purchases/subscriptions/{product}/tokens/{token}:acknowledge")
	if err != nil {
		return verify.Transient(fmt.Errorf("acknowledge subscription: %w", err))
	}
	return classifyStatus(resp.StatusCode(), resp.String())
}

func (c *Client) matchLineItem(items []lineItem) (lineItem, bool) {
	for _, it := range items {
		if _, ok := c.products[it.ProductID]; ok {
			return it, true
		}
	}
	return lineItem{}, false
}

// checkState maps a subscription state to a verdict. On hold, paused and
// pending subscriptions are not grantable yet but may become so.
func checkState(state string) error {
	switch state {
	case StateActive, StateInGracePeriod:
		return nil
	case StateOnHold, StatePaused, StatePending:
		return verify.Transient(fmt.Errorf("subscription not yet grantable: %s", state))
	case StateCanceled, StateExpired:
		return verify.Invalid(state)
	default:
		return verify.Invalid(fmt.Sprintf("unknown subscription state %q", state))
	}
}

func classifyStatus(code int, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest, code == http.StatusNotFound, code == http.StatusGone:
		return verify.Invalid(fmt.Sprintf("provider returned %d", code))
	default:
		// auth misconfiguration, throttling and 5xx are not the token's fault
		return verify.Transient(fmt.Errorf("provider returned %d: %s", code, body))
	}
}
