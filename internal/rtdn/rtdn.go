// Package rtdn decodes Google Play real-time developer notifications
// delivered through a Pub/Sub push subscription.
package rtdn

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformed = errors.New("malformed developer notification")

// Subscription notification types.
const (
	SubscriptionRecovered            = 1
	SubscriptionRenewed              = 2
	SubscriptionCanceled             = 3
	SubscriptionPurchased            = 4
	SubscriptionOnHold               = 5
	SubscriptionInGracePeriod        = 6
	SubscriptionRestarted            = 7
	SubscriptionPriceChangeConfirmed = 8
	SubscriptionDeferred             = 9
	SubscriptionPaused               = 10
	SubscriptionPauseScheduleChanged = 11
	SubscriptionRevoked              = 12
	SubscriptionExpired              = 13
)

// One-time product notification types.
const (
	OneTimeProductPurchased = 1
	OneTimeProductCanceled  = 2
)

// PushEnvelope is the body Pub/Sub POSTs to a push endpoint.
type PushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification,omitempty"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification,omitempty"`
	TestNotification           *TestNotification           `json:"testNotification,omitempty"`
}

type SubscriptionNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type TestNotification struct {
	Version string `json:"version"`
}

// Decode unwraps a Pub/Sub push body into the developer notification it carries.
func Decode(body []byte) (*DeveloperNotification, error) {
	_, n, err := DecodePush(body)
	return n, err
}

// DecodePush is Decode that also returns the Pub/Sub message id, which stays
// the same across redeliveries of one message.
func DecodePush(body []byte) (string, *DeveloperNotification, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("%w: envelope: %w", ErrMalformed, err)
	}
	if env.Message.Data == "" {
		return "", nil, fmt.Errorf("%w: empty message data", ErrMalformed)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: base64: %w", ErrMalformed, err)
	}
	n, err := Parse(raw)
	if err != nil {
		return "", nil, err
	}
	return env.Message.MessageID, n, nil
}

// Parse decodes the JSON developer notification itself.
func Parse(raw []byte) (*DeveloperNotification, error) {
	var n DeveloperNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if n.SubscriptionNotification == nil && n.OneTimeProductNotification == nil && n.TestNotification == nil {
		return nil, fmt.Errorf("%w: no notification payload", ErrMalformed)
	}
	return &n, nil
}

// Action is what the lifecycle should do about a notification.
type Action int

const (
	// ActionIgnore covers informational notifications (grace period, price change, ...).
	ActionIgnore Action = iota
	// ActionResubmit re-verifies a known token for its owner.
	ActionResubmit
	// ActionExpire moves a pending token to expired.
	ActionExpire
	// ActionTest is a console test notification.
	ActionTest
)

func (a Action) String() string {
	switch a {
	case ActionResubmit:
		return "resubmit"
	case ActionExpire:
		return "expire"
	case ActionTest:
		return "test"
	default:
		return "ignore"
	}
}

// Classify returns the action for n and the purchase token it concerns.
func (n *DeveloperNotification) Classify() (Action, string) {
	switch {
	case n.SubscriptionNotification != nil:
		sn := n.SubscriptionNotification
		switch sn.NotificationType {
		case SubscriptionPurchased, SubscriptionRenewed, SubscriptionRecovered, SubscriptionRestarted:
			return ActionResubmit, sn.PurchaseToken
		case SubscriptionExpired, SubscriptionRevoked, SubscriptionCanceled:
			return ActionExpire, sn.PurchaseToken
		default:
			return ActionIgnore, sn.PurchaseToken
		}
	case n.OneTimeProductNotification != nil:
		on := n.OneTimeProductNotification
		if on.NotificationType == OneTimeProductCanceled {
			return ActionExpire, on.PurchaseToken
		}
		return ActionIgnore, on.PurchaseToken
	case n.TestNotification != nil:
		return ActionTest, ""
	default:
		return ActionIgnore, ""
	}
}
