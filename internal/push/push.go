// Package push handles web push subscriptions: decoding the server's public
// key and registering a subscription with the task API.
package push

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskly/internal/apiclient"
	"taskly/internal/utils"
)

// KeyLength is the size of an uncompressed P-256 public key.
const KeyLength = 65

// DecodeKey decodes a base64url public key, with or without padding.
func DecodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimRight(key, "=")
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		// Some servers hand out standard base64.
		b, err = base64.RawStdEncoding.DecodeString(key)
	}
	if err != nil {
		return nil, utils.ErrInvalidPushKey("not base64url: " + err.Error())
	}
	return b, nil
}

// ValidateKey checks that key is an uncompressed P-256 point in base64url form
// and returns the decoded bytes.
func ValidateKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "B") {
		return nil, utils.ErrInvalidPushKey("must start with 'B'")
	}
	b, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	if len(b) != KeyLength {
		return nil, utils.ErrInvalidPushKey(fmt.Sprintf("decodes to %d bytes, want %d", len(b), KeyLength))
	}
	if _, err := ecdh.P256().NewPublicKey(b); err != nil {
		return nil, utils.ErrInvalidPushKey("not a point on P-256")
	}
	return b, nil
}

// Keys are the client keys of a subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is what the push service returns for a subscribed client.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

// Validate checks that the subscription can be sent to the server.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("push subscription has no endpoint")
	}
	if s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return errors.New("push subscription is missing its keys")
	}
	return nil
}

// ParseSubscription decodes the JSON form of a subscription.
func ParseSubscription(data []byte) (Subscription, error) {
	var s Subscription
	if err := json.Unmarshal(data, &s); err != nil {
		return Subscription{}, fmt.Errorf("invalid push subscription: %w", err)
	}
	return s, s.Validate()
}

// Subscriber registers subscriptions with the task API.
type Subscriber struct {
	client    *apiclient.Client
	publicKey []byte
}

// NewSubscriber validates publicKey and returns a Subscriber using client.
func NewSubscriber(client *apiclient.Client, publicKey string) (*Subscriber, error) {
	key, err := ValidateKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Subscriber{client: client, publicKey: key}, nil
}

// ApplicationServerKey returns the decoded public key.
func (s *Subscriber) ApplicationServerKey() []byte {
	return append([]byte(nil), s.publicKey...)
}

// Subscribe sends sub to the server. Failures come back in the result, never as a panic.
func (s *Subscriber) Subscribe(ctx context.Context, sub Subscription) apiclient.Result[json.RawMessage] {
	if err := sub.Validate(); err != nil {
		return apiclient.Result[json.RawMessage]{Error: err.Error()}
	}
	res := s.client.Subscribe(ctx, sub)
	if res.OK() {
		utils.Infof("subscribed to push notifications")
	}
	return res
}

// SendTest asks the server to push a test notification to every subscriber.
func (s *Subscriber) SendTest(ctx context.Context) apiclient.Result[json.RawMessage] {
	return s.client.SendTestNotification(ctx)
}
