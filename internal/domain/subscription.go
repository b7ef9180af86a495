package domain

import (
	"errors"
	"strings"
	"time"
)

// ChannelKind identifies a push delivery channel.
type ChannelKind string

// Channel kinds.
const (
	ChannelBroker ChannelKind = "broker"
	ChannelFCM    ChannelKind = "fcm"
)

// IsValid checks if the channel kind is known.
func (k ChannelKind) IsValid() bool {
	return k == ChannelBroker || k == ChannelFCM
}

// AllChannels lists every channel kind in dispatch order.
func AllChannels() []ChannelKind {
	return []ChannelKind{ChannelBroker, ChannelFCM}
}

// ErrMalformedEndpoint is returned when a stored endpoint does not carry a token.
var ErrMalformedEndpoint = errors.New("malformed subscription endpoint")

// DeviceSubscription is the stored registration of one user on one channel.
// Token-based channels keep the token inside Endpoint as "<channel>://token/<token>"
// and the channel name as a placeholder in the unused P256DH and Auth columns.
type DeviceSubscription struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Channel   ChannelKind `json:"channel"`
	Endpoint  string      `json:"-"`
	P256DH    string      `json:"-"`
	Auth      string      `json:"-"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewTokenSubscription builds a subscription row for an opaque device token.
func NewTokenSubscription(userID string, channel ChannelKind, token string) *DeviceSubscription {
	return &DeviceSubscription{
		UserID:   userID,
		Channel:  channel,
		Endpoint: EncodeTokenEndpoint(channel, token),
		P256DH:   string(channel),
		Auth:     string(channel),
	}
}

// Token returns the device token stored in the endpoint.
func (s *DeviceSubscription) Token() (string, error) {
	return DecodeTokenEndpoint(s.Channel, s.Endpoint)
}

// EncodeTokenEndpoint encodes a token as "<channel>://token/<token>".
func EncodeTokenEndpoint(channel ChannelKind, token string) string {
	return tokenPrefix(channel) + token
}

// DecodeTokenEndpoint extracts the token from an endpoint built by EncodeTokenEndpoint.
func DecodeTokenEndpoint(channel ChannelKind, endpoint string) (string, error) {
	token, ok := strings.CutPrefix(endpoint, tokenPrefix(channel))
	if !ok || token == "" {
		return "", ErrMalformedEndpoint
	}
	return token, nil
}

func tokenPrefix(channel ChannelKind) string {
	return string(channel) + "://token/"
}
