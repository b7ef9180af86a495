package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/pkg/ctxlog"
)

// SubscriptionState is the registration state of one user on one channel.
type SubscriptionState string

// Subscription states. Re-registering a subscribed device goes through
// Registering and back to Subscribed.
const (
	StateUnregistered  SubscriptionState = "unregistered"
	StateRegistering   SubscriptionState = "registering"
	StateSubscribed    SubscriptionState = "subscribed"
	StateUnsubscribing SubscriptionState = "unsubscribing"
)

// TokenSource yields a device address for a channel.
type TokenSource interface {
	RequestPermission(ctx context.Context) (bool, error)
	Token(ctx context.Context) (string, error)
}

type registrationKey struct {
	userID  string
	channel domain.ChannelKind
}

// Registrar manages device subscriptions. Transitions for the same user and
// channel are serialized; an overlapping one fails with ErrTransitionInProgress.
type Registrar struct {
	store SubscriptionStore

	mu       sync.Mutex
	inFlight map[registrationKey]SubscriptionState
}

// NewRegistrar creates a new Registrar.
func NewRegistrar(store SubscriptionStore) *Registrar {
	return &Registrar{
		store:    store,
		inFlight: make(map[registrationKey]SubscriptionState),
	}
}

// Subscribe registers the device address yielded by src, replacing any
// previous subscription of the user on the channel. Permission denial removes
// an existing subscription; a token failure leaves the store untouched.
func (r *Registrar) Subscribe(ctx context.Context, userID string, channel domain.ChannelKind, src TokenSource) (*domain.DeviceSubscription, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	key := registrationKey{userID: userID, channel: channel}
	if !r.begin(key, StateRegistering) {
		return nil, ErrTransitionInProgress
	}
	defer r.end(key)

	logger := ctxlog.FromContext(ctx).With("user_id", userID, "channel", channel)

	granted, err := src.RequestPermission(ctx)
	if err != nil || !granted {
		if err == nil {
			err = ErrPermissionDenied
		} else {
			err = fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		if _, delErr := r.store.DeleteSubscription(ctx, userID, channel); delErr != nil {
			logger.Error("failed to remove subscription after permission denial", "error", delErr)
		}
		logger.Info("push permission denied")
		recordSubscriptionOp(string(channel), "subscribe", "denied")
		return nil, err
	}

	token, err := src.Token(ctx)
	if err != nil || token == "" {
		if err == nil {
			err = ErrTokenUnavailable
		} else if !errors.Is(err, ErrTokenUnavailable) {
			err = fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		}
		logger.Warn("device token unavailable", "error", err)
		recordSubscriptionOp(string(channel), "subscribe", "no_token")
		return nil, err
	}

	sub := domain.NewTokenSubscription(userID, channel, token)
	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		recordSubscriptionOp(string(channel), "subscribe", "error")
		return nil, fmt.Errorf("save subscription: %w", err)
	}

	logger.Info("push subscription saved", "subscription_id", sub.ID)
	recordSubscriptionOp(string(channel), "subscribe", "ok")
	return sub, nil
}

// Unsubscribe removes the user's subscription on the channel. Removing a
// missing subscription succeeds.
func (r *Registrar) Unsubscribe(ctx context.Context, userID string, channel domain.ChannelKind) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	key := registrationKey{userID: userID, channel: channel}
	if !r.begin(key, StateUnsubscribing) {
		return ErrTransitionInProgress
	}
	defer r.end(key)

	removed, err := r.store.DeleteSubscription(ctx, userID, channel)
	if err != nil {
		recordSubscriptionOp(string(channel), "unsubscribe", "error")
		return fmt.Errorf("delete subscription: %w", err)
	}

	ctxlog.FromContext(ctx).Info("push subscription removed",
		"user_id", userID,
		"channel", channel,
		"existed", removed,
	)
	recordSubscriptionOp(string(channel), "unsubscribe", "ok")
	return nil
}

// State returns the current state of the user's registration on the channel.
func (r *Registrar) State(ctx context.Context, userID string, channel domain.ChannelKind) (SubscriptionState, error) {
	r.mu.Lock()
	state, busy := r.inFlight[registrationKey{userID: userID, channel: channel}]
	r.mu.Unlock()
	if busy {
		return state, nil
	}

	_, err := r.store.GetSubscription(ctx, userID, channel)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return StateUnregistered, nil
	case err != nil:
		return "", fmt.Errorf("get subscription: %w", err)
	}
	return StateSubscribed, nil
}

// Subscriptions lists the user's subscriptions on all channels.
func (r *Registrar) Subscriptions(ctx context.Context, userID string) ([]domain.DeviceSubscription, error) {
	return r.store.ListUserSubscriptions(ctx, userID)
}

func (r *Registrar) begin(key registrationKey, state SubscriptionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[key]; busy {
		return false
	}
	r.inFlight[key] = state
	return true
}

func (r *Registrar) end(key registrationKey) {
	r.mu.Lock()
	delete(r.inFlight, key)
	r.mu.Unlock()
}

// PresentedToken is a TokenSource for a token the client already obtained
// from its messaging SDK.
type PresentedToken struct {
	Denied bool
	Value  string
}

// RequestPermission reports whether the client granted permission.
func (p PresentedToken) RequestPermission(context.Context) (bool, error) {
	return !p.Denied, nil
}

// Token returns the presented token.
func (p PresentedToken) Token(context.Context) (string, error) {
	if p.Value == "" {
		return "", ErrTokenUnavailable
	}
	return p.Value, nil
}
