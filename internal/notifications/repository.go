// Package notifications provides workout notification targeting and dispatch.
package notifications

import (
	"context"

	"github.com/bissquit/workout-notify/internal/domain"
)

// SubscriptionStore defines data access for device subscriptions.
// There is at most one subscription per user per channel.
type SubscriptionStore interface {
	// UpsertSubscription inserts the subscription or replaces the existing one
	// for the same user and channel.
	UpsertSubscription(ctx context.Context, sub *domain.DeviceSubscription) error
	GetSubscription(ctx context.Context, userID string, channel domain.ChannelKind) (*domain.DeviceSubscription, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]domain.DeviceSubscription, error)
	ListSubscriptionsForUsers(ctx context.Context, channel domain.ChannelKind, userIDs []string) ([]domain.DeviceSubscription, error)

	// DeleteSubscription reports whether a row was removed. Deleting a missing
	// subscription is not an error.
	DeleteSubscription(ctx context.Context, userID string, channel domain.ChannelKind) (bool, error)
	DeleteSubscriptionByEndpoint(ctx context.Context, channel domain.ChannelKind, endpoint string) error
}

// Directory reads the profile and role data used for targeting.
type Directory interface {
	// ListMemberIDs returns all profile IDs, or only priority-tier ones.
	ListMemberIDs(ctx context.Context, priorityOnly bool) ([]string, error)
	// ListApprovedStaffIDs returns users holding an approved staff or admin role.
	ListApprovedStaffIDs(ctx context.Context) ([]string, error)
	// GetLanguages returns the preferred language of each known user.
	GetLanguages(ctx context.Context, userIDs []string) (map[string]domain.Language, error)
}

// Repository combines the data access needed by the notifications module.
type Repository interface {
	SubscriptionStore
	Directory
}
