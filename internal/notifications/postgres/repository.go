// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/bissquit/workout-notify/internal/notifications"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriptionColumns = `id, user_id, channel, endpoint, p256dh, auth, created_at, updated_at`

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// UpsertSubscription inserts the subscription or replaces the user's existing
// one on the same channel.
func (r *Repository) UpsertSubscription(ctx context.Context, sub *domain.DeviceSubscription) error {
	query := `
		INSERT INTO push_subscriptions (user_id, channel, endpoint, p256dh, auth)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, channel) DO UPDATE
		SET endpoint = EXCLUDED.endpoint,
		    p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		sub.UserID,
		sub.Channel,
		sub.Endpoint,
		sub.P256DH,
		sub.Auth,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves the user's subscription on a channel.
func (r *Repository) GetSubscription(ctx context.Context, userID string, channel domain.ChannelKind) (*domain.DeviceSubscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = $1 AND channel = $2
	`
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID, channel))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListUserSubscriptions retrieves all subscriptions of a user.
func (r *Repository) ListUserSubscriptions(ctx context.Context, userID string) ([]domain.DeviceSubscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = $1
		ORDER BY channel
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list user subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// ListSubscriptionsForUsers retrieves the subscriptions of the given users on a channel.
func (r *Repository) ListSubscriptionsForUsers(ctx context.Context, channel domain.ChannelKind, userIDs []string) ([]domain.DeviceSubscription, error) {
	if len(userIDs) == 0 {
		return []domain.DeviceSubscription{}, nil
	}

	query := `SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE channel = $1 AND user_id = ANY($2)
		ORDER BY user_id
	`
	rows, err := r.db.Query(ctx, query, channel, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for users: %w", err)
	}
	return collectSubscriptions(rows)
}

// DeleteSubscription removes the user's subscription on a channel.
func (r *Repository) DeleteSubscription(ctx context.Context, userID string, channel domain.ChannelKind) (bool, error) {
	query := `DELETE FROM push_subscriptions WHERE user_id = $1 AND channel = $2`
	result, err := r.db.Exec(ctx, query, userID, channel)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteSubscriptionByEndpoint removes every subscription pointing at an endpoint.
func (r *Repository) DeleteSubscriptionByEndpoint(ctx context.Context, channel domain.ChannelKind, endpoint string) error {
	query := `DELETE FROM push_subscriptions WHERE channel = $1 AND endpoint = $2`
	if _, err := r.db.Exec(ctx, query, channel, endpoint); err != nil {
		return fmt.Errorf("delete subscription by endpoint: %w", err)
	}
	return nil
}

// ListMemberIDs returns all profile IDs, or only priority tiers when priorityOnly is set.
func (r *Repository) ListMemberIDs(ctx context.Context, priorityOnly bool) ([]string, error) {
	query := `SELECT id FROM profiles`
	args := []any{}
	if priorityOnly {
		var tiers []string
		for _, t := range domain.PriorityTiers() {
			tiers = append(tiers, string(t))
		}
		query += ` WHERE member_type = ANY($1)`
		args = append(args, tiers)
	}
	query += ` ORDER BY id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan member id: %w", err)
	}
	return ids, nil
}

// ListApprovedStaffIDs returns users holding an approved staff or admin role.
func (r *Repository) ListApprovedStaffIDs(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM user_roles
		WHERE role = ANY($1) AND status = $2
		ORDER BY user_id
	`
	var roles []string
	for _, role := range domain.StaffRoles() {
		roles = append(roles, string(role))
	}
	rows, err := r.db.Query(ctx, query, roles, string(domain.RoleStatusApproved))
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan staff id: %w", err)
	}
	return ids, nil
}

// GetLanguages returns the preferred language of the given users. Users
// without a preference are absent from the result.
func (r *Repository) GetLanguages(ctx context.Context, userIDs []string) (map[string]domain.Language, error) {
	languages := make(map[string]domain.Language, len(userIDs))
	if len(userIDs) == 0 {
		return languages, nil
	}

	query := `
		SELECT id, preferred_language
		FROM profiles
		WHERE id = ANY($1) AND preferred_language IS NOT NULL AND preferred_language <> ''
	`
	rows, err := r.db.Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get languages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, lang string
		if err := rows.Scan(&id, &lang); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		languages[id] = domain.Language(lang)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate languages: %w", err)
	}
	return languages, nil
}

func scanSubscription(row pgx.Row) (*domain.DeviceSubscription, error) {
	var sub domain.DeviceSubscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.Channel,
		&sub.Endpoint,
		&sub.P256DH,
		&sub.Auth,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.DeviceSubscription, error) {
	defer rows.Close()

	subs := make([]domain.DeviceSubscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}
