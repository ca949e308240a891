package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arcraiders-notifier/pkg/rotation"
)

// Document path prefixes. Each document is one JSON object; paths are the
// only index.
const (
	tenantPrefix    = "tenants/"
	userPrefix      = "users/"
	subUserPrefix   = "subscriptionUsers/"
	alertPrefix     = "sentAlerts/"
	blacklistPrefix = "blacklist/"
)

// subscriptionUser is the index record marking a user as having at least one
// subscription, so the alert sweep never has to scan every user document.
type subscriptionUser struct {
	UpdatedAt time.Time `json:"updated_at"`
	UserID    string    `json:"user_id"`
}

// blacklistEntry marks a guild as excluded from reconciliation.
type blacklistEntry struct {
	AddedAt time.Time `json:"added_at"`
	GuildID string    `json:"guild_id"`
	Reason  string    `json:"reason,omitempty"`
}

func tenantPath(guildID string) string {
	return tenantPrefix + sanitize(guildID)
}

func subscriptionPath(userID, subID string) string {
	return userPrefix + sanitize(userID) + "/subscriptions/" + sanitize(subID)
}

// sanitize keeps document names safe as object/file path segments. Discord
// snowflakes are numeric, but event-derived ids may carry arbitrary text.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	return strings.ReplaceAll(s, "..", "_")
}

// SaveTenant upserts the tenant document, stamping UpdatedAt.
func (s *Store) SaveTenant(ctx context.Context, t *rotation.Tenant) error {
	t.UpdatedAt = time.Now().UTC()
	if err := s.Put(ctx, tenantPath(t.GuildID), t); err != nil {
		return fmt.Errorf("save tenant %s: %w", t.GuildID, err)
	}
	s.logger.Info("Tenant saved",
		"guild_id", t.GuildID,
		"channel_id", t.ChannelID,
		"ping_records", len(t.Pings.Records))
	return nil
}

// LoadTenant loads one tenant document.
func (s *Store) LoadTenant(ctx context.Context, guildID string) (*rotation.Tenant, error) {
	var t rotation.Tenant
	if err := s.Get(ctx, tenantPath(guildID), &t); err != nil {
		return nil, err
	}
	if t.MapMessageIDs == nil {
		t.MapMessageIDs = make(map[string]string)
	}
	return &t, nil
}

// ListTenants loads every tenant document, skipping unreadable ones.
func (s *Store) ListTenants(ctx context.Context) ([]*rotation.Tenant, error) {
	paths, err := s.List(ctx, tenantPrefix)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	var tenants []*rotation.Tenant
	for _, path := range paths {
		var t rotation.Tenant
		if err := s.Get(ctx, path, &t); err != nil {
			s.logger.Warn("Failed to load tenant", "path", path, "error", err)
			continue
		}
		if t.MapMessageIDs == nil {
			t.MapMessageIDs = make(map[string]string)
		}
		tenants = append(tenants, &t)
	}
	return tenants, nil
}

// DeleteTenant removes a tenant document, e.g. when the bot leaves a guild.
func (s *Store) DeleteTenant(ctx context.Context, guildID string) error {
	return s.Delete(ctx, tenantPath(guildID))
}

// Blacklisted reports whether reconciliation is disabled for the guild.
func (s *Store) Blacklisted(ctx context.Context, guildID string) (bool, error) {
	var entry blacklistEntry
	err := s.Get(ctx, blacklistPrefix+sanitize(guildID), &entry)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveSubscription upserts a user's subscription and maintains the
// subscription-user index.
func (s *Store) SaveSubscription(ctx context.Context, sub *rotation.Subscription) error {
	if err := s.Put(ctx, subscriptionPath(sub.UserID, sub.ID()), sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	index := subscriptionUser{UserID: sub.UserID, UpdatedAt: time.Now().UTC()}
	if err := s.Put(ctx, subUserPrefix+sanitize(sub.UserID), index); err != nil {
		return fmt.Errorf("save subscription index: %w", err)
	}
	s.logger.Info("Subscription saved",
		"user_id", sub.UserID,
		"map", sub.Map,
		"event", sub.EventName,
		"offsets", len(sub.Offsets))
	return nil
}

// DeleteSubscription removes one subscription; when it was the user's last,
// the index entry is removed too.
func (s *Store) DeleteSubscription(ctx context.Context, userID, subID string) error {
	if err := s.Delete(ctx, subscriptionPath(userID, subID)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	remaining, err := s.ListSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list remaining subscriptions: %w", err)
	}
	if len(remaining) == 0 {
		if err := s.Delete(ctx, subUserPrefix+sanitize(userID)); err != nil {
			return fmt.Errorf("delete subscription index: %w", err)
		}
	}
	s.logger.Info("Subscription deleted", "user_id", userID, "subscription_id", subID)
	return nil
}

// ListSubscriptions loads all subscriptions for one user.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*rotation.Subscription, error) {
	paths, err := s.List(ctx, userPrefix+sanitize(userID)+"/subscriptions/")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	var subs []*rotation.Subscription
	for _, path := range paths {
		var sub rotation.Subscription
		if err := s.Get(ctx, path, &sub); err != nil {
			s.logger.Warn("Failed to load subscription", "path", path, "error", err)
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// ListSubscriptionUsers returns the ids of users with at least one
// subscription.
func (s *Store) ListSubscriptionUsers(ctx context.Context) ([]string, error) {
	paths, err := s.List(ctx, subUserPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subscription users: %w", err)
	}

	users := make([]string, 0, len(paths))
	for _, path := range paths {
		users = append(users, strings.TrimPrefix(path, subUserPrefix))
	}
	return users, nil
}

// AlertLockExists reports whether a durable lock exists for the alert key.
// Expired locks are treated as absent and deleted opportunistically so the
// ledger stays bounded.
func (s *Store) AlertLockExists(ctx context.Context, key string, now time.Time) (bool, error) {
	path := alertPrefix + sanitize(key)

	var lock rotation.AlertLock
	err := s.Get(ctx, path, &lock)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if lock.Expired(now) {
		if err := s.Delete(ctx, path); err != nil {
			s.logger.Warn("Failed to delete expired alert lock", "key", key, "error", err)
		}
		return false, nil
	}
	return true, nil
}

// MarkAlertSent records the durable lock for an already-sent personal alert.
// The lock is written after the send so a crash before sending never leaves
// a false mark.
func (s *Store) MarkAlertSent(ctx context.Context, lock rotation.AlertLock) error {
	if err := s.Put(ctx, alertPrefix+sanitize(lock.Key), lock); err != nil {
		return fmt.Errorf("save alert lock: %w", err)
	}
	return nil
}
