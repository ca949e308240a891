// Package alerts implements per-user DM reminders for subscribed event
// rotations. Sends are deduplicated by durable per-(user, occurrence, offset)
// lock records so a restart never re-alerts and a crash never loses an alert
// permanently.
package alerts

import (
	"context"
	"log/slog"
	"time"

	"arcraiders-notifier/pkg/rotation"
	"arcraiders-notifier/render"
)

// lockRetention keeps a sent-alert lock until well past the occurrence's
// start, after which the occurrence can never match a subscription again.
const lockRetention = 24 * time.Hour

// Store is the subset of durable storage the alert engine reads and writes.
type Store interface {
	ListSubscriptionUsers(ctx context.Context) ([]string, error)
	ListSubscriptions(ctx context.Context, userID string) ([]*rotation.Subscription, error)
	AlertLockExists(ctx context.Context, key string, now time.Time) (bool, error)
	MarkAlertSent(ctx context.Context, lock rotation.AlertLock) error
}

// Chat delivers direct messages.
type Chat interface {
	SendDM(ctx context.Context, userID, content string) error
}

// Engine sweeps all subscriptions against the current schedule once per poll
// tick.
type Engine struct {
	store  Store
	chat   Chat
	logger *slog.Logger
}

// New creates an alert engine.
func New(store Store, chat Chat, logger *slog.Logger) *Engine {
	return &Engine{store: store, chat: chat, logger: logger}
}

// Sweep evaluates every subscription against the schedule and sends any DM
// whose lead-time offset has been reached. Failures are per-user: one user's
// broken subscriptions or closed DMs never block the rest of the sweep.
func (e *Engine) Sweep(ctx context.Context, schedule []rotation.Event, now time.Time) {
	users, err := e.store.ListSubscriptionUsers(ctx)
	if err != nil {
		e.logger.Warn("Failed to list subscription users", "error", err)
		return
	}
	if len(users) == 0 {
		return
	}

	e.logger.Info("Sweeping personal alerts", "users", len(users), "events", len(schedule))
	for _, userID := range users {
		e.sweepUser(ctx, userID, schedule, now)
	}
}

func (e *Engine) sweepUser(ctx context.Context, userID string, schedule []rotation.Event, now time.Time) {
	subs, err := e.store.ListSubscriptions(ctx, userID)
	if err != nil {
		e.logger.Warn("Failed to list subscriptions", "user_id", userID, "error", err)
		return
	}

	for _, sub := range subs {
		event, ok := rotation.NearestUpcoming(schedule, sub.Map, sub.EventName, now)
		if !ok {
			continue
		}
		until := event.Start().Sub(now)

		for _, offsetMs := range sub.Offsets {
			offset := time.Duration(offsetMs) * time.Millisecond
			if offset <= 0 || until > offset {
				continue
			}
			e.deliver(ctx, userID, event, offset, now)
		}
	}
}

// deliver sends one personal alert unless its lock already exists. The lock
// is written only after a successful send: a crash before the send leaves the
// alert pending for the next sweep, a crash after it may duplicate once.
func (e *Engine) deliver(ctx context.Context, userID string, event rotation.Event, offset time.Duration, now time.Time) {
	key := rotation.AlertKey(userID, event, offset)

	sent, err := e.store.AlertLockExists(ctx, key, now)
	if err != nil {
		e.logger.Warn("Failed to check alert lock", "user_id", userID, "key", key, "error", err)
		return
	}
	if sent {
		return
	}

	if err := e.chat.SendDM(ctx, userID, render.AlertDM(event, offset)); err != nil {
		e.logger.Warn("Failed to send alert DM",
			"user_id", userID,
			"event", event.Name,
			"map", event.Map,
			"error", err)
		return
	}

	lock := rotation.AlertLock{
		SentAt:    now,
		ExpiresAt: event.Start().Add(lockRetention),
		UserID:    userID,
		Key:       key,
	}
	if err := e.store.MarkAlertSent(ctx, lock); err != nil {
		e.logger.Warn("Failed to record alert lock", "user_id", userID, "key", key, "error", err)
		return
	}

	e.logger.Info("Personal alert sent",
		"user_id", userID,
		"event", event.Name,
		"map", event.Map,
		"offset", offset.String(),
		"starts_in", event.Start().Sub(now).Round(time.Second).String())
}
