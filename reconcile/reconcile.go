// Package reconcile implements the event-rotation synchronization loop: on
// every poll tick it reconciles the fetched schedule against each tenant's
// ping ledger, native calendar entries, and status messages.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arcraiders-notifier/pkg/rotation"
	"arcraiders-notifier/render"
)

const (
	// AlertWindow is how far before an occurrence's start a channel ping
	// becomes eligible.
	AlertWindow = time.Hour

	// CalendarLookAhead is the horizon within which occurrences get native
	// calendar entries.
	CalendarLookAhead = 3 * time.Hour

	// calendarMatchTolerance absorbs write-then-read timestamp drift on the
	// platform side when matching calendar entries to occurrences.
	calendarMatchTolerance = 2 * time.Minute

	upcomingPerMap = 3
)

// ErrBusy is returned when a reconciliation pass for the tenant is already in
// flight. A skipped tick is acceptable; a torn concurrent write is not.
var ErrBusy = errors.New("reconcile: pass already in flight for tenant")

// Chat is the subset of chat-platform operations the reconciler performs.
type Chat interface {
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	React(ctx context.Context, channelID, messageID, emoji string) error
	EnsureRole(ctx context.Context, guildID, name string) (string, error)
	ListCalendar(ctx context.Context, guildID string) ([]rotation.CalendarEntry, error)
	CreateCalendarEntry(ctx context.Context, guildID string, entry rotation.CalendarEntry) (string, error)
	UpdateCalendarEntry(ctx context.Context, guildID string, entry rotation.CalendarEntry) error
	DeleteCalendarEntry(ctx context.Context, guildID, entryID string) error
}

// Store persists tenant state after each pass and answers blacklist checks.
type Store interface {
	SaveTenant(ctx context.Context, t *rotation.Tenant) error
	Blacklisted(ctx context.Context, guildID string) (bool, error)
}

// NotFound reports whether a chat-platform error means the target no longer
// exists (deleted message, removed channel).
type NotFound func(error) bool

// Options adjust one reconciliation pass.
type Options struct {
	// ForceRepost deletes and re-creates all tracked status messages.
	ForceRepost bool
	// PurgeOutstanding deletes outstanding ping messages and clears their
	// ledger entries so the occurrences can be re-announced.
	PurgeOutstanding bool
}

// Reconciler runs the per-tenant reconciliation passes.
type Reconciler struct {
	registry *Registry
	chat     Chat
	store    Store
	notFound NotFound
	logger   *slog.Logger
}

// New creates a reconciler over the given tenant registry.
func New(registry *Registry, chat Chat, store Store, notFound NotFound, logger *slog.Logger) *Reconciler {
	if notFound == nil {
		notFound = func(error) bool { return false }
	}
	return &Reconciler{
		registry: registry,
		chat:     chat,
		store:    store,
		notFound: notFound,
		logger:   logger,
	}
}

// Tick reconciles every registered tenant against the given schedule. Tenant
// passes are independent and run concurrently; a tenant whose previous pass
// is still in flight is skipped this tick.
func (r *Reconciler) Tick(ctx context.Context, schedule []rotation.Event, now time.Time) {
	ids := r.registry.IDs()
	r.logger.Info("Reconciling tenants", "tenants", len(ids), "events", len(schedule))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(guildID string) {
			defer wg.Done()
			err := r.ReconcileTenant(ctx, guildID, schedule, now, Options{})
			switch {
			case errors.Is(err, ErrBusy):
				r.logger.Info("Skipping tenant (previous pass still in flight)", "guild_id", guildID)
			case err != nil:
				r.logger.Warn("Tenant reconciliation failed", "guild_id", guildID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// ReconcileTenant runs one full pass for a single tenant. It returns ErrBusy
// when a pass for the same tenant is already running. Every step is
// independently fault-tolerant: a failed outbound call is logged and skipped,
// never aborting the rest of the pass.
func (r *Reconciler) ReconcileTenant(ctx context.Context, guildID string, schedule []rotation.Event, now time.Time, opts Options) (err error) {
	state, ok := r.registry.state(guildID)
	if !ok {
		return fmt.Errorf("unknown tenant %s", guildID)
	}
	if !state.mu.TryLock() {
		return ErrBusy
	}
	defer state.mu.Unlock()
	defer func() {
		// The unlock above must run even on an unexpected error mid-pass.
		if p := recover(); p != nil {
			err = fmt.Errorf("reconcile tenant %s: panic: %v", guildID, p)
		}
	}()

	if blacklisted, blErr := r.store.Blacklisted(ctx, guildID); blErr != nil {
		r.logger.Warn("Blacklist check failed, reconciling anyway", "guild_id", guildID, "error", blErr)
	} else if blacklisted {
		r.logger.Info("Skipping blacklisted tenant", "guild_id", guildID)
		return nil
	}

	t := state.tenant
	started := time.Now()

	r.expirePings(ctx, t, now, opts)
	if t.ScheduledEvents {
		r.syncCalendar(ctx, t, schedule, now)
	}
	if t.RolePings {
		r.emitPings(ctx, t, schedule, now)
	}
	r.syncStatus(ctx, t, schedule, now, opts)

	if saveErr := r.store.SaveTenant(ctx, t); saveErr != nil {
		// In-memory state runs ahead of durable state until a later write
		// succeeds; safe because every write is a full-document upsert.
		r.logger.Warn("Tenant persistence failed", "guild_id", guildID, "error", saveErr)
	}

	r.logger.Info("Reconciliation pass completed",
		"guild_id", guildID,
		"duration_ms", time.Since(started).Milliseconds(),
		"force_repost", opts.ForceRepost)
	return nil
}

// expirePings deletes ping messages whose occurrence has started (or all of
// them on a purge) and updates the ledger accordingly.
func (r *Reconciler) expirePings(ctx context.Context, t *rotation.Tenant, now time.Time, opts Options) {
	for _, rec := range t.Pings.Outstanding() {
		expired := now.UnixMilli() >= rec.StartTime
		if !expired && !opts.PurgeOutstanding {
			continue
		}

		if err := r.chat.DeleteMessage(ctx, t.ChannelID, rec.MessageID); err != nil && !r.notFound(err) {
			r.logger.Warn("Failed to delete expired ping message",
				"guild_id", t.GuildID,
				"message_id", rec.MessageID,
				"error", err)
		}

		if opts.PurgeOutstanding {
			// Forget the occurrence entirely so a forced refresh can
			// re-announce it.
			t.Pings.Remove(rec.Key)
		} else {
			t.Pings.ClearMessage(rec.Key)
		}
	}
}

type calendarSlot struct {
	mapName string
	start   int64
}

// syncCalendar diffs the schedule against the tenant's native calendar
// entries: deduplicates platform-side duplicates, merges simultaneous events
// on one map into a single entry, and creates or updates entries in place.
// Still-matching entries are never deleted.
func (r *Reconciler) syncCalendar(ctx context.Context, t *rotation.Tenant, schedule []rotation.Event, now time.Time) {
	entries, err := r.chat.ListCalendar(ctx, t.GuildID)
	if err != nil {
		r.logger.Warn("Failed to list calendar entries", "guild_id", t.GuildID, "error", err)
		return
	}

	// Self-healing dedup: creation is not idempotent on the platform, so at
	// most one entry may survive per (startTime, location). Keep the first,
	// delete later duplicates.
	seen := make(map[string]bool)
	kept := entries[:0]
	for _, entry := range entries {
		k := fmt.Sprintf("%s|%d", entry.Location, entry.StartTime.Unix())
		if seen[k] {
			if err := r.chat.DeleteCalendarEntry(ctx, t.GuildID, entry.ID); err != nil {
				r.logger.Warn("Failed to delete duplicate calendar entry",
					"guild_id", t.GuildID,
					"entry_id", entry.ID,
					"error", err)
			}
			continue
		}
		seen[k] = true
		kept = append(kept, entry)
	}

	// One calendar entry per (map, startTime) slot: simultaneous events on
	// the same map merge into a single entry.
	groups := make(map[calendarSlot][]rotation.Event)
	for _, e := range schedule {
		if !e.StartsWithin(now, CalendarLookAhead) {
			continue
		}
		slot := calendarSlot{mapName: e.Map, start: e.StartTime}
		groups[slot] = append(groups[slot], e)
	}

	slots := make([]calendarSlot, 0, len(groups))
	for slot := range groups {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].start != slots[j].start {
			return slots[i].start < slots[j].start
		}
		return slots[i].mapName < slots[j].mapName
	})

	for _, slot := range slots {
		group := groups[slot]
		want := rotation.CalendarEntry{
			Title:       render.CalendarTitle(group),
			Description: render.CalendarDescription(group),
			Location:    slot.mapName,
			StartTime:   time.UnixMilli(slot.start),
			EndTime:     time.UnixMilli(maxEndTime(group)),
			ImageURL:    firstIcon(group),
		}

		existing, ok := matchCalendarEntry(kept, slot.mapName, want.StartTime)
		if !ok {
			if _, err := r.chat.CreateCalendarEntry(ctx, t.GuildID, want); err != nil {
				r.logger.Warn("Failed to create calendar entry",
					"guild_id", t.GuildID,
					"title", want.Title,
					"map", slot.mapName,
					"error", err)
			}
			continue
		}

		// Cover images are write-only on the platform (read back as an
		// opaque hash), so only title and description drive updates.
		if existing.Title == want.Title && existing.Description == want.Description {
			continue
		}
		want.ID = existing.ID
		// Keep the platform's recorded times; they may drift within the
		// match tolerance and are not worth rewriting.
		want.StartTime = existing.StartTime
		want.EndTime = existing.EndTime
		if err := r.chat.UpdateCalendarEntry(ctx, t.GuildID, want); err != nil {
			r.logger.Warn("Failed to update calendar entry",
				"guild_id", t.GuildID,
				"entry_id", existing.ID,
				"error", err)
		}
	}
}

func maxEndTime(group []rotation.Event) int64 {
	var end int64
	for _, e := range group {
		if e.EndTime > end {
			end = e.EndTime
		}
	}
	return end
}

func firstIcon(group []rotation.Event) string {
	for _, e := range group {
		if e.Icon != "" {
			return e.Icon
		}
	}
	return ""
}

func matchCalendarEntry(entries []rotation.CalendarEntry, location string, start time.Time) (rotation.CalendarEntry, bool) {
	for _, entry := range entries {
		if entry.Location != location {
			continue
		}
		drift := entry.StartTime.Sub(start)
		if drift < 0 {
			drift = -drift
		}
		if drift <= calendarMatchTolerance {
			return entry, true
		}
	}
	return rotation.CalendarEntry{}, false
}

// emitPings sends one channel ping per occurrence entering the alert window,
// recording the ledger entry only after the send succeeded.
func (r *Reconciler) emitPings(ctx context.Context, t *rotation.Tenant, schedule []rotation.Event, now time.Time) {
	ordered := append([]rotation.Event(nil), schedule...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartTime < ordered[j].StartTime })

	for _, e := range ordered {
		if !e.StartsWithin(now, AlertWindow) {
			continue
		}
		if t.Pings.Has(e.Key()) {
			continue
		}

		roleID, err := r.chat.EnsureRole(ctx, t.GuildID, e.Name)
		if err != nil {
			r.logger.Warn("Failed to resolve event role",
				"guild_id", t.GuildID,
				"event", e.Name,
				"error", err)
			continue
		}

		messageID, err := r.chat.SendMessage(ctx, t.ChannelID, render.PingMessage(e, roleID))
		if err != nil {
			r.logger.Warn("Failed to send channel ping",
				"guild_id", t.GuildID,
				"event", e.Name,
				"error", err)
			continue
		}

		t.Pings.Record(rotation.PingRecord{Key: e.Key(), MessageID: messageID, StartTime: e.StartTime})
		r.logger.Info("Channel ping sent",
			"guild_id", t.GuildID,
			"event", e.Name,
			"map", e.Map,
			"starts_in", time.UnixMilli(e.StartTime).Sub(now).Round(time.Second).String())
	}
}

// syncStatus upserts one status message per map plus the cross-map summary.
// Edits are not durable (users and other tools delete messages), so a failed
// edit falls back to send-and-rebind.
func (r *Reconciler) syncStatus(ctx context.Context, t *rotation.Tenant, schedule []rotation.Event, now time.Time, opts Options) {
	if opts.ForceRepost {
		for mapName, messageID := range t.MapMessageIDs {
			if messageID == "" {
				continue
			}
			if err := r.chat.DeleteMessage(ctx, t.ChannelID, messageID); err != nil && !r.notFound(err) {
				r.logger.Warn("Failed to delete status message", "guild_id", t.GuildID, "map", mapName, "error", err)
			}
		}
		t.MapMessageIDs = make(map[string]string)
		if t.SummaryMessageID != "" {
			if err := r.chat.DeleteMessage(ctx, t.ChannelID, t.SummaryMessageID); err != nil && !r.notFound(err) {
				r.logger.Warn("Failed to delete summary message", "guild_id", t.GuildID, "error", err)
			}
			t.SummaryMessageID = ""
		}
	}

	for _, mapName := range statusMaps(t, schedule) {
		content := render.StatusMessage(mapName,
			rotation.ActiveOn(schedule, mapName, now),
			rotation.UpcomingOn(schedule, mapName, now, upcomingPerMap),
			now)

		messageID, err := r.upsertMessage(ctx, t.ChannelID, t.MapMessageIDs[mapName], content)
		if err != nil {
			r.logger.Warn("Failed to upsert status message", "guild_id", t.GuildID, "map", mapName, "error", err)
			continue
		}
		t.MapMessageIDs[mapName] = messageID
	}

	summaryID, err := r.upsertMessage(ctx, t.ChannelID, t.SummaryMessageID, render.SummaryMessage(schedule, now))
	if err != nil {
		r.logger.Warn("Failed to upsert summary message", "guild_id", t.GuildID, "error", err)
		return
	}
	freshSummary := summaryID != t.SummaryMessageID
	t.SummaryMessageID = summaryID

	if freshSummary {
		// A newly posted summary gets one reactable marker per known event
		// type for role self-service.
		for _, name := range rotation.EventNames(schedule) {
			if err := r.chat.React(ctx, t.ChannelID, summaryID, render.ReactionEmoji(name)); err != nil {
				r.logger.Warn("Failed to add reaction marker",
					"guild_id", t.GuildID,
					"event", name,
					"error", err)
			}
		}
	}
}

// statusMaps is the union of maps present in the schedule and maps that
// already have a bound status message, sorted.
func statusMaps(t *rotation.Tenant, schedule []rotation.Event) []string {
	seen := make(map[string]bool)
	var maps []string
	for _, m := range rotation.Maps(schedule) {
		seen[m] = true
		maps = append(maps, m)
	}
	for m := range t.MapMessageIDs {
		if !seen[m] {
			maps = append(maps, m)
		}
	}
	sort.Strings(maps)
	return maps
}

func (r *Reconciler) upsertMessage(ctx context.Context, channelID, messageID, content string) (string, error) {
	if messageID != "" {
		err := r.chat.EditMessage(ctx, channelID, messageID, content)
		if err == nil {
			return messageID, nil
		}
		r.logger.Warn("Edit failed, reposting message", "message_id", messageID, "error", err)
	}
	return r.chat.SendMessage(ctx, channelID, content)
}
