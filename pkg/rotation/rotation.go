// Package rotation contains the core domain types for the ARC Raiders
// rotation notification service.
package rotation

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event is one scheduled occurrence of an in-world event as reported by the
// upstream feed. Start and end times are epoch milliseconds. Two events are
// the same occurrence iff (Name, Map, StartTime) are equal; EndTime is
// informational and may shift between polls.
type Event struct {
	Name      string `json:"name"`
	Map       string `json:"map"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Icon      string `json:"icon,omitempty"`
}

// Key returns the occurrence identity string.
func (e Event) Key() string {
	return fmt.Sprintf("%s|%s|%d", e.Name, e.Map, e.StartTime)
}

// Start returns the start time as a time.Time.
func (e Event) Start() time.Time {
	return time.UnixMilli(e.StartTime)
}

// End returns the end time as a time.Time.
func (e Event) End() time.Time {
	return time.UnixMilli(e.EndTime)
}

// ActiveAt reports whether the occurrence is running at the given instant.
func (e Event) ActiveAt(now time.Time) bool {
	return !e.Start().After(now) && e.End().After(now)
}

// StartsWithin reports whether the occurrence starts in (now, now+window].
func (e Event) StartsWithin(now time.Time, window time.Duration) bool {
	until := e.Start().Sub(now)
	return until > 0 && until <= window
}

// Maps returns the sorted set of map names present in the schedule.
func Maps(events []Event) []string {
	seen := make(map[string]bool)
	var maps []string
	for _, e := range events {
		if !seen[e.Map] {
			seen[e.Map] = true
			maps = append(maps, e.Map)
		}
	}
	sort.Strings(maps)
	return maps
}

// EventNames returns the sorted set of distinct event names in the schedule.
func EventNames(events []Event) []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range events {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names
}

// ActiveOn returns the occurrences running on the given map right now,
// soonest-ending first.
func ActiveOn(events []Event, mapName string, now time.Time) []Event {
	var active []Event
	for _, e := range events {
		if e.Map == mapName && e.ActiveAt(now) {
			active = append(active, e)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].EndTime < active[j].EndTime })
	return active
}

// UpcomingOn returns up to limit future occurrences on the given map,
// soonest first.
func UpcomingOn(events []Event, mapName string, now time.Time, limit int) []Event {
	var upcoming []Event
	for _, e := range events {
		if e.Map == mapName && e.Start().After(now) {
			upcoming = append(upcoming, e)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].StartTime < upcoming[j].StartTime })
	if len(upcoming) > limit {
		upcoming = upcoming[:limit]
	}
	return upcoming
}

// NearestUpcoming returns the single nearest future occurrence matching the
// given map and event name. Matching is exact string equality after trimming
// and lowercasing, never fuzzy.
func NearestUpcoming(events []Event, mapName, eventName string, now time.Time) (Event, bool) {
	wantMap := normalize(mapName)
	wantName := normalize(eventName)

	var best Event
	found := false
	for _, e := range events {
		if normalize(e.Map) != wantMap || normalize(e.Name) != wantName {
			continue
		}
		if !e.Start().After(now) {
			continue
		}
		if !found || e.StartTime < best.StartTime {
			best = e
			found = true
		}
	}
	return best, found
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// CalendarEntry mirrors one platform-native scheduled calendar event. The
// platform owns these; ID is its identifier on the platform side.
type CalendarEntry struct {
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	ImageURL    string    `json:"image_url,omitempty"`
}

// Tenant is the per-guild configuration and reconciliation state. It is
// persisted as one document after every reconciliation pass; every write is a
// full-document upsert keyed by GuildID.
type Tenant struct {
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	MapMessageIDs    map[string]string `json:"map_message_ids"`
	GuildID          string            `json:"guild_id"`
	ChannelID        string            `json:"channel_id"`
	SummaryMessageID string            `json:"summary_message_id"`
	Pings            Ledger            `json:"pings"`
	ScheduledEvents  bool              `json:"scheduled_events"`
	RolePings        bool              `json:"role_pings"`
}

// NewTenant creates a tenant bound to a channel with both features enabled.
func NewTenant(guildID, channelID string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		GuildID:         guildID,
		ChannelID:       channelID,
		ScheduledEvents: true,
		RolePings:       true,
		MapMessageIDs:   make(map[string]string),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Subscription is one user's request for personal DM alerts for a specific
// (map, event name) pair, at one or more lead-time offsets in milliseconds.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Map       string    `json:"map"`
	EventName string    `json:"event_name"`
	Offsets   []int64   `json:"offsets_ms"`
}

// ID returns the stable per-user subscription identifier derived from the
// (map, event name) pair.
func (s *Subscription) ID() string {
	slug := normalize(s.Map) + "-" + normalize(s.EventName)
	return strings.ReplaceAll(strings.ReplaceAll(slug, " ", "-"), "/", "-")
}

// Matches reports whether the event is the subscribed (map, event name) pair.
func (s *Subscription) Matches(e Event) bool {
	return normalize(s.Map) == normalize(e.Map) && normalize(s.EventName) == normalize(e.Name)
}

// AlertKey returns the durable lock key for one (user, occurrence, offset)
// personal alert.
func AlertKey(userID string, e Event, offset time.Duration) string {
	return fmt.Sprintf("%s|%s|%d", userID, e.Key(), offset.Milliseconds())
}

// AlertLock is the durable per-(user, occurrence, offset) record that marks a
// personal DM as sent. It survives restarts; an expired lock is treated as
// absent so storage growth stays bounded.
type AlertLock struct {
	SentAt    time.Time `json:"sent_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
}

// Expired reports whether the lock's natural expiry has passed.
func (l *AlertLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}
