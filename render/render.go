// Package render formats schedule data into Discord message content. All
// functions are pure; the reconciler and the alert engine call them as a
// formatting step only.
package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"arcraiders-notifier/pkg/rotation"
)

// eventEmojis maps known event types to the reaction marker used for role
// self-service on the summary message.
var eventEmojis = map[string]string{
	"matriarch":             "👑",
	"harvester":             "🚜",
	"husk graveyard":        "💀",
	"flotilla crash":        "🚢",
	"uncovered loot":        "💰",
	"lush blooms":           "🌺",
	"night raid":            "🌙",
	"electromagnetic storm": "⚡",
}

const fallbackEmoji = "📅"

// ReactionEmoji returns the reaction marker for an event type.
func ReactionEmoji(eventName string) string {
	if emoji, ok := eventEmojis[strings.ToLower(strings.TrimSpace(eventName))]; ok {
		return emoji
	}
	return fallbackEmoji
}

// EventForEmoji resolves a reaction marker back to one of the given event
// names. The fallback marker is ambiguous and resolves to nothing.
func EventForEmoji(emoji string, names []string) (string, bool) {
	for _, name := range names {
		if e, ok := eventEmojis[strings.ToLower(strings.TrimSpace(name))]; ok && e == emoji {
			return name, true
		}
	}
	return "", false
}

// Relative renders a Discord relative timestamp, e.g. "in 14 minutes".
func Relative(t time.Time) string {
	return fmt.Sprintf("<t:%d:R>", t.Unix())
}

// StatusMessage renders the per-map status message: currently active events
// plus the next few upcoming rotations.
func StatusMessage(mapName string, active, upcoming []rotation.Event, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛸 **%s — Live Rotations**\n", mapName)

	if len(active) > 0 {
		b.WriteString("\n✅ **Currently Active**\n")
		for _, e := range active {
			fmt.Fprintf(&b, "• **%s** — ends %s\n", e.Name, Relative(e.End()))
		}
	} else {
		b.WriteString("\nNo active events right now.\n")
	}

	if len(upcoming) > 0 {
		b.WriteString("\n🔜 **Next Rotation**\n")
		for _, e := range upcoming {
			fmt.Fprintf(&b, "• **%s** starting %s\n", e.Name, Relative(e.Start()))
		}
	}

	b.WriteString("\n_Auto-updating every minute_")
	return b.String()
}

// SummaryMessage renders the cross-map overview.
func SummaryMessage(schedule []rotation.Event, now time.Time) string {
	var b strings.Builder
	b.WriteString("🛸 **ARC Raiders — Event Rotations**\n")

	maps := rotation.Maps(schedule)
	if len(maps) == 0 {
		b.WriteString("\nNo scheduled events reported.\n")
	}
	for _, m := range maps {
		fmt.Fprintf(&b, "\n**%s**\n", m)
		active := rotation.ActiveOn(schedule, m, now)
		for _, e := range active {
			fmt.Fprintf(&b, "• ✅ **%s** — ends %s\n", e.Name, Relative(e.End()))
		}
		if next := rotation.UpcomingOn(schedule, m, now, 1); len(next) > 0 {
			fmt.Fprintf(&b, "• 🔜 **%s** starting %s\n", next[0].Name, Relative(next[0].Start()))
		}
	}

	b.WriteString("\nReact below to get pinged for an event type.")
	return b.String()
}

// PingMessage renders the advance-warning channel ping mentioning the
// event's role.
func PingMessage(e rotation.Event, roleID string) string {
	return fmt.Sprintf("<@&%s> ⚠️ **Upcoming Event:** %s starts %s on **%s**!",
		roleID, e.Name, Relative(e.Start()), e.Map)
}

// AlertDM renders the personal direct-message alert for one subscription
// offset.
func AlertDM(e rotation.Event, offset time.Duration) string {
	return fmt.Sprintf("⏰ **%s** starts %s on **%s** (your %s reminder).",
		e.Name, Relative(e.Start()), e.Map, formatOffset(offset))
}

func formatOffset(offset time.Duration) string {
	if offset >= time.Hour && offset%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(offset.Hours()))
	}
	return fmt.Sprintf("%dm", int(offset.Minutes()))
}

// CalendarTitle concatenates the names of all events sharing one
// (map, startTime) slot; the platform supports a single entry per slot.
func CalendarTitle(group []rotation.Event) string {
	names := make([]string, 0, len(group))
	for _, e := range group {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return strings.Join(names, " + ")
}

// CalendarDescription renders the calendar entry body for a slot group.
func CalendarDescription(group []rotation.Event) string {
	if len(group) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Event rotation on %s.\n", group[0].Map)
	for _, e := range group {
		fmt.Fprintf(&b, "• %s (until %s)\n", e.Name, e.End().UTC().Format("15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}
