package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"arcraiders-notifier/pkg/rotation"
	"arcraiders-notifier/reconcile"
	"arcraiders-notifier/render"
	"arcraiders-notifier/schedule"
)

// DefaultCommandPrefix triggers text commands.
const DefaultCommandPrefix = "!arc"

const (
	maxOffsets     = 5
	maxOffset      = 24 * time.Hour
	defaultOffset  = 15 * time.Minute
	maxLookupHits  = 5
	lookupSnippets = 200
)

// RoleManager is the role surface the reaction handlers need.
type RoleManager interface {
	EnsureRole(ctx context.Context, guildID, name string) (string, error)
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
	RevokeRole(ctx context.Context, guildID, userID, roleID string) error
}

// Store is the durable-storage surface the command handlers need.
type Store interface {
	SaveTenant(ctx context.Context, t *rotation.Tenant) error
	DeleteTenant(ctx context.Context, guildID string) error
	Blacklisted(ctx context.Context, guildID string) (bool, error)
	SaveSubscription(ctx context.Context, sub *rotation.Subscription) error
	DeleteSubscription(ctx context.Context, userID, subID string) error
	ListSubscriptions(ctx context.Context, userID string) ([]*rotation.Subscription, error)
}

// Handler translates inbound Discord events (text commands, reactions, guild
// membership changes) into typed calls on the bot's core.
type Handler struct {
	registry   *reconcile.Registry
	reconciler *reconcile.Reconciler
	roles      RoleManager
	store      Store
	catalogs   *schedule.Catalogs
	snapshot   func() []rotation.Event
	prefix     string
	logger     *slog.Logger
}

// NewHandler creates the inbound event handler. snapshot returns the most
// recently fetched schedule and may return nil before the first poll.
func NewHandler(registry *reconcile.Registry, reconciler *reconcile.Reconciler, roles RoleManager,
	store Store, catalogs *schedule.Catalogs, snapshot func() []rotation.Event,
	prefix string, logger *slog.Logger,
) *Handler {
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &Handler{
		registry:   registry,
		reconciler: reconciler,
		roles:      roles,
		store:      store,
		catalogs:   catalogs,
		snapshot:   snapshot,
		prefix:     prefix,
		logger:     logger,
	}
}

// Register attaches all handlers to the session. Call before Open.
func (h *Handler) Register(session *discordgo.Session) {
	session.AddHandler(h.onMessage)
	session.AddHandler(h.onReactionAdd)
	session.AddHandler(h.onReactionRemove)
	session.AddHandler(h.onGuildDelete)
}

func (h *Handler) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	body, ok := strings.CutPrefix(strings.TrimSpace(m.Content), h.prefix)
	if !ok {
		return
	}
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return
	}
	command, args := strings.ToLower(fields[0]), fields[1:]
	ctx := context.Background()

	h.logger.Info("Command received",
		"guild_id", m.GuildID,
		"user_id", m.Author.ID,
		"command", command)

	switch command {
	case "help":
		h.reply(s, m.ChannelID, h.usage())
	case "setup":
		h.handleSetup(ctx, s, m)
	case "pings", "calendar":
		h.handleToggle(ctx, s, m, command, args)
	case "refresh":
		h.handleRefresh(ctx, s, m)
	case "subscribe":
		h.handleSubscribe(ctx, s, m, strings.Join(args, " "))
	case "unsubscribe":
		h.handleUnsubscribe(ctx, s, m, strings.Join(args, " "))
	case "subscriptions":
		h.handleSubscriptions(ctx, s, m)
	case "lookup":
		h.handleLookup(ctx, s, m, args)
	default:
		h.reply(s, m.ChannelID, fmt.Sprintf("Unknown command %q. Try `%s help`.", command, h.prefix))
	}
}

func (h *Handler) usage() string {
	p := h.prefix
	return strings.Join([]string{
		"**ARC Raiders event bot**",
		fmt.Sprintf("`%s setup` — post live rotation messages in this channel (admin)", p),
		fmt.Sprintf("`%s refresh` — repost all status messages from scratch (admin)", p),
		fmt.Sprintf("`%s pings on|off` / `%s calendar on|off` — toggle channel pings / server events (admin)", p, p),
		fmt.Sprintf("`%s subscribe <map> | <event> | <offsets>` — DM reminders, e.g. `%s subscribe Dam | Matriarch | 15m,5m`", p, p),
		fmt.Sprintf("`%s unsubscribe <map> | <event>`", p),
		fmt.Sprintf("`%s subscriptions` — list your DM reminders", p),
		fmt.Sprintf("`%s lookup <units|items|traders|quests> <name>`", p),
	}, "\n")
}

func (h *Handler) handleSetup(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if !h.requireAdmin(s, m) {
		return
	}

	blacklisted, err := h.store.Blacklisted(ctx, m.GuildID)
	if err != nil {
		h.logger.Warn("Blacklist check failed", "guild_id", m.GuildID, "error", err)
	}
	if blacklisted {
		h.logger.Info("Ignoring setup from blacklisted guild", "guild_id", m.GuildID)
		return
	}

	var tenant *rotation.Tenant
	var saveErr error
	ok := h.registry.Update(m.GuildID, func(t *rotation.Tenant) {
		// Rebinding to a new channel orphans the old messages; they are
		// reposted fresh on the next pass.
		t.ChannelID = m.ChannelID
		t.MapMessageIDs = make(map[string]string)
		t.SummaryMessageID = ""
		saveErr = h.store.SaveTenant(ctx, t)
	})
	if !ok {
		tenant = rotation.NewTenant(m.GuildID, m.ChannelID)
		h.registry.Upsert(tenant)
		saveErr = h.store.SaveTenant(ctx, tenant)
	}

	if err := saveErr; err != nil {
		h.logger.Warn("Failed to persist tenant on setup", "guild_id", m.GuildID, "error", err)
		h.reply(s, m.ChannelID, "Setup failed to persist; check the bot's storage configuration.")
		return
	}

	h.logger.Info("Tenant set up", "guild_id", m.GuildID, "channel_id", m.ChannelID)
	h.reply(s, m.ChannelID, "✅ Set up! Live rotation messages will appear here within a minute.")
}

func (h *Handler) handleToggle(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, which string, args []string) {
	if !h.requireAdmin(s, m) {
		return
	}
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		h.reply(s, m.ChannelID, fmt.Sprintf("Usage: `%s %s on|off`", h.prefix, which))
		return
	}
	enabled := args[0] == "on"

	var saveErr error
	ok := h.registry.Update(m.GuildID, func(t *rotation.Tenant) {
		if which == "pings" {
			t.RolePings = enabled
		} else {
			t.ScheduledEvents = enabled
		}
		saveErr = h.store.SaveTenant(ctx, t)
	})
	if !ok {
		h.reply(s, m.ChannelID, fmt.Sprintf("Not set up yet. Run `%s setup` first.", h.prefix))
		return
	}

	if saveErr != nil {
		h.logger.Warn("Failed to persist toggle", "guild_id", m.GuildID, "toggle", which, "error", saveErr)
	}
	h.reply(s, m.ChannelID, fmt.Sprintf("%s are now **%s**.", toggleLabel(which), args[0]))
}

func toggleLabel(which string) string {
	if which == "pings" {
		return "Channel pings"
	}
	return "Server scheduled events"
}

func (h *Handler) handleRefresh(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if !h.requireAdmin(s, m) {
		return
	}
	if !h.registry.Has(m.GuildID) {
		h.reply(s, m.ChannelID, fmt.Sprintf("Not set up yet. Run `%s setup` first.", h.prefix))
		return
	}

	err := h.reconciler.ReconcileTenant(ctx, m.GuildID, h.snapshot(), time.Now(),
		reconcile.Options{ForceRepost: true, PurgeOutstanding: true})
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		h.reply(s, m.ChannelID, "Already refreshing; try again in a moment.")
	case err != nil:
		h.logger.Warn("Forced refresh failed", "guild_id", m.GuildID, "error", err)
		h.reply(s, m.ChannelID, "Refresh failed; see the bot logs.")
	default:
		h.reply(s, m.ChannelID, "🔄 Reposted all status messages.")
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, spec string) {
	mapName, eventName, offsetSpec, err := splitSubscription(spec)
	if err != nil {
		h.reply(s, m.ChannelID, fmt.Sprintf("Usage: `%s subscribe <map> | <event> | <offsets>`, e.g. `%s subscribe Dam | Matriarch | 15m,5m`", h.prefix, h.prefix))
		return
	}
	offsets, err := parseOffsets(offsetSpec)
	if err != nil {
		h.reply(s, m.ChannelID, "Bad offsets: "+err.Error())
		return
	}

	sub := &rotation.Subscription{
		CreatedAt: time.Now(),
		UserID:    m.Author.ID,
		Map:       mapName,
		EventName: eventName,
		Offsets:   offsets,
	}
	if err := h.store.SaveSubscription(ctx, sub); err != nil {
		h.logger.Warn("Failed to save subscription", "user_id", m.Author.ID, "error", err)
		h.reply(s, m.ChannelID, "Could not save your subscription; try again later.")
		return
	}

	h.logger.Info("Subscription saved",
		"user_id", m.Author.ID,
		"map", mapName,
		"event", eventName,
		"offsets", len(offsets))
	h.reply(s, m.ChannelID, fmt.Sprintf("🔔 <@%s> you'll get a DM before **%s** on **%s** (%s).",
		m.Author.ID, eventName, mapName, offsetList(offsets)))
}

func (h *Handler) handleUnsubscribe(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, spec string) {
	mapName, eventName, _, err := splitSubscription(spec)
	if err != nil {
		h.reply(s, m.ChannelID, fmt.Sprintf("Usage: `%s unsubscribe <map> | <event>`", h.prefix))
		return
	}

	sub := rotation.Subscription{UserID: m.Author.ID, Map: mapName, EventName: eventName}
	if err := h.store.DeleteSubscription(ctx, m.Author.ID, sub.ID()); err != nil {
		h.logger.Warn("Failed to delete subscription", "user_id", m.Author.ID, "error", err)
		h.reply(s, m.ChannelID, "Could not remove that subscription; try again later.")
		return
	}
	h.reply(s, m.ChannelID, fmt.Sprintf("🔕 <@%s> unsubscribed from **%s** on **%s**.", m.Author.ID, eventName, mapName))
}

func (h *Handler) handleSubscriptions(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	subs, err := h.store.ListSubscriptions(ctx, m.Author.ID)
	if err != nil {
		h.logger.Warn("Failed to list subscriptions", "user_id", m.Author.ID, "error", err)
		h.reply(s, m.ChannelID, "Could not load your subscriptions; try again later.")
		return
	}
	if len(subs) == 0 {
		h.reply(s, m.ChannelID, fmt.Sprintf("<@%s> you have no DM reminders. Add one with `%s subscribe`.", m.Author.ID, h.prefix))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<@%s> your DM reminders:\n", m.Author.ID)
	for _, sub := range subs {
		fmt.Fprintf(&b, "• **%s** on **%s** (%s)\n", sub.EventName, sub.Map, offsetList(sub.Offsets))
	}
	h.reply(s, m.ChannelID, b.String())
}

func (h *Handler) handleLookup(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 2 {
		h.reply(s, m.ChannelID, fmt.Sprintf("Usage: `%s lookup <units|items|traders|quests> <name>`", h.prefix))
		return
	}
	kind, query := strings.ToLower(args[0]), strings.Join(args[1:], " ")

	matches, err := h.catalogs.Lookup(ctx, kind, query)
	if err != nil {
		h.logger.Warn("Catalog lookup failed", "catalog", kind, "query", query, "error", err)
		h.reply(s, m.ChannelID, "Lookup failed: "+err.Error())
		return
	}
	if len(matches) == 0 {
		h.reply(s, m.ChannelID, fmt.Sprintf("No %s matching %q.", kind, query))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%d %s matching %q:**\n", len(matches), kind, query)
	for i, entry := range matches {
		if i == maxLookupHits {
			fmt.Fprintf(&b, "…and %d more.\n", len(matches)-maxLookupHits)
			break
		}
		fmt.Fprintf(&b, "• **%s**", entry.Name)
		if entry.Description != "" {
			fmt.Fprintf(&b, " — %s", truncate(entry.Description, lookupSnippets))
		}
		b.WriteString("\n")
	}
	h.reply(s, m.ChannelID, b.String())
}

func (h *Handler) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	h.handleReaction(s, r.MessageReaction, true)
}

func (h *Handler) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	h.handleReaction(s, r.MessageReaction, false)
}

// handleReaction grants or revokes an event role when a user reacts on the
// summary message with one of the event markers.
func (h *Handler) handleReaction(s *discordgo.Session, r *discordgo.MessageReaction, add bool) {
	if r.GuildID == "" || r.UserID == s.State.User.ID {
		return
	}

	var summaryID string
	if !h.registry.Update(r.GuildID, func(t *rotation.Tenant) { summaryID = t.SummaryMessageID }) {
		return
	}
	if r.MessageID != summaryID {
		return
	}

	eventName, ok := render.EventForEmoji(r.Emoji.Name, rotation.EventNames(h.snapshot()))
	if !ok {
		return
	}

	ctx := context.Background()
	roleID, err := h.roles.EnsureRole(ctx, r.GuildID, eventName)
	if err != nil {
		h.logger.Warn("Failed to resolve role for reaction", "guild_id", r.GuildID, "event", eventName, "error", err)
		return
	}

	if add {
		err = h.roles.GrantRole(ctx, r.GuildID, r.UserID, roleID)
	} else {
		err = h.roles.RevokeRole(ctx, r.GuildID, r.UserID, roleID)
	}
	if err != nil {
		h.logger.Warn("Failed to change role membership",
			"guild_id", r.GuildID,
			"user_id", r.UserID,
			"event", eventName,
			"add", add,
			"error", err)
		return
	}
	h.logger.Info("Role membership changed",
		"guild_id", r.GuildID,
		"user_id", r.UserID,
		"event", eventName,
		"add", add)
}

// onGuildDelete removes the tenant when the bot is kicked from a guild. An
// unavailable guild is a platform outage, not a removal.
func (h *Handler) onGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Unavailable {
		return
	}
	if !h.registry.Has(g.ID) {
		return
	}

	h.registry.Remove(g.ID)
	if err := h.store.DeleteTenant(context.Background(), g.ID); err != nil {
		h.logger.Warn("Failed to delete tenant after guild removal", "guild_id", g.ID, "error", err)
		return
	}
	h.logger.Info("Tenant removed (bot left guild)", "guild_id", g.ID)
}

func (h *Handler) requireAdmin(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		h.logger.Warn("Permission check failed", "guild_id", m.GuildID, "user_id", m.Author.ID, "error", err)
		return false
	}
	if perms&discordgo.PermissionManageServer == 0 {
		h.reply(s, m.ChannelID, "You need the Manage Server permission for that.")
		return false
	}
	return true
}

func (h *Handler) reply(s *discordgo.Session, channelID, content string) {
	if _, err := s.ChannelMessageSend(channelID, content); err != nil {
		h.logger.Warn("Failed to send reply", "channel_id", channelID, "error", err)
	}
}

// splitSubscription parses "map | event | offsets"; the offsets part is
// optional.
func splitSubscription(spec string) (mapName, eventName, offsets string, err error) {
	parts := strings.Split(spec, "|")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", errors.New("expected map | event | offsets")
	}
	mapName = strings.TrimSpace(parts[0])
	eventName = strings.TrimSpace(parts[1])
	if mapName == "" || eventName == "" {
		return "", "", "", errors.New("map and event must be non-empty")
	}
	if len(parts) == 3 {
		offsets = strings.TrimSpace(parts[2])
	}
	return mapName, eventName, offsets, nil
}

// parseOffsets parses a comma-separated list of lead times like "15m,5m".
// An empty spec gets the default offset.
func parseOffsets(spec string) ([]int64, error) {
	if spec == "" {
		return []int64{defaultOffset.Milliseconds()}, nil
	}

	parts := strings.Split(spec, ",")
	if len(parts) > maxOffsets {
		return nil, fmt.Errorf("at most %d offsets", maxOffsets)
	}
	offsets := make([]int64, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%q is not a duration (try 15m or 1h)", strings.TrimSpace(part))
		}
		if d <= 0 || d > maxOffset {
			return nil, fmt.Errorf("offset %s must be between 1s and 24h", d)
		}
		offsets = append(offsets, d.Milliseconds())
	}
	return offsets, nil
}

func offsetList(offsets []int64) string {
	labels := make([]string, 0, len(offsets))
	for _, ms := range offsets {
		labels = append(labels, (time.Duration(ms) * time.Millisecond).String())
	}
	return strings.Join(labels, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
