// Package discord adapts the Discord API (via discordgo) to the narrow
// chat-platform surface the rest of the bot is written against: messages,
// reactions, roles, guild scheduled events, and DMs.
package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"

	"arcraiders-notifier/pkg/rotation"
)

// maxImageBytes caps scheduled-event cover image downloads.
const maxImageBytes = 1 << 20

// Gateway wraps a discordgo session.
type Gateway struct {
	session    *discordgo.Session
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGateway creates a gateway over an open discordgo session.
func NewGateway(session *discordgo.Session, logger *slog.Logger) *Gateway {
	return &Gateway{
		session:    session,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// IsNotFound reports whether the error is a Discord 404: the target message,
// channel, role, or scheduled event no longer exists.
func IsNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

// SendMessage posts a message and returns its id.
func (g *Gateway) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := g.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", channelID, err)
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content in place.
func (g *Gateway) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := g.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage removes a message.
func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := g.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}

// React adds the bot's own reaction to a message.
func (g *Gateway) React(ctx context.Context, channelID, messageID, emoji string) error {
	if err := g.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("react to message %s: %w", messageID, err)
	}
	return nil
}

// EnsureRole returns the id of the mentionable role with the given name,
// creating it when the guild has none.
func (g *Gateway) EnsureRole(ctx context.Context, guildID, name string) (string, error) {
	roles, err := g.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("list roles in guild %s: %w", guildID, err)
	}
	for _, role := range roles {
		if role.Name == name {
			return role.ID, nil
		}
	}

	mentionable := true
	role, err := g.session.GuildRoleCreate(guildID, &discordgo.RoleParams{
		Name:        name,
		Mentionable: &mentionable,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create role %q in guild %s: %w", name, guildID, err)
	}
	g.logger.Info("Created event role", "guild_id", guildID, "role", name, "role_id", role.ID)
	return role.ID, nil
}

// GrantRole adds a role to a guild member.
func (g *Gateway) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// RevokeRole removes a role from a guild member.
func (g *Gateway) RevokeRole(ctx context.Context, guildID, userID, roleID string) error {
	return g.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx))
}

// SendDM opens (or reuses) the DM channel with the user and sends a message.
func (g *Gateway) SendDM(ctx context.Context, userID, content string) error {
	channel, err := g.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open DM channel with %s: %w", userID, err)
	}
	if _, err := g.session.ChannelMessageSend(channel.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send DM to %s: %w", userID, err)
	}
	return nil
}

// ListCalendar returns the guild's external scheduled events as calendar
// entries. Cover images do not round-trip (Discord stores an opaque hash), so
// ImageURL is always empty on read.
func (g *Gateway) ListCalendar(ctx context.Context, guildID string) ([]rotation.CalendarEntry, error) {
	events, err := g.session.GuildScheduledEvents(guildID, false, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list scheduled events in guild %s: %w", guildID, err)
	}

	var entries []rotation.CalendarEntry
	for _, ev := range events {
		if ev.EntityType != discordgo.GuildScheduledEventEntityTypeExternal {
			continue
		}
		entry := rotation.CalendarEntry{
			ID:          ev.ID,
			Title:       ev.Name,
			Description: ev.Description,
			Location:    ev.EntityMetadata.Location,
			StartTime:   ev.ScheduledStartTime,
		}
		if ev.ScheduledEndTime != nil {
			entry.EndTime = *ev.ScheduledEndTime
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreateCalendarEntry creates an external scheduled event and returns its id.
func (g *Gateway) CreateCalendarEntry(ctx context.Context, guildID string, entry rotation.CalendarEntry) (string, error) {
	params := g.eventParams(ctx, entry)
	ev, err := g.session.GuildScheduledEventCreate(guildID, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create scheduled event %q in guild %s: %w", entry.Title, guildID, err)
	}
	return ev.ID, nil
}

// UpdateCalendarEntry edits an existing scheduled event in place.
func (g *Gateway) UpdateCalendarEntry(ctx context.Context, guildID string, entry rotation.CalendarEntry) error {
	params := g.eventParams(ctx, entry)
	if _, err := g.session.GuildScheduledEventEdit(guildID, entry.ID, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit scheduled event %s in guild %s: %w", entry.ID, guildID, err)
	}
	return nil
}

// DeleteCalendarEntry removes a scheduled event.
func (g *Gateway) DeleteCalendarEntry(ctx context.Context, guildID, entryID string) error {
	if err := g.session.GuildScheduledEventDelete(guildID, entryID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete scheduled event %s in guild %s: %w", entryID, guildID, err)
	}
	return nil
}

func (g *Gateway) eventParams(ctx context.Context, entry rotation.CalendarEntry) *discordgo.GuildScheduledEventParams {
	start := entry.StartTime
	end := entry.EndTime
	params := &discordgo.GuildScheduledEventParams{
		Name:               entry.Title,
		Description:        entry.Description,
		ScheduledStartTime: &start,
		ScheduledEndTime:   &end,
		EntityType:         discordgo.GuildScheduledEventEntityTypeExternal,
		PrivacyLevel:       discordgo.GuildScheduledEventPrivacyLevelGuildOnly,
		EntityMetadata:     &discordgo.GuildScheduledEventEntityMetadata{Location: entry.Location},
	}
	if entry.ImageURL != "" {
		if image, err := g.fetchImage(ctx, entry.ImageURL); err != nil {
			// Cover images are decoration; the entry still goes out.
			g.logger.Warn("Failed to fetch event cover image", "url", entry.ImageURL, "error", err)
		} else {
			params.Image = image
		}
	}
	return params
}

// fetchImage downloads an icon and encodes it as the data URI Discord expects
// for scheduled-event cover images.
func (g *Gateway) fetchImage(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			g.logger.Warn("Failed to close image response body", "error", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", err
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
}
