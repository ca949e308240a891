package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"arcraiders-notifier/pkg/rotation"
)

// MockGateway is a mock chat gateway for local development. It logs every
// outbound action instead of calling Discord and hands out synthetic ids.
type MockGateway struct {
	logger *slog.Logger
	mu     sync.Mutex
	nextID int
}

// NewMockGateway creates a new mock gateway.
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{logger: logger}
}

func (m *MockGateway) id() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("mock-%d", m.nextID)
}

// SendMessage logs the message instead of sending it.
func (m *MockGateway) SendMessage(_ context.Context, channelID, content string) (string, error) {
	id := m.id()
	m.logger.Info("MOCK MESSAGE",
		"channel_id", channelID,
		"message_id", id,
		"content_length", len(content))
	return id, nil
}

func (m *MockGateway) EditMessage(_ context.Context, channelID, messageID, content string) error {
	m.logger.Info("MOCK EDIT", "channel_id", channelID, "message_id", messageID, "content_length", len(content))
	return nil
}

func (m *MockGateway) DeleteMessage(_ context.Context, channelID, messageID string) error {
	m.logger.Info("MOCK DELETE", "channel_id", channelID, "message_id", messageID)
	return nil
}

func (m *MockGateway) React(_ context.Context, channelID, messageID, emoji string) error {
	m.logger.Info("MOCK REACT", "channel_id", channelID, "message_id", messageID, "emoji", emoji)
	return nil
}

func (m *MockGateway) EnsureRole(_ context.Context, guildID, name string) (string, error) {
	m.logger.Info("MOCK ROLE", "guild_id", guildID, "role", name)
	return "mock-role-" + name, nil
}

func (m *MockGateway) GrantRole(_ context.Context, guildID, userID, roleID string) error {
	m.logger.Info("MOCK GRANT ROLE", "guild_id", guildID, "user_id", userID, "role_id", roleID)
	return nil
}

func (m *MockGateway) RevokeRole(_ context.Context, guildID, userID, roleID string) error {
	m.logger.Info("MOCK REVOKE ROLE", "guild_id", guildID, "user_id", userID, "role_id", roleID)
	return nil
}

func (m *MockGateway) SendDM(_ context.Context, userID, content string) error {
	m.logger.Info("MOCK DM", "user_id", userID, "content_length", len(content))
	return nil
}

func (m *MockGateway) ListCalendar(_ context.Context, guildID string) ([]rotation.CalendarEntry, error) {
	m.logger.Info("MOCK LIST CALENDAR", "guild_id", guildID)
	return nil, nil
}

func (m *MockGateway) CreateCalendarEntry(_ context.Context, guildID string, entry rotation.CalendarEntry) (string, error) {
	id := m.id()
	m.logger.Info("MOCK CREATE CALENDAR ENTRY",
		"guild_id", guildID,
		"entry_id", id,
		"title", entry.Title,
		"location", entry.Location)
	return id, nil
}

func (m *MockGateway) UpdateCalendarEntry(_ context.Context, guildID string, entry rotation.CalendarEntry) error {
	m.logger.Info("MOCK UPDATE CALENDAR ENTRY", "guild_id", guildID, "entry_id", entry.ID, "title", entry.Title)
	return nil
}

func (m *MockGateway) DeleteCalendarEntry(_ context.Context, guildID, entryID string) error {
	m.logger.Info("MOCK DELETE CALENDAR ENTRY", "guild_id", guildID, "entry_id", entryID)
	return nil
}
