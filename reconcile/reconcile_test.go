package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"arcraiders-notifier/pkg/rotation"
)

var errFakeNotFound = errors.New("fake: not found")

// fakeChat records every platform call and lets tests inject failures.
type fakeChat struct {
	mu              sync.Mutex
	nextID          int
	messages        map[string]string // message id → content
	deletedMessages []string
	reactions       map[string][]string
	roles           map[string]string // role name → role id
	calendar        map[string]rotation.CalendarEntry
	calendarDeleted []string
	calendarCreated int
	calendarUpdated int
	editErr         map[string]error
	sendErr         error
	roleErr         error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		messages:  make(map[string]string),
		reactions: make(map[string][]string),
		roles:     make(map[string]string),
		calendar:  make(map[string]rotation.CalendarEntry),
		editErr:   make(map[string]error),
	}
}

func (f *fakeChat) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeChat) SendMessage(_ context.Context, _, content string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	id := f.id("msg")
	f.messages[id] = content
	return id, nil
}

func (f *fakeChat) EditMessage(_ context.Context, _, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editErr[messageID]; err != nil {
		return err
	}
	if _, ok := f.messages[messageID]; !ok {
		return errFakeNotFound
	}
	f.messages[messageID] = content
	return nil
}

func (f *fakeChat) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedMessages = append(f.deletedMessages, messageID)
	if _, ok := f.messages[messageID]; !ok {
		return errFakeNotFound
	}
	delete(f.messages, messageID)
	return nil
}

func (f *fakeChat) React(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = append(f.reactions[messageID], emoji)
	return nil
}

func (f *fakeChat) EnsureRole(_ context.Context, _, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return "", f.roleErr
	}
	if id, ok := f.roles[name]; ok {
		return id, nil
	}
	id := f.id("role")
	f.roles[name] = id
	return id, nil
}

func (f *fakeChat) ListCalendar(_ context.Context, _ string) ([]rotation.CalendarEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var entries []rotation.CalendarEntry
	for _, e := range f.calendar {
		entries = append(entries, e)
	}
	return entries, nil
}

func (f *fakeChat) CreateCalendarEntry(_ context.Context, _ string, entry rotation.CalendarEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendarCreated++
	entry.ID = f.id("cal")
	f.calendar[entry.ID] = entry
	return entry.ID, nil
}

func (f *fakeChat) UpdateCalendarEntry(_ context.Context, _ string, entry rotation.CalendarEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.calendar[entry.ID]; !ok {
		return errFakeNotFound
	}
	f.calendarUpdated++
	f.calendar[entry.ID] = entry
	return nil
}

func (f *fakeChat) DeleteCalendarEntry(_ context.Context, _, entryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendarDeleted = append(f.calendarDeleted, entryID)
	delete(f.calendar, entryID)
	return nil
}

func (f *fakeChat) pingMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pings []string
	for _, content := range f.messages {
		if strings.Contains(content, "Upcoming Event") {
			pings = append(pings, content)
		}
	}
	return pings
}

type fakeStore struct {
	mu          sync.Mutex
	saves       int
	last        *rotation.Tenant
	err         error
	blacklisted map[string]bool
}

func (f *fakeStore) SaveTenant(_ context.Context, t *rotation.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.last = t
	return nil
}

func (f *fakeStore) Blacklisted(_ context.Context, guildID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blacklisted[guildID], nil
}

func testReconciler(chat *fakeChat, store *fakeStore) (*Reconciler, *Registry) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry()
	notFound := func(err error) bool { return errors.Is(err, errFakeNotFound) }
	return New(registry, chat, store, notFound, logger), registry
}

func testTenant() *rotation.Tenant {
	return rotation.NewTenant("guild-1", "chan-1")
}

func TestPingSentOnceForOccurrence(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(50 * time.Minute).UnixMilli(), EndTime: now.Add(80 * time.Minute).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	registry.Upsert(testTenant())

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}

	pings := chat.pingMessages()
	if len(pings) != 1 {
		t.Fatalf("got %d pings after first pass, want 1", len(pings))
	}
	if !strings.Contains(pings[0], "Matriarch") {
		t.Errorf("ping content = %q, want Matriarch mention", pings[0])
	}
	roleID, ok := chat.roles["Matriarch"]
	if !ok {
		t.Fatal("no role created for Matriarch")
	}
	if !strings.Contains(pings[0], "<@&"+roleID+">") {
		t.Errorf("ping does not mention the Matriarch role: %q", pings[0])
	}

	// Second pass one second later with an unchanged schedule: zero new pings.
	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now.Add(time.Second), Options{}); err != nil {
		t.Fatalf("ReconcileTenant() second pass error = %v", err)
	}
	if pings := chat.pingMessages(); len(pings) != 1 {
		t.Errorf("got %d pings after second pass, want still 1", len(pings))
	}
}

func TestPingOutsideAlertWindowNotSent(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(90 * time.Minute).UnixMilli(), EndTime: now.Add(2 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	registry.Upsert(testTenant())

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if pings := chat.pingMessages(); len(pings) != 0 {
		t.Errorf("got %d pings for event outside the alert window, want 0", len(pings))
	}
}

func TestPingsDisabledByToggle(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(30 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	tenant := testTenant()
	tenant.RolePings = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if pings := chat.pingMessages(); len(pings) != 0 {
		t.Errorf("got %d pings with role pings disabled, want 0", len(pings))
	}
}

func TestExpiredPingMessageDeletedButNotReannounced(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(30 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	registry.Upsert(testTenant())
	ctx := context.Background()

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if len(chat.pingMessages()) != 1 {
		t.Fatal("expected one ping after first pass")
	}

	// The occurrence starts; its ping message expires but the dedup entry
	// survives so nothing is re-announced.
	later := now.Add(31 * time.Minute)
	if err := r.ReconcileTenant(ctx, "guild-1", schedule, later, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if pings := chat.pingMessages(); len(pings) != 0 {
		t.Errorf("ping message still present after expiry, got %d", len(pings))
	}
	if !store.last.Pings.Has(schedule[0].Key()) {
		t.Error("dedup entry dropped on expiry; occurrence could be re-pinged")
	}
	if outstanding := store.last.Pings.Outstanding(); len(outstanding) != 0 {
		t.Errorf("outstanding pings = %d after expiry, want 0", len(outstanding))
	}
}

func TestPurgeAllowsReannounce(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(30 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	registry.Upsert(testTenant())
	ctx := context.Background()

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if len(chat.pingMessages()) != 1 {
		t.Fatal("expected one ping after first pass")
	}

	// Forced refresh purges the outstanding ping; the same occurrence is
	// announced again in the same pass.
	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now.Add(time.Second), Options{ForceRepost: true, PurgeOutstanding: true}); err != nil {
		t.Fatalf("ReconcileTenant() purge pass error = %v", err)
	}
	if pings := chat.pingMessages(); len(pings) != 1 {
		t.Errorf("got %d pings after purge pass, want 1 fresh announcement", len(pings))
	}
}

func TestCalendarMergesSimultaneousEvents(t *testing.T) {
	now := time.Now()
	start := now.Add(time.Hour)
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: start.UnixMilli(), EndTime: now.Add(90 * time.Minute).UnixMilli()},
		{Name: "Night Raid", Map: "Dam", StartTime: start.UnixMilli(), EndTime: now.Add(2 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	tenant := testTenant()
	tenant.RolePings = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}

	if len(chat.calendar) != 1 {
		t.Fatalf("got %d calendar entries, want 1 merged entry", len(chat.calendar))
	}
	for _, entry := range chat.calendar {
		if !strings.Contains(entry.Title, "Matriarch") || !strings.Contains(entry.Title, "Night Raid") {
			t.Errorf("merged title = %q, want both names", entry.Title)
		}
		if got, want := entry.EndTime.UnixMilli(), schedule[1].EndTime; got != want {
			t.Errorf("merged end = %d, want max end %d", got, want)
		}
		if entry.Location != "Dam" {
			t.Errorf("entry location = %q, want Dam", entry.Location)
		}
	}
}

func TestCalendarUpdatesInPlaceWithinTolerance(t *testing.T) {
	now := time.Now()
	start := now.Add(time.Hour)
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: start.UnixMilli(), EndTime: now.Add(90 * time.Minute).UnixMilli()},
	}

	chat := newFakeChat()
	// Existing entry drifted 90 seconds from the feed's start time.
	chat.calendar["cal-existing"] = rotation.CalendarEntry{
		ID:        "cal-existing",
		Title:     "Old Title",
		Location:  "Dam",
		StartTime: start.Add(90 * time.Second),
		EndTime:   start.Add(time.Hour),
	}

	r, registry := testReconciler(chat, &fakeStore{})
	tenant := testTenant()
	tenant.RolePings = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}

	if chat.calendarCreated != 0 {
		t.Errorf("created %d entries, want 0 (existing matched within tolerance)", chat.calendarCreated)
	}
	if chat.calendarUpdated != 1 {
		t.Errorf("updated %d entries, want 1", chat.calendarUpdated)
	}
	if len(chat.calendarDeleted) != 0 {
		t.Errorf("deleted %d still-matching entries, want 0", len(chat.calendarDeleted))
	}
	got := chat.calendar["cal-existing"]
	if got.Title != "Matriarch" {
		t.Errorf("entry title = %q, want Matriarch", got.Title)
	}
}

func TestCalendarSelfHealingDedup(t *testing.T) {
	now := time.Now()
	start := now.Add(time.Hour)

	chat := newFakeChat()
	chat.calendar["cal-a"] = rotation.CalendarEntry{ID: "cal-a", Title: "Matriarch", Location: "Dam", StartTime: start, EndTime: start.Add(time.Hour)}
	chat.calendar["cal-b"] = rotation.CalendarEntry{ID: "cal-b", Title: "Matriarch", Location: "Dam", StartTime: start, EndTime: start.Add(time.Hour)}

	r, registry := testReconciler(chat, &fakeStore{})
	tenant := testTenant()
	tenant.RolePings = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", nil, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}

	if len(chat.calendarDeleted) != 1 {
		t.Errorf("deleted %d duplicates, want exactly 1", len(chat.calendarDeleted))
	}
	if len(chat.calendar) != 1 {
		t.Errorf("%d entries remain, want 1", len(chat.calendar))
	}
}

func TestCalendarDisabledByToggle(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(time.Hour).UnixMilli(), EndTime: now.Add(2 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	tenant := testTenant()
	tenant.ScheduledEvents = false
	tenant.RolePings = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if chat.calendarCreated != 0 {
		t.Errorf("created %d calendar entries with sync disabled, want 0", chat.calendarCreated)
	}
}

func TestStatusMessagesUpsertedPerMapPlusSummary(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(-10 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
		{Name: "Night Raid", Map: "Spaceport", StartTime: now.Add(4 * time.Hour).UnixMilli(), EndTime: now.Add(5 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	tenant := testTenant()
	tenant.RolePings = false
	tenant.ScheduledEvents = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}

	if got := len(store.last.MapMessageIDs); got != 2 {
		t.Fatalf("tracked %d map messages, want 2", got)
	}
	if store.last.SummaryMessageID == "" {
		t.Fatal("no summary message bound")
	}
	if store.saves != 1 {
		t.Errorf("tenant persisted %d times, want 1", store.saves)
	}

	// A fresh summary carries one reaction marker per known event type.
	if got := len(chat.reactions[store.last.SummaryMessageID]); got != 2 {
		t.Errorf("summary has %d reaction markers, want 2", got)
	}

	// Second pass edits the same messages instead of posting new ones.
	before := len(chat.messages)
	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now.Add(time.Minute), Options{}); err != nil {
		t.Fatalf("ReconcileTenant() second pass error = %v", err)
	}
	if len(chat.messages) != before {
		t.Errorf("message count changed from %d to %d on steady-state pass", before, len(chat.messages))
	}
}

func TestForceRepostReplacesAllMessageIDs(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(2 * time.Hour).UnixMilli(), EndTime: now.Add(3 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	tenant := testTenant()
	tenant.RolePings = false
	tenant.ScheduledEvents = false
	registry.Upsert(tenant)
	ctx := context.Background()

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	oldMap := store.last.MapMessageIDs["Dam"]
	oldSummary := store.last.SummaryMessageID

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now.Add(time.Minute), Options{ForceRepost: true}); err != nil {
		t.Fatalf("ReconcileTenant() repost error = %v", err)
	}

	if got := store.last.MapMessageIDs["Dam"]; got == oldMap {
		t.Errorf("map message id %q reused after force repost", got)
	}
	if got := store.last.SummaryMessageID; got == oldSummary {
		t.Errorf("summary message id %q reused after force repost", got)
	}
	for _, stale := range []string{oldMap, oldSummary} {
		found := false
		for _, deleted := range chat.deletedMessages {
			if deleted == stale {
				found = true
			}
		}
		if !found {
			t.Errorf("stale message %q was not deleted on force repost", stale)
		}
	}
}

func TestEditFailureFallsBackToSendAndRebind(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(2 * time.Hour).UnixMilli(), EndTime: now.Add(3 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	tenant := testTenant()
	tenant.RolePings = false
	tenant.ScheduledEvents = false
	registry.Upsert(tenant)
	ctx := context.Background()

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	boundID := store.last.MapMessageIDs["Dam"]

	// Someone deleted the status message out from under the bot.
	delete(chat.messages, boundID)

	if err := r.ReconcileTenant(ctx, "guild-1", schedule, now.Add(time.Minute), Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	newID := store.last.MapMessageIDs["Dam"]
	if newID == boundID {
		t.Errorf("message id %q not rebound after edit failure", newID)
	}
	if _, ok := chat.messages[newID]; !ok {
		t.Errorf("rebound message %q does not exist", newID)
	}
}

func TestSingleFlightSkipsOverlappingPass(t *testing.T) {
	chat := newFakeChat()
	r, registry := testReconciler(chat, &fakeStore{})
	registry.Upsert(testTenant())

	state, ok := registry.state("guild-1")
	if !ok {
		t.Fatal("tenant not registered")
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	err := r.ReconcileTenant(context.Background(), "guild-1", nil, time.Now(), Options{})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("ReconcileTenant() error = %v, want ErrBusy while a pass is in flight", err)
	}
}

func TestRoleFailureDoesNotAbortRestOfPass(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(30 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	chat.roleErr = errors.New("missing manage-roles permission")
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	tenant := testTenant()
	tenant.ScheduledEvents = false
	registry.Upsert(tenant)

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v, want nil (per-step failures are isolated)", err)
	}

	if len(chat.pingMessages()) != 0 {
		t.Error("ping sent despite role failure")
	}
	// The rest of the pass still ran: status synced, tenant persisted, and
	// no dedup entry was recorded for the failed ping.
	if store.saves != 1 {
		t.Errorf("tenant persisted %d times, want 1", store.saves)
	}
	if store.last.MapMessageIDs["Dam"] == "" {
		t.Error("status message not synced after role failure")
	}
	if store.last.Pings.Has(schedule[0].Key()) {
		t.Error("dedup entry recorded for a ping that was never sent")
	}
}

func TestBlacklistedTenantSkipped(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(30 * time.Minute).UnixMilli(), EndTime: now.Add(time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{blacklisted: map[string]bool{"guild-1": true}}
	r, registry := testReconciler(chat, store)
	registry.Upsert(testTenant())

	if err := r.ReconcileTenant(context.Background(), "guild-1", schedule, now, Options{}); err != nil {
		t.Fatalf("ReconcileTenant() error = %v", err)
	}
	if store.saves != 0 {
		t.Errorf("blacklisted tenant persisted %d times, want 0", store.saves)
	}
	if len(chat.messages) != 0 {
		t.Errorf("blacklisted tenant sent %d messages, want 0", len(chat.messages))
	}
}

func TestPersistenceFailureDoesNotFailPass(t *testing.T) {
	now := time.Now()
	chat := newFakeChat()
	store := &fakeStore{err: errors.New("bucket unavailable")}
	r, registry := testReconciler(chat, store)
	registry.Upsert(testTenant())

	if err := r.ReconcileTenant(context.Background(), "guild-1", nil, now, Options{}); err != nil {
		t.Errorf("ReconcileTenant() error = %v, want nil (persistence failure is logged only)", err)
	}
}

func TestTickReconcilesAllTenants(t *testing.T) {
	now := time.Now()
	schedule := []rotation.Event{
		{Name: "Matriarch", Map: "Dam", StartTime: now.Add(2 * time.Hour).UnixMilli(), EndTime: now.Add(3 * time.Hour).UnixMilli()},
	}

	chat := newFakeChat()
	store := &fakeStore{}
	r, registry := testReconciler(chat, store)
	for i := 1; i <= 3; i++ {
		tenant := rotation.NewTenant(fmt.Sprintf("guild-%d", i), fmt.Sprintf("chan-%d", i))
		tenant.RolePings = false
		tenant.ScheduledEvents = false
		registry.Upsert(tenant)
	}

	r.Tick(context.Background(), schedule, now)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saves != 3 {
		t.Errorf("persisted %d tenants after tick, want 3", store.saves)
	}
}

func TestRegistryUpdateAndRemove(t *testing.T) {
	registry := NewRegistry()
	registry.Upsert(testTenant())

	ok := registry.Update("guild-1", func(t *rotation.Tenant) {
		t.ChannelID = "chan-2"
	})
	if !ok {
		t.Fatal("Update() = false for registered tenant")
	}

	state, _ := registry.state("guild-1")
	if state.tenant.ChannelID != "chan-2" {
		t.Errorf("ChannelID = %q after update, want chan-2", state.tenant.ChannelID)
	}

	if registry.Update("missing", func(*rotation.Tenant) {}) {
		t.Error("Update() = true for unknown tenant")
	}

	registry.Remove("guild-1")
	if registry.Has("guild-1") {
		t.Error("Has() = true after Remove()")
	}
}
