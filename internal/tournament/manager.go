// Package tournament manages the lifecycle of tournament channel bundles: a
// category holding a chat channel, a lobby and numbered table channels.
//
// The registry in storage is the source of truth. Every mutation goes through
// the store's per-guild critical section; provisioning calls for create, stop and
// scaling run inside it so numbering and name checks cannot race. Teardown is
// best-effort and always removes the record.
//
// Provisioning calls are never cancelled once an operation has started: a half
// created or half deleted bundle is worse than a slow one. Callers' contexts only
// carry values through to the provisioner.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flor3z/tournament-bot/internal/provisioner"
	"github.com/flor3z/tournament-bot/internal/storage"
	"github.com/google/uuid"
)

const (
	categoryPrefix = "Tournament: "
	chatName       = "tournament-chat"
	lobbyName      = "Tournament Lobby"
)

// MaxTables is the most tables one bundle can hold. Discord allows 50 channels per
// category and chat and lobby take two of them.
const MaxTables = 48

// TableName returns the display name of table n
func TableName(n int) string {
	return fmt.Sprintf("Table #%d", n)
}

// Provisioner creates and deletes the channels that make up a bundle.
// Every call may fail independently.
type Provisioner interface {
	CreateCategory(ctx context.Context, guildID, name string) (string, error)
	SetPermissions(ctx context.Context, channelID, roleID string, allow, deny provisioner.Permission) error
	CreateTextChannel(ctx context.Context, guildID, name, categoryID string) (string, error)
	CreateVoiceChannel(ctx context.Context, guildID, name, categoryID string, userLimit int) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	ChannelsUnder(ctx context.Context, guildID, categoryID string) ([]string, error)
	CategoryOf(ctx context.Context, channelID string) (string, error)
}

// Store is the durable registry plus guild settings
type Store interface {
	WithTournaments(guildID string, fn func(storage.Tournaments) error) error
	GetTournament(guildID, categoryID string) (*storage.Tournament, error)
	FindTournamentByName(guildID, name string) (*storage.Tournament, error)
	ListTournaments(guildID string) ([]*storage.Tournament, error)
	GuildsWithTournaments() ([]string, error)

	GetGuildSettings(guildID string) (*storage.GuildSettings, error)
	SetVisibilityGroup(guildID, roleID string) error
	SetAutoCleanHours(guildID string, hours int) error
}

// Manager orchestrates tournament create, stop and scaling
type Manager struct {
	store  Store
	prov   Provisioner
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a Manager. A nil logger uses slog.Default().
func NewManager(store Store, prov Provisioner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		prov:   prov,
		logger: logger,
		now:    time.Now,
	}
}

// opLogger tags every line of one operation with a shared ID
func (m *Manager) opLogger(op, guildID string) *slog.Logger {
	return m.logger.With("op", op, "opID", uuid.NewString(), "guildID", guildID)
}

// CreateRequest describes a new tournament
type CreateRequest struct {
	GuildID   string
	CreatorID string
	Name      string
	Tables    int
	SlotLimit int // 0 means unlimited

	// CreatedAt is the time of the triggering event. Zero means now.
	CreatedAt time.Time
}

// Create provisions a new bundle and records it. If a provisioning call fails the
// resources created so far are left in place, listed in the returned
// *ProvisioningError, and no record is committed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*storage.Tournament, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalidArgument("name must not be empty")
	}
	if req.Tables < 0 {
		return nil, invalidArgument("table count must not be negative: %d", req.Tables)
	}
	if req.Tables > MaxTables {
		return nil, invalidArgument("table count must be at most %d: %d", MaxTables, req.Tables)
	}
	if req.SlotLimit < 0 {
		return nil, invalidArgument("slot limit must not be negative: %d", req.SlotLimit)
	}

	settings, err := m.store.GetGuildSettings(req.GuildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load guild settings: %w", err)
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}

	log := m.opLogger("create", req.GuildID).With("tournament", name)

	var created *storage.Tournament
	err = m.store.WithTournaments(req.GuildID, func(ts storage.Tournaments) error {
		if ts.ByName(name) != nil {
			return fmt.Errorf("%w: %q", ErrNameTaken, name)
		}

		t, err := m.provision(ctx, req.GuildID, name, req.Tables, req.SlotLimit, settings.VisibilityGroupID)
		if err != nil {
			return err
		}

		t.GuildID = req.GuildID
		t.CreatorID = req.CreatorID
		t.CreatedAt = createdAt.UTC().Unix()
		t.Name = storage.NormalizeName(name)
		t.SlotLimit = req.SlotLimit

		ts[t.ID] = t
		created = t.Clone()
		return nil
	})
	if err != nil {
		var perr *ProvisioningError
		if errors.As(err, &perr) {
			log.Error("Tournament provisioning failed", "error", err, "orphaned", perr.Orphaned)
		}
		return nil, err
	}

	log.Info("Tournament created", "categoryID", created.ID, "tables", req.Tables, "slots", req.SlotLimit)
	return created, nil
}

// provision creates the category, its overwrites and every channel, in order
func (m *Manager) provision(ctx context.Context, guildID, name string, tables, slotLimit int, groupID string) (*storage.Tournament, error) {
	ctx = context.WithoutCancel(ctx)

	var orphaned []string
	fail := func(op, target string, err error) error {
		return &ProvisioningError{Op: op, Target: target, Err: err, Orphaned: orphaned}
	}

	categoryName := categoryPrefix + name
	categoryID, err := m.prov.CreateCategory(ctx, guildID, categoryName)
	if err != nil {
		return nil, fail("create category", categoryName, err)
	}
	orphaned = append(orphaned, categoryID)

	if err := m.applyVisibility(ctx, guildID, categoryID, groupID); err != nil {
		return nil, fail("set permissions", categoryID, err)
	}

	t := &storage.Tournament{ID: categoryID}

	chatID, err := m.prov.CreateTextChannel(ctx, guildID, chatName, categoryID)
	if err != nil {
		return nil, fail("create text channel", chatName, err)
	}
	orphaned = append(orphaned, chatID)
	t.Channels.Chat = chatID

	lobbyID, err := m.prov.CreateVoiceChannel(ctx, guildID, lobbyName, categoryID, 0)
	if err != nil {
		return nil, fail("create voice channel", lobbyName, err)
	}
	orphaned = append(orphaned, lobbyID)
	t.Channels.Lobby = lobbyID

	for n := 1; n <= tables; n++ {
		id, err := m.prov.CreateVoiceChannel(ctx, guildID, TableName(n), categoryID, slotLimit)
		if err != nil {
			return nil, fail("create voice channel", TableName(n), err)
		}
		orphaned = append(orphaned, id)
		t.Channels.AddTable(id)
	}

	return t, nil
}

// applyVisibility opens the category to everyone, or to the configured group only.
// The guild ID doubles as the @everyone role ID.
func (m *Manager) applyVisibility(ctx context.Context, guildID, categoryID, groupID string) error {
	everyone := guildID
	if groupID == "" || groupID == everyone {
		return m.prov.SetPermissions(ctx, categoryID, everyone, provisioner.PermAll, 0)
	}

	if err := m.prov.SetPermissions(ctx, categoryID, groupID, provisioner.PermAll, 0); err != nil {
		return err
	}
	return m.prov.SetPermissions(ctx, categoryID, everyone, 0, provisioner.PermRead|provisioner.PermConnect)
}

// Stop tears down the tournament with the given name. Deletion failures are collected
// in the report rather than returned; the record is removed regardless. An unknown
// name returns ErrNotFound without touching the provisioner.
func (m *Manager) Stop(ctx context.Context, guildID, name string) (*CleanupReport, error) {
	report, err := m.remove(ctx, m.opLogger("stop", guildID), guildID, func(ts storage.Tournaments) *storage.Tournament {
		return ts.ByName(name)
	})
	if err != nil {
		return report, err
	}
	if report == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, strings.TrimSpace(name))
	}
	return report, nil
}

// remove tears down and unregisters the tournament find picks, inside the guild's
// critical section so a concurrent scale cannot add channels the teardown misses.
// It returns a nil report when find picks nothing.
func (m *Manager) remove(ctx context.Context, log *slog.Logger, guildID string, find func(storage.Tournaments) *storage.Tournament) (*CleanupReport, error) {
	var report *CleanupReport
	err := m.store.WithTournaments(guildID, func(ts storage.Tournaments) error {
		t := find(ts)
		if t == nil {
			return nil
		}
		report = m.teardown(ctx, log, t)
		delete(ts, t.ID)
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("failed to remove tournament record: %w", err)
	}
	return report, nil
}

// teardown deletes recorded channels, then anything else left under the category,
// then the category. Each resource is attempted at most once.
func (m *Manager) teardown(ctx context.Context, log *slog.Logger, t *storage.Tournament) *CleanupReport {
	ctx = context.WithoutCancel(ctx)
	log = log.With("tournament", t.Name, "categoryID", t.ID)
	report := &CleanupReport{CategoryID: t.ID, Name: t.Name}
	attempted := make(map[string]bool)

	remove := func(id string) {
		attempted[id] = true
		err := m.prov.DeleteChannel(ctx, id)
		switch {
		case err == nil:
			report.Deleted++
		case errors.Is(err, provisioner.ErrResourceNotFound):
			log.Debug("Channel already gone", "channelID", id)
		default:
			report.fail("delete channel", id, err)
		}
	}

	for _, id := range t.Channels.IDs() {
		if id == "" || attempted[id] {
			continue
		}
		remove(id)
	}

	leftovers, err := m.prov.ChannelsUnder(ctx, t.GuildID, t.ID)
	if err != nil {
		report.fail("list channels", t.ID, err)
	}
	for _, id := range leftovers {
		if attempted[id] {
			continue
		}
		remove(id)
	}

	remove(t.ID)

	if report.Complete() {
		log.Info("Tournament stopped", "deleted", report.Deleted)
	} else {
		log.Warn("Tournament stopped with leftover resources", "deleted", report.Deleted, "error", report.Err())
	}
	return report
}

// ResolveCategory returns the category a command's channel belongs to
func (m *Manager) ResolveCategory(ctx context.Context, channelID string) (string, error) {
	categoryID, err := m.prov.CategoryOf(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve category: %w", err)
	}
	if categoryID == "" {
		return "", ErrNotATournamentChannel
	}
	return categoryID, nil
}

// ScaleUp adds count tables numbered after the current highest table. Tables created
// before a failure stay recorded.
func (m *Manager) ScaleUp(ctx context.Context, guildID, categoryID string, count int) (*storage.Tournament, error) {
	if count < 0 {
		return nil, invalidArgument("count must not be negative: %d", count)
	}

	log := m.opLogger("scale-up", guildID).With("categoryID", categoryID)

	var result *storage.Tournament
	err := m.store.WithTournaments(guildID, func(ts storage.Tournaments) error {
		t, ok := ts[categoryID]
		if !ok {
			return ErrNotATournamentChannel
		}
		defer func() { result = t.Clone() }()

		if have := t.Channels.TableCount(); have+count > MaxTables {
			return invalidArgument("tournament has %d tables, at most %d more can be added", have, MaxTables-have)
		}

		ctx := context.WithoutCancel(ctx)
		for i := 0; i < count; i++ {
			name := TableName(t.Channels.TableCount() + 1)
			id, err := m.prov.CreateVoiceChannel(ctx, guildID, name, categoryID, t.SlotLimit)
			if err != nil {
				return &ProvisioningError{Op: "create voice channel", Target: name, Err: err}
			}
			t.Channels.AddTable(id)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotATournamentChannel) && !errors.Is(err, ErrInvalidArgument) {
			log.Error("Scale up failed", "error", err)
		}
		return result, err
	}

	log.Info("Tables added", "count", count, "tables", result.Channels.TableCount())
	return result, nil
}

// ScaleDown deletes up to count tables, highest number first. A table whose channel is
// already gone is dropped from the record; any other failure stops the operation with
// that table still recorded.
func (m *Manager) ScaleDown(ctx context.Context, guildID, categoryID string, count int) (*storage.Tournament, error) {
	if count < 0 {
		return nil, invalidArgument("count must not be negative: %d", count)
	}

	log := m.opLogger("scale-down", guildID).With("categoryID", categoryID)

	var result *storage.Tournament
	err := m.store.WithTournaments(guildID, func(ts storage.Tournaments) error {
		t, ok := ts[categoryID]
		if !ok {
			return ErrNotATournamentChannel
		}
		defer func() { result = t.Clone() }()

		ctx := context.WithoutCancel(ctx)
		count = min(count, t.Channels.TableCount())
		for i := 0; i < count; i++ {
			n, id := t.Channels.RemoveLastTable()
			err := m.prov.DeleteChannel(ctx, id)
			if errors.Is(err, provisioner.ErrResourceNotFound) {
				log.Warn("Table channel already gone", "table", n, "channelID", id)
				continue
			}
			if err != nil {
				t.Channels.AddTable(id)
				return &ProvisioningError{Op: "delete channel", Target: TableName(n), Err: err}
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotATournamentChannel) {
			log.Error("Scale down failed", "error", err)
		}
		return result, err
	}

	log.Info("Tables removed", "count", count, "tables", result.Channels.TableCount())
	return result, nil
}

// Get returns a tournament by category ID
func (m *Manager) Get(guildID, categoryID string) (*storage.Tournament, error) {
	t, err := m.store.GetTournament(guildID, categoryID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// FindByName returns a tournament by case-insensitive name
func (m *Manager) FindByName(guildID, name string) (*storage.Tournament, error) {
	t, err := m.store.FindTournamentByName(guildID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, strings.TrimSpace(name))
	}
	return t, err
}

// List returns a guild's tournaments, oldest first
func (m *Manager) List(guildID string) ([]*storage.Tournament, error) {
	return m.store.ListTournaments(guildID)
}

// Settings returns a guild's tournament settings
func (m *Manager) Settings(guildID string) (*storage.GuildSettings, error) {
	return m.store.GetGuildSettings(guildID)
}

// SetVisibilityGroup restricts new tournaments to a role. The @everyone role or an
// empty ID opens them to everyone.
func (m *Manager) SetVisibilityGroup(guildID, roleID string) error {
	return m.store.SetVisibilityGroup(guildID, roleID)
}

// SetAutoCleanHours sets how long tournaments live. Negative disables auto-clean.
func (m *Manager) SetAutoCleanHours(guildID string, hours int) error {
	return m.store.SetAutoCleanHours(guildID, hours)
}
