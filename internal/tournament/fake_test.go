package tournament

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/flor3z/tournament-bot/internal/provisioner"
	"github.com/flor3z/tournament-bot/internal/storage"
)

type fakeChannel struct {
	name      string
	parent    string
	kind      string // category, text, voice
	userLimit int
}

type permCall struct {
	channelID   string
	roleID      string
	allow, deny provisioner.Permission
}

// fakeProvisioner is an in-memory guild with injectable failures
type fakeProvisioner struct {
	mu       sync.Mutex
	seq      int
	channels map[string]fakeChannel
	perms    []permCall
	deleted  []string // successful deletions, in order
	attempts map[string]int
	calls    int

	failCreate map[string]error // by channel name
	failDelete map[string]error // by channel ID
	failList   error

	// afterCall runs after every successful call, while the fake is locked
	afterCall func(method string)
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		channels:   make(map[string]fakeChannel),
		attempts:   make(map[string]int),
		failCreate: make(map[string]error),
		failDelete: make(map[string]error),
	}
}

func (f *fakeProvisioner) done(method string) {
	if f.afterCall != nil {
		f.afterCall(method)
	}
}

// A done context fails the call before it reaches Discord, as discordgo.WithContext does
func (f *fakeProvisioner) create(ctx context.Context, method, name, parent, kind string, limit int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := f.failCreate[name]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("ch-%03d", f.seq)
	f.channels[id] = fakeChannel{name: name, parent: parent, kind: kind, userLimit: limit}
	f.done(method)
	return id, nil
}

func (f *fakeProvisioner) CreateCategory(ctx context.Context, _, name string) (string, error) {
	return f.create(ctx, "CreateCategory", name, "", "category", 0)
}

func (f *fakeProvisioner) SetPermissions(ctx context.Context, channelID, roleID string, allow, deny provisioner.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	f.perms = append(f.perms, permCall{channelID: channelID, roleID: roleID, allow: allow, deny: deny})
	f.done("SetPermissions")
	return nil
}

func (f *fakeProvisioner) CreateTextChannel(ctx context.Context, _, name, categoryID string) (string, error) {
	return f.create(ctx, "CreateTextChannel", name, categoryID, "text", 0)
}

func (f *fakeProvisioner) CreateVoiceChannel(ctx context.Context, _, name, categoryID string, userLimit int) (string, error) {
	return f.create(ctx, "CreateVoiceChannel", name, categoryID, "voice", userLimit)
}

func (f *fakeProvisioner) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.attempts[channelID]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.failDelete[channelID]; err != nil {
		return err
	}
	if _, ok := f.channels[channelID]; !ok {
		return fmt.Errorf("delete %s: %w", channelID, provisioner.ErrResourceNotFound)
	}
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	f.done("DeleteChannel")
	return nil
}

func (f *fakeProvisioner) ChannelsUnder(ctx context.Context, _, categoryID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failList != nil {
		return nil, f.failList
	}
	var ids []string
	for id, ch := range f.channels {
		if ch.parent == categoryID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	f.done("ChannelsUnder")
	return ids, nil
}

func (f *fakeProvisioner) CategoryOf(ctx context.Context, channelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return "", fmt.Errorf("get %s: %w", channelID, provisioner.ErrResourceNotFound)
	}
	return ch.parent, nil
}

// removeExternally deletes a channel without going through the manager
func (f *fakeProvisioner) removeExternally(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}

// addExternally creates a channel under a category without going through the manager
func (f *fakeProvisioner) addExternally(name, categoryID string) string {
	id, _ := f.create(context.Background(), "external", name, categoryID, "text", 0)
	return id
}

// cancelAfter cancels once method has succeeded n times
func (f *fakeProvisioner) cancelAfter(method string, n int, cancel context.CancelFunc) {
	f.afterCall = func(m string) {
		if m != method {
			return
		}
		if n--; n == 0 {
			cancel()
		}
	}
}

func (f *fakeProvisioner) channelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeProvisioner) channel(id string) (fakeChannel, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	return ch, ok
}

func (f *fakeProvisioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvisioner) deletions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type testEnv struct {
	manager *Manager
	prov    *fakeProvisioner
	repo    *storage.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := storage.NewRepository(filepath.Join(t.TempDir(), "bot.db"), 24)
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	prov := newFakeProvisioner()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(repo, prov, logger)
	m.now = func() time.Time { return time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC) }

	return &testEnv{manager: m, prov: prov, repo: repo}
}

func (e *testEnv) mustCreate(t *testing.T, guildID, name string, tables, slots int) *storage.Tournament {
	t.Helper()
	rec, err := e.manager.Create(context.Background(), CreateRequest{
		GuildID:   guildID,
		CreatorID: "user-1",
		Name:      name,
		Tables:    tables,
		SlotLimit: slots,
	})
	if err != nil {
		t.Fatalf("Create(%q) error = %v", name, err)
	}
	return rec
}
