package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(filepath.Join(t.TempDir(), "data", "bot.db"), 24)
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleTournament(id, name string, tables int) *Tournament {
	t := &Tournament{
		ID:        id,
		CreatorID: "user-1",
		CreatedAt: 1700000000,
		Name:      name,
		SlotLimit: 5,
		Channels:  Channels{Chat: id + "-chat", Lobby: id + "-lobby"},
	}
	for i := 1; i <= tables; i++ {
		t.Channels.AddTable(fmt.Sprintf("%s-table-%d", id, i))
	}
	return t
}

func insertSample(t *testing.T, repo *Repository, guildID string, tour *Tournament) {
	t.Helper()
	err := repo.WithTournaments(guildID, func(ts Tournaments) error {
		ts[tour.ID] = tour
		return nil
	})
	if err != nil {
		t.Fatalf("WithTournaments() error = %v", err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")

	repo, err := NewRepository(path, 24)
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	repo.Close()

	repo, err = NewRepository(path, 24)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer repo.Close()

	v, err := repo.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion() = %d, want %d", v, len(migrations))
	}
}

func TestGuildSettingsDefaultsAndUpdates(t *testing.T) {
	repo := newTestRepository(t)

	s, err := repo.GetGuildSettings("g1")
	if err != nil {
		t.Fatalf("GetGuildSettings() error = %v", err)
	}
	if s.VisibilityGroupID != "" || s.AutoCleanHours != 24 || !s.AutoCleanEnabled() {
		t.Errorf("defaults = %+v, want everyone/24h", s)
	}

	if err := repo.SetVisibilityGroup("g1", "role-9"); err != nil {
		t.Fatalf("SetVisibilityGroup() error = %v", err)
	}
	if err := repo.SetAutoCleanHours("g1", -1); err != nil {
		t.Fatalf("SetAutoCleanHours() error = %v", err)
	}

	s, err = repo.GetGuildSettings("g1")
	if err != nil {
		t.Fatalf("GetGuildSettings() error = %v", err)
	}
	if s.VisibilityGroupID != "role-9" {
		t.Errorf("VisibilityGroupID = %q, want role-9", s.VisibilityGroupID)
	}
	if s.AutoCleanHours != -1 || s.AutoCleanEnabled() {
		t.Errorf("AutoCleanHours = %d, want disabled", s.AutoCleanHours)
	}

	// Setting hours first must not clobber an existing group and vice versa
	if err := repo.SetAutoCleanHours("g1", 6); err != nil {
		t.Fatalf("SetAutoCleanHours() error = %v", err)
	}
	s, _ = repo.GetGuildSettings("g1")
	if s.VisibilityGroupID != "role-9" || s.AutoCleanHours != 6 {
		t.Errorf("settings = %+v, want role-9/6h", s)
	}
}

func TestWithTournamentsRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Spring Open", 4))

	got, err := repo.GetTournament("g1", "cat-1")
	if err != nil {
		t.Fatalf("GetTournament() error = %v", err)
	}
	if got.Name != "spring open" {
		t.Errorf("Name = %q, want lower-cased", got.Name)
	}
	if got.GuildID != "g1" || got.CreatorID != "user-1" || got.CreatedAt != 1700000000 || got.SlotLimit != 5 {
		t.Errorf("unexpected record: %+v", got)
	}
	wantKeys := []string{"chat", "lobby", "1", "2", "3", "4"}
	keys := got.Channels.Keys()
	if len(keys) != len(wantKeys) {
		t.Fatalf("Keys() = %v, want %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], wantKeys[i])
		}
	}
	if id, _ := got.Channels.Table(3); id != "cat-1-table-3" {
		t.Errorf("Table(3) = %q, want cat-1-table-3", id)
	}
}

func TestLookups(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Cup", 1))
	insertSample(t, repo, "g2", sampleTournament("cat-2", "Other", 0))

	if got, err := repo.FindTournamentByName("g1", "CUP"); err != nil || got.ID != "cat-1" {
		t.Errorf("FindTournamentByName(CUP) = %v, %v; want cat-1", got, err)
	}
	if _, err := repo.FindTournamentByName("g2", "cup"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindTournamentByName in other guild error = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetTournament("g1", "cat-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTournament across guilds error = %v, want ErrNotFound", err)
	}

	guilds, err := repo.GuildsWithTournaments()
	if err != nil {
		t.Fatalf("GuildsWithTournaments() error = %v", err)
	}
	if len(guilds) != 2 || guilds[0] != "g1" || guilds[1] != "g2" {
		t.Errorf("GuildsWithTournaments() = %v, want [g1 g2]", guilds)
	}
}

func TestListTournamentsOrdersByCreation(t *testing.T) {
	repo := newTestRepository(t)

	late := sampleTournament("cat-a", "Late", 0)
	late.CreatedAt = 300
	early := sampleTournament("cat-b", "Early", 0)
	early.CreatedAt = 100
	insertSample(t, repo, "g1", late)
	insertSample(t, repo, "g1", early)

	list, err := repo.ListTournaments("g1")
	if err != nil {
		t.Fatalf("ListTournaments() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "cat-b" || list[1].ID != "cat-a" {
		t.Errorf("ListTournaments() order wrong: %v", list)
	}
}

func TestWithTournamentsPersistsOnError(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Cup", 1))

	boom := errors.New("boom")
	err := repo.WithTournaments("g1", func(ts Tournaments) error {
		ts["cat-1"].Channels.AddTable("added-before-failure")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTournaments() error = %v, want boom", err)
	}

	got, err := repo.GetTournament("g1", "cat-1")
	if err != nil {
		t.Fatalf("GetTournament() error = %v", err)
	}
	if got.Channels.TableCount() != 2 {
		t.Errorf("TableCount() = %d, want 2 (mutation kept despite error)", got.Channels.TableCount())
	}

	// The lock must have been released
	if err := repo.WithTournaments("g1", func(Tournaments) error { return nil }); err != nil {
		t.Errorf("second WithTournaments() error = %v", err)
	}
}

func TestWithTournamentsSerializesSameGuild(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Cup", 0))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.WithTournaments("g1", func(ts Tournaments) error {
				ts["cat-1"].Channels.AddTable(fmt.Sprintf("t-%d", i))
				return nil
			})
			if err != nil {
				t.Errorf("WithTournaments() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := repo.GetTournament("g1", "cat-1")
	if err != nil {
		t.Fatalf("GetTournament() error = %v", err)
	}
	if got.Channels.TableCount() != workers {
		t.Errorf("TableCount() = %d, want %d (no lost updates)", got.Channels.TableCount(), workers)
	}
}

func TestWithTournamentsDelete(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Cup", 2))
	insertSample(t, repo, "g1", sampleTournament("cat-2", "Plate", 1))

	err := repo.WithTournaments("g1", func(ts Tournaments) error {
		delete(ts, "cat-1")
		delete(ts, "missing")
		return nil
	})
	if err != nil {
		t.Fatalf("WithTournaments() error = %v", err)
	}

	if _, err := repo.GetTournament("g1", "cat-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTournament() after delete error = %v, want ErrNotFound", err)
	}
	var rows int
	if err := repo.db.QueryRow(
		`SELECT COUNT(*) FROM tournament_channels WHERE guild_id = 'g1' AND category_id = 'cat-1'`,
	).Scan(&rows); err != nil {
		t.Fatalf("count channels: %v", err)
	}
	if rows != 0 {
		t.Errorf("%d channel rows left for deleted tournament", rows)
	}
	if _, err := repo.GetTournament("g1", "cat-2"); err != nil {
		t.Errorf("sibling tournament lost: %v", err)
	}
}

func TestCorruptChannelsAreReported(t *testing.T) {
	repo := newTestRepository(t)
	insertSample(t, repo, "g1", sampleTournament("cat-1", "Cup", 3))

	if _, err := repo.db.Exec(
		`DELETE FROM tournament_channels WHERE guild_id = 'g1' AND slot_key = '2'`,
	); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if _, err := repo.GetTournament("g1", "cat-1"); err == nil {
		t.Error("GetTournament() expected error for table gap, got nil")
	}
}
