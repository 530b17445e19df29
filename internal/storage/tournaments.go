package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Tournament operations

// guildLock returns the mutex that serializes registry mutation for one guild
func (r *Repository) guildLock(guildID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	mu, ok := r.locks[guildID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[guildID] = mu
	}
	return mu
}

// WithTournaments runs fn against the guild's registry while holding the guild's
// critical section, then persists the registry. The registry is persisted even when
// fn fails so that resources fn already recorded are not forgotten; fn's error is
// returned unchanged. Calls for the same guild never interleave; other guilds proceed.
//
// Deleting a key from the map removes that tournament and its channel rows.
// fn must not call WithTournaments for the same guild.
func (r *Repository) WithTournaments(guildID string, fn func(Tournaments) error) error {
	mu := r.guildLock(guildID)
	mu.Lock()
	defer mu.Unlock()

	ts, err := r.loadGuild(guildID)
	if err != nil {
		return fmt.Errorf("failed to load tournaments: %w", err)
	}

	fnErr := fn(ts)

	if err := r.persistGuild(guildID, ts); err != nil {
		if fnErr != nil {
			return fmt.Errorf("%w (and failed to save tournaments: %v)", fnErr, err)
		}
		return fmt.Errorf("failed to save tournaments: %w", err)
	}
	return fnErr
}

// GetTournament finds a tournament by category ID. It does not observe in-flight mutations.
func (r *Repository) GetTournament(guildID, categoryID string) (*Tournament, error) {
	ts, err := r.loadGuild(guildID)
	if err != nil {
		return nil, err
	}
	t, ok := ts[categoryID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// FindTournamentByName finds a tournament by case-insensitive name
func (r *Repository) FindTournamentByName(guildID, name string) (*Tournament, error) {
	ts, err := r.loadGuild(guildID)
	if err != nil {
		return nil, err
	}
	t := ts.ByName(name)
	if t == nil {
		return nil, ErrNotFound
	}
	return t, nil
}

// ListTournaments returns a guild's tournaments, oldest first
func (r *Repository) ListTournaments(guildID string) ([]*Tournament, error) {
	ts, err := r.loadGuild(guildID)
	if err != nil {
		return nil, err
	}

	list := make([]*Tournament, 0, len(ts))
	for _, t := range ts {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// GuildsWithTournaments returns the IDs of every guild that has at least one tournament
func (r *Repository) GuildsWithTournaments() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT guild_id FROM tournaments ORDER BY guild_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guilds []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		guilds = append(guilds, id)
	}

	return guilds, rows.Err()
}

// loadGuild reads every tournament of a guild with its channels
func (r *Repository) loadGuild(guildID string) (Tournaments, error) {
	rows, err := r.db.Query(
		`SELECT category_id, creator_id, created_at, name, slot_limit FROM tournaments WHERE guild_id = ?`,
		guildID,
	)
	if err != nil {
		return nil, err
	}

	ts := make(Tournaments)
	for rows.Next() {
		t := &Tournament{GuildID: guildID}
		if err := rows.Scan(&t.ID, &t.CreatorID, &t.CreatedAt, &t.Name, &t.SlotLimit); err != nil {
			rows.Close()
			return nil, err
		}
		ts[t.ID] = t
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slots, err := r.loadSlots(guildID)
	if err != nil {
		return nil, err
	}

	for id, t := range ts {
		channels, err := buildChannels(slots[id])
		if err != nil {
			return nil, fmt.Errorf("tournament %s has corrupt channels: %w", id, err)
		}
		t.Channels = channels
	}

	return ts, nil
}

// loadSlots returns category ID -> slot key -> channel ID for a guild
func (r *Repository) loadSlots(guildID string) (map[string]map[string]string, error) {
	rows, err := r.db.Query(
		`SELECT category_id, slot_key, channel_id FROM tournament_channels WHERE guild_id = ?`,
		guildID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := make(map[string]map[string]string)
	for rows.Next() {
		var categoryID, key, channelID string
		if err := rows.Scan(&categoryID, &key, &channelID); err != nil {
			return nil, err
		}
		if slots[categoryID] == nil {
			slots[categoryID] = make(map[string]string)
		}
		slots[categoryID][key] = channelID
	}

	return slots, rows.Err()
}

// persistGuild replaces a guild's stored registry with ts in one transaction
func (r *Repository) persistGuild(guildID string, ts Tournaments) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tournament_channels WHERE guild_id = ?`, guildID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tournaments WHERE guild_id = ?`, guildID); err != nil {
		return err
	}

	for id, t := range ts {
		if err := insertTournament(tx, guildID, id, t); err != nil {
			return fmt.Errorf("tournament %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func insertTournament(tx *sql.Tx, guildID, categoryID string, t *Tournament) error {
	if t.ID != categoryID {
		return fmt.Errorf("record ID %q does not match registry key", t.ID)
	}

	if _, err := tx.Exec(
		`INSERT INTO tournaments (guild_id, category_id, creator_id, created_at, name, slot_limit) VALUES (?, ?, ?, ?, ?, ?)`,
		guildID, categoryID, t.CreatorID, t.CreatedAt, NormalizeName(t.Name), t.SlotLimit,
	); err != nil {
		return err
	}

	insert := func(key, channelID string) error {
		_, err := tx.Exec(
			`INSERT INTO tournament_channels (guild_id, category_id, slot_key, channel_id) VALUES (?, ?, ?, ?)`,
			guildID, categoryID, key, channelID,
		)
		return err
	}

	if err := insert(SlotChat, t.Channels.Chat); err != nil {
		return err
	}
	if err := insert(SlotLobby, t.Channels.Lobby); err != nil {
		return err
	}
	for i, channelID := range t.Channels.Tables {
		if err := insert(strconv.Itoa(i+1), channelID); err != nil {
			return err
		}
	}
	return nil
}
