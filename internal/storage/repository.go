package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles all database operations
type Repository struct {
	db *sql.DB

	defaultAutoCleanHours int

	// Per-guild critical sections for WithTournaments
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRepository creates a new repository with SQLite
func NewRepository(dbPath string, defaultAutoCleanHours int) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps concurrent guilds from hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &Repository{
		db:                    db,
		defaultAutoCleanHours: defaultAutoCleanHours,
		locks:                 make(map[string]*sync.Mutex),
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrations are applied in order, once each. Append only.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS guild_settings (
		guild_id VARCHAR(20) PRIMARY KEY,
		visibility_group_id VARCHAR(20) NOT NULL DEFAULT '',
		autoclean_hours INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tournaments (
		guild_id VARCHAR(20) NOT NULL,
		category_id VARCHAR(20) NOT NULL,
		creator_id VARCHAR(20) NOT NULL,
		created_at INTEGER NOT NULL,
		name VARCHAR(100) NOT NULL,
		slot_limit INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (guild_id, category_id)
	)`,
	`CREATE TABLE IF NOT EXISTS tournament_channels (
		guild_id VARCHAR(20) NOT NULL,
		category_id VARCHAR(20) NOT NULL,
		slot_key VARCHAR(10) NOT NULL,
		channel_id VARCHAR(20) NOT NULL,
		PRIMARY KEY (guild_id, category_id, slot_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tournaments_guild_name ON tournaments(guild_id, name)`,
}

// migrate brings the schema up to the latest version
func (r *Repository) migrate() error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := r.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := r.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration
func (r *Repository) SchemaVersion() (int, error) {
	var v int
	err := r.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Guild settings operations

// GetGuildSettings retrieves guild settings, falling back to defaults for unknown guilds
func (r *Repository) GetGuildSettings(guildID string) (*GuildSettings, error) {
	settings := &GuildSettings{}
	err := r.db.QueryRow(
		`SELECT guild_id, visibility_group_id, autoclean_hours, created_at FROM guild_settings WHERE guild_id = ?`,
		guildID,
	).Scan(&settings.GuildID, &settings.VisibilityGroupID, &settings.AutoCleanHours, &settings.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &GuildSettings{GuildID: guildID, AutoCleanHours: r.defaultAutoCleanHours}, nil
	}
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// SetVisibilityGroup sets the role that may see tournaments. Empty means everyone.
func (r *Repository) SetVisibilityGroup(guildID, roleID string) error {
	_, err := r.db.Exec(
		`INSERT INTO guild_settings (guild_id, visibility_group_id, autoclean_hours) VALUES (?, ?, ?)
		 ON CONFLICT(guild_id) DO UPDATE SET visibility_group_id = excluded.visibility_group_id`,
		guildID, roleID, r.defaultAutoCleanHours,
	)
	return err
}

// SetAutoCleanHours sets the auto-clean horizon. Negative disables auto-clean.
func (r *Repository) SetAutoCleanHours(guildID string, hours int) error {
	_, err := r.db.Exec(
		`INSERT INTO guild_settings (guild_id, visibility_group_id, autoclean_hours) VALUES (?, '', ?)
		 ON CONFLICT(guild_id) DO UPDATE SET autoclean_hours = excluded.autoclean_hours`,
		guildID, hours,
	)
	return err
}
