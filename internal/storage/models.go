package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved slot keys that every tournament owns for its whole life
const (
	SlotChat  = "chat"
	SlotLobby = "lobby"
)

// GuildSettings stores per-server configuration
type GuildSettings struct {
	GuildID string
	// VisibilityGroupID is the role that may see tournaments. Empty means everyone.
	VisibilityGroupID string
	// AutoCleanHours is the age after which tournaments are torn down. Negative disables it.
	AutoCleanHours int
	CreatedAt      time.Time
}

// AutoCleanEnabled reports whether tournaments in this guild expire
func (s *GuildSettings) AutoCleanEnabled() bool {
	return s.AutoCleanHours >= 0
}

// Tournament is the registry entry for one provisioned channel bundle
type Tournament struct {
	ID        string // category channel ID, primary key within the guild
	GuildID   string
	CreatorID string
	CreatedAt int64 // UTC epoch seconds
	Name      string
	SlotLimit int // 0 means unlimited
	Channels  Channels
}

// Clone returns a deep copy that can be handed out without sharing the table slice
func (t *Tournament) Clone() *Tournament {
	c := *t
	c.Channels.Tables = append([]string(nil), t.Channels.Tables...)
	return &c
}

// ExpiresAt returns when the tournament becomes eligible for auto-clean
func (t *Tournament) ExpiresAt(hours int) time.Time {
	return time.Unix(t.CreatedAt, 0).UTC().Add(time.Duration(hours) * time.Hour)
}

// Channels maps slot keys to channel IDs. Tables[i] holds table number i+1,
// so the table keys are always the contiguous range 1..len(Tables).
type Channels struct {
	Chat   string
	Lobby  string
	Tables []string
}

// Len returns the number of slot keys, reserved ones included
func (c Channels) Len() int {
	return len(c.Tables) + 2
}

// TableCount returns the number of numbered table channels
func (c Channels) TableCount() int {
	return len(c.Tables)
}

// Table returns the channel ID for table n (1-indexed)
func (c Channels) Table(n int) (string, bool) {
	if n < 1 || n > len(c.Tables) {
		return "", false
	}
	return c.Tables[n-1], true
}

// AddTable appends a table channel and returns its number
func (c *Channels) AddTable(channelID string) int {
	c.Tables = append(c.Tables, channelID)
	return len(c.Tables)
}

// RemoveLastTable drops the highest-numbered table and returns its number and channel ID.
// It returns 0 when there are no tables left.
func (c *Channels) RemoveLastTable() (int, string) {
	n := len(c.Tables)
	if n == 0 {
		return 0, ""
	}
	id := c.Tables[n-1]
	c.Tables = c.Tables[:n-1]
	return n, id
}

// IDs returns every channel ID in slot order: chat, lobby, then tables ascending
func (c Channels) IDs() []string {
	ids := make([]string, 0, c.Len())
	ids = append(ids, c.Chat, c.Lobby)
	return append(ids, c.Tables...)
}

// Keys returns every slot key in slot order
func (c Channels) Keys() []string {
	keys := make([]string, 0, c.Len())
	keys = append(keys, SlotChat, SlotLobby)
	for i := range c.Tables {
		keys = append(keys, strconv.Itoa(i+1))
	}
	return keys
}

// buildChannels assembles Channels from persisted slot rows. Chat and lobby must be
// present and tables numbered 1..N with no gaps.
func buildChannels(slots map[string]string) (Channels, error) {
	var c Channels
	var ok bool

	if c.Chat, ok = slots[SlotChat]; !ok {
		return c, fmt.Errorf("missing %q slot", SlotChat)
	}
	if c.Lobby, ok = slots[SlotLobby]; !ok {
		return c, fmt.Errorf("missing %q slot", SlotLobby)
	}

	tables := len(slots) - 2
	c.Tables = make([]string, tables)
	for key, id := range slots {
		if key == SlotChat || key == SlotLobby {
			continue
		}
		n, err := strconv.Atoi(key)
		if err != nil || n < 1 || n > tables || strconv.Itoa(n) != key {
			return c, fmt.Errorf("table slot %q outside contiguous range 1..%d", key, tables)
		}
		c.Tables[n-1] = id
	}
	return c, nil
}

// NormalizeName returns the case-insensitive form under which names are stored and compared
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Tournaments is a guild's registry keyed by category ID
type Tournaments map[string]*Tournament

// ByName finds a tournament by case-insensitive name
func (ts Tournaments) ByName(name string) *Tournament {
	want := NormalizeName(name)
	for _, t := range ts {
		if t.Name == want {
			return t
		}
	}
	return nil
}
