// Package provisioner creates and deletes the Discord channels that make up a
// tournament bundle. Each call is an independent REST request; there are no
// cross-call transactions.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// ErrResourceNotFound means the target channel no longer exists
var ErrResourceNotFound = errors.New("resource not found")

// Permission is a set of access rights applied through a category overwrite
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermConnect
	PermSpeak
)

// PermAll is the full access set granted to a tournament's audience
const PermAll = PermRead | PermWrite | PermConnect | PermSpeak

// Has reports whether p contains every right in q
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// discordBits maps the permission set onto Discord permission bits
func (p Permission) discordBits() int64 {
	var bits int64
	if p.Has(PermRead) {
		bits |= discordgo.PermissionViewChannel
	}
	if p.Has(PermWrite) {
		bits |= discordgo.PermissionSendMessages
	}
	if p.Has(PermConnect) {
		bits |= discordgo.PermissionVoiceConnect
	}
	if p.Has(PermSpeak) {
		bits |= discordgo.PermissionVoiceSpeak
	}
	return bits
}

// Discord provisions channels through a discordgo session
type Discord struct {
	session *discordgo.Session
}

// NewDiscord creates a provisioner backed by the given session
func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{session: session}
}

// CreateCategory creates a channel category and returns its ID
func (d *Discord) CreateCategory(ctx context.Context, guildID, name string) (string, error) {
	return d.create(ctx, guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	})
}

// SetPermissions writes a role overwrite on a channel or category
func (d *Discord) SetPermissions(ctx context.Context, channelID, roleID string, allow, deny Permission) error {
	err := d.session.ChannelPermissionSet(
		channelID,
		roleID,
		discordgo.PermissionOverwriteTypeRole,
		allow.discordBits(),
		deny.discordBits(),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", channelID, classify(err))
	}
	return nil
}

// CreateTextChannel creates a text channel under a category
func (d *Discord) CreateTextChannel(ctx context.Context, guildID, name, categoryID string) (string, error) {
	return d.create(ctx, guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		ParentID: categoryID,
	})
}

// CreateVoiceChannel creates a voice channel under a category. A userLimit of 0 means unlimited.
func (d *Discord) CreateVoiceChannel(ctx context.Context, guildID, name, categoryID string, userLimit int) (string, error) {
	return d.create(ctx, guildID, discordgo.GuildChannelCreateData{
		Name:      name,
		Type:      discordgo.ChannelTypeGuildVoice,
		ParentID:  categoryID,
		UserLimit: userLimit,
	})
}

// DeleteChannel deletes a channel or category
func (d *Discord) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := d.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete channel %s: %w", channelID, classify(err))
	}
	return nil
}

// ChannelsUnder lists the IDs of every channel whose parent is the category
func (d *Discord) ChannelsUnder(ctx context.Context, guildID, categoryID string) ([]string, error) {
	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", classify(err))
	}

	var ids []string
	for _, ch := range channels {
		if ch.ParentID == categoryID {
			ids = append(ids, ch.ID)
		}
	}
	return ids, nil
}

// CategoryOf returns the category a channel belongs to, or "" if it has none
func (d *Discord) CategoryOf(ctx context.Context, channelID string) (string, error) {
	// The gateway cache is authoritative enough and saves a REST call
	if ch, err := d.session.State.Channel(channelID); err == nil {
		return ch.ParentID, nil
	}

	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to get channel %s: %w", channelID, classify(err))
	}
	return ch.ParentID, nil
}

func (d *Discord) create(ctx context.Context, guildID string, data discordgo.GuildChannelCreateData) (string, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create channel %q: %w", data.Name, classify(err))
	}
	return ch.ID, nil
}

// classify maps Discord "unknown channel" responses onto ErrResourceNotFound
func classify(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel {
		return fmt.Errorf("%w: %v", ErrResourceNotFound, err)
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrResourceNotFound, err)
	}
	return err
}
