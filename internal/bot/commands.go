package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/flor3z/tournament-bot/internal/storage"
	"github.com/flor3z/tournament-bot/internal/tournament"
)

var manageChannels int64 = discordgo.PermissionManageChannels

func countOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "count",
		Description: description,
	}
}

// Slash command definitions
func (b *Bot) getCommandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:                     "tournament",
			Description:              "Create and manage tournament channels",
			DefaultMemberPermissions: &manageChannels,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "start",
					Description: "Create a tournament category with a chat, a lobby and table channels",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Tournament name",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "tables",
							Description: "Number of table voice channels (at most 48)",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "slots",
							Description: "Player limit per table (0 = unlimited)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "stop",
					Description: "Delete a tournament and all of its channels",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "name",
							Description: "Tournament name",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "addchannel",
					Description: "Add table channels to the tournament this channel belongs to",
					Options:     []*discordgo.ApplicationCommandOption{countOption("Number of tables to add (default 1)")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "deletechannel",
					Description: "Remove the highest-numbered tables from this tournament",
					Options:     []*discordgo.ApplicationCommandOption{countOption("Number of tables to remove (default 1)")},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "list",
					Description: "List running tournaments in this server",
				},
			},
		},
		{
			Name:                     "tournamentset",
			Description:              "Tournament settings for this server",
			DefaultMemberPermissions: &manageChannels,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "group",
					Description: "Only show new tournaments to this role (@everyone opens them to all)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role",
							Description: "Role that can see tournaments",
							Required:    true,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "autoclean",
					Description: "Delete tournaments this many hours after creation (negative disables)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "hours",
							Description: "Hours until a tournament is deleted",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

// registerCommands registers all slash commands with Discord
func (b *Bot) registerCommands() error {
	slog.Info("Registering slash commands")

	commandDefinitions := b.getCommandDefinitions()
	registeredCommands := make([]*discordgo.ApplicationCommand, 0, len(commandDefinitions))

	for _, cmd := range commandDefinitions {
		registered, err := b.session.ApplicationCommandCreate(
			b.session.State.User.ID,
			"", // Empty string = global command
			cmd,
		)
		if err != nil {
			return fmt.Errorf("failed to register command %s: %w", cmd.Name, err)
		}
		registeredCommands = append(registeredCommands, registered)
		slog.Debug("Registered command", "name", cmd.Name)
	}

	b.commands = registeredCommands
	slog.Info("Slash commands registered", "count", len(registeredCommands))
	return nil
}

// handleStart handles /tournament start
func (b *Bot) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	name := opts.String("name")

	tables, err := tournament.ParseCount("tables", opts.String("tables"), 0)
	if err != nil {
		respondWithMessage(s, i, errorMessage(err))
		return
	}
	slots, err := tournament.ParseCount("slots", opts.String("slots"), 0)
	if err != nil {
		respondWithMessage(s, i, errorMessage(err))
		return
	}

	// Zero falls back to the manager's clock
	createdAt, err := discordgo.SnowflakeTimestamp(i.ID)
	if err != nil {
		createdAt = time.Time{}
	}

	// Provisioning can take longer than the interaction deadline
	deferResponse(s, i)

	// Provisioning is never cut short; a half-built bundle is worse than a slow reply
	ctx := context.Background()

	t, err := b.manager.Create(ctx, tournament.CreateRequest{
		GuildID:   i.GuildID,
		CreatorID: i.Member.User.ID,
		Name:      name,
		Tables:    tables,
		SlotLimit: slots,
		CreatedAt: createdAt,
	})
	if err != nil {
		editResponse(s, i, errorMessage(err))
		return
	}

	editResponse(s, i, fmt.Sprintf("Tournament `%s` is ready with %d table(s). Head to <#%s>!", strings.TrimSpace(name), tables, t.Channels.Chat))
}

// handleStop handles /tournament stop
func (b *Bot) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	deferResponse(s, i)

	ctx := context.Background()

	report, err := b.manager.Stop(ctx, i.GuildID, opts.String("name"))
	if err != nil {
		editResponse(s, i, errorMessage(err))
		return
	}
	editResponse(s, i, stopMessage(report))
}

// handleAddChannel handles /tournament addchannel
func (b *Bot) handleAddChannel(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	b.scale(s, i, opts, b.manager.ScaleUp, "Added")
}

// handleDeleteChannel handles /tournament deletechannel
func (b *Bot) handleDeleteChannel(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	b.scale(s, i, opts, b.manager.ScaleDown, "Removed")
}

type scaleFunc func(ctx context.Context, guildID, categoryID string, count int) (*storage.Tournament, error)

func (b *Bot) scale(s *discordgo.Session, i *discordgo.InteractionCreate, opts options, fn scaleFunc, verb string) {
	count, err := tournament.ParseCount("count", opts.String("count"), 1)
	if err != nil {
		respondWithMessage(s, i, errorMessage(err))
		return
	}

	deferResponse(s, i)

	ctx := context.Background()

	categoryID, err := b.manager.ResolveCategory(ctx, i.ChannelID)
	if err != nil {
		editResponse(s, i, errorMessage(err))
		return
	}

	before := 0
	if t, err := b.manager.Get(i.GuildID, categoryID); err == nil {
		before = t.Channels.TableCount()
	}

	t, err := fn(ctx, i.GuildID, categoryID, count)
	if err != nil {
		editResponse(s, i, errorMessage(err))
		return
	}

	changed := t.Channels.TableCount() - before
	if changed < 0 {
		changed = -changed
	}
	editResponse(s, i, fmt.Sprintf("%s %d table(s). `%s` now has %d.", verb, changed, t.Name, t.Channels.TableCount()))
}

// handleList handles /tournament list
func (b *Bot) handleList(s *discordgo.Session, i *discordgo.InteractionCreate) {
	list, err := b.manager.List(i.GuildID)
	if err != nil {
		slog.Error("Failed to list tournaments", "guildID", i.GuildID, "error", err)
		respondWithMessage(s, i, "Failed to retrieve tournament list.")
		return
	}

	settings, err := b.manager.Settings(i.GuildID)
	if err != nil {
		slog.Error("Failed to load guild settings", "guildID", i.GuildID, "error", err)
		respondWithMessage(s, i, "Failed to retrieve tournament list.")
		return
	}

	respondWithMessage(s, i, listMessage(list, settings))
}

// handleSetGroup handles /tournamentset group
func (b *Bot) handleSetGroup(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	opt, ok := opts["role"]
	if !ok {
		respondWithMessage(s, i, "Please pick a role.")
		return
	}
	role := opt.RoleValue(s, i.GuildID)

	if err := b.manager.SetVisibilityGroup(i.GuildID, role.ID); err != nil {
		slog.Error("Failed to save visibility group", "guildID", i.GuildID, "error", err)
		respondWithMessage(s, i, "Failed to update settings. Please try again.")
		return
	}

	if role.ID == i.GuildID {
		respondWithMessage(s, i, "New tournaments are now visible to everyone.")
		return
	}
	respondWithMessage(s, i, fmt.Sprintf("New tournaments are now only visible for <@&%s>.", role.ID))
}

// handleSetAutoClean handles /tournamentset autoclean
func (b *Bot) handleSetAutoClean(s *discordgo.Session, i *discordgo.InteractionCreate, opts options) {
	opt, ok := opts["hours"]
	if !ok {
		respondWithMessage(s, i, "Please give a number of hours.")
		return
	}
	hours := int(opt.IntValue())

	if err := b.manager.SetAutoCleanHours(i.GuildID, hours); err != nil {
		slog.Error("Failed to save auto-clean hours", "guildID", i.GuildID, "error", err)
		respondWithMessage(s, i, "Failed to update settings. Please try again.")
		return
	}

	if hours < 0 {
		respondWithMessage(s, i, "Tournament auto-clean is disabled.")
		return
	}
	respondWithMessage(s, i, fmt.Sprintf("Tournaments will now be deleted %d hour(s) after they are created.", hours))
}

// Helper functions

type options map[string]*discordgo.ApplicationCommandInteractionDataOption

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) options {
	m := make(options, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

// String returns a string option's value, or "" when it was not given
func (o options) String(name string) string {
	if opt, ok := o[name]; ok {
		return opt.StringValue()
	}
	return ""
}

// errorMessage turns a manager error into something a server admin can act on
func errorMessage(err error) string {
	var perr *tournament.ProvisioningError
	switch {
	case errors.Is(err, tournament.ErrInvalidArgument):
		return "Invalid input: " + strings.TrimPrefix(err.Error(), tournament.ErrInvalidArgument.Error()+": ")
	case errors.Is(err, tournament.ErrNameTaken):
		return "A tournament with that name is already running."
	case errors.Is(err, tournament.ErrNotFound):
		return "No running tournament has that name. Use `/tournament list` to see them."
	case errors.Is(err, tournament.ErrNotATournamentChannel):
		return "This is not a tournament channel. Use this command inside the tournament's category."
	case errors.As(err, &perr):
		msg := fmt.Sprintf("Discord refused to %s `%s`.", perr.Op, perr.Target)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("Discord took too long to %s `%s`.", perr.Op, perr.Target)
		}
		if len(perr.Orphaned) > 0 {
			msg += fmt.Sprintf(" %d channel(s) were created before the failure and must be deleted by hand.", len(perr.Orphaned))
		}
		return msg
	case errors.Is(err, context.DeadlineExceeded):
		return "Discord took too long to respond. Please check the channels and try again."
	default:
		slog.Error("Command failed", "error", err)
		return "Something went wrong. Please try again."
	}
}

func stopMessage(report *tournament.CleanupReport) string {
	if report.Complete() {
		return fmt.Sprintf("Tournament `%s` stopped and its channels deleted.", report.Name)
	}
	return fmt.Sprintf("Tournament `%s` stopped, but %d resource(s) could not be deleted and must be removed by hand.", report.Name, len(report.Failures))
}

func listMessage(list []*storage.Tournament, settings *storage.GuildSettings) string {
	if len(list) == 0 {
		return "No tournaments are running in this server.\nUse `/tournament start` to create one!"
	}

	var sb strings.Builder
	sb.WriteString("**Running Tournaments:**\n\n")
	for idx, t := range list {
		sb.WriteString(fmt.Sprintf("%d. `%s` in <#%s>: %d table(s)", idx+1, t.Name, t.Channels.Chat, t.Channels.TableCount()))
		if t.SlotLimit > 0 {
			sb.WriteString(fmt.Sprintf(", %d slots each", t.SlotLimit))
		}
		sb.WriteString(fmt.Sprintf(", started <t:%d:R>", t.CreatedAt))
		if settings.AutoCleanEnabled() {
			sb.WriteString(fmt.Sprintf(", deleted <t:%d:R>", t.ExpiresAt(settings.AutoCleanHours).Unix()))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func respondWithMessage(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Error("Failed to respond to interaction", "error", err)
	}
}

func deferResponse(s *discordgo.Session, i *discordgo.InteractionCreate) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Error("Failed to defer interaction", "error", err)
	}
}

func editResponse(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	}); err != nil {
		slog.Error("Failed to edit interaction response", "error", err)
	}
}
