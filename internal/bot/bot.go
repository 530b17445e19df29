package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/flor3z/tournament-bot/internal/config"
	"github.com/flor3z/tournament-bot/internal/provisioner"
	"github.com/flor3z/tournament-bot/internal/storage"
	"github.com/flor3z/tournament-bot/internal/sweeper"
	"github.com/flor3z/tournament-bot/internal/tournament"
)

// Bot represents the Discord bot instance
type Bot struct {
	config   *config.Config
	session  *discordgo.Session
	repo     *storage.Repository
	manager  *tournament.Manager
	sweeper  *sweeper.Sweeper
	commands []*discordgo.ApplicationCommand
}

// New creates a new Bot instance
func New(cfg *config.Config) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Guild state is enough to resolve channel parents from the cache
	session.Identify.Intents = discordgo.IntentsGuilds

	// Initialize storage
	repo, err := storage.NewRepository(cfg.DatabasePath, cfg.DefaultAutoCleanHours)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	manager := tournament.NewManager(repo, provisioner.NewDiscord(session), slog.Default())

	b := &Bot{
		config:  cfg,
		session: session,
		repo:    repo,
		manager: manager,
		sweeper: sweeper.New(manager, cfg.SweepIntervalSeconds),
	}

	// Register command handlers
	b.registerHandlers()

	return b, nil
}

// Start opens the Discord connection and starts background tasks
func (b *Bot) Start(ctx context.Context) error {
	// Open Discord connection
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	// Register slash commands
	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	// Start the auto-clean sweeper
	if err := b.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the bot. A sweep already tearing down a tournament
// finishes it first; ctx bounds how long that wait may take.
func (b *Bot) Stop(ctx context.Context) error {
	var errs []error

	if b.sweeper != nil {
		if err := b.sweeper.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// Close Discord session
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Discord session: %w", err))
		}
	}

	// Close storage
	if b.repo != nil {
		if err := b.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}

	return errors.Join(errs...)
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("Bot is ready", "guilds", len(r.Guilds))
	})
}

// handleInteraction processes slash command interactions
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.GuildID == "" || i.Member == nil {
		respondWithMessage(s, i, "Tournament commands only work inside a server.")
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	slog.Debug("Received command", "command", data.Name, "subcommand", sub.Name, "guild", i.GuildID)

	switch data.Name + " " + sub.Name {
	case "tournament start":
		b.handleStart(s, i, optionMap(sub.Options))
	case "tournament stop":
		b.handleStop(s, i, optionMap(sub.Options))
	case "tournament addchannel":
		b.handleAddChannel(s, i, optionMap(sub.Options))
	case "tournament deletechannel":
		b.handleDeleteChannel(s, i, optionMap(sub.Options))
	case "tournament list":
		b.handleList(s, i)
	case "tournamentset group":
		b.handleSetGroup(s, i, optionMap(sub.Options))
	case "tournamentset autoclean":
		b.handleSetAutoClean(s, i, optionMap(sub.Options))
	default:
		slog.Warn("Unknown command", "command", data.Name, "subcommand", sub.Name)
	}
}
