package tournament

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/flor3z/tournament-bot/internal/storage"
	"golang.org/x/sync/errgroup"
)

// sweepConcurrency bounds how many guilds are cleaned at once
const sweepConcurrency = 4

// SweepResult summarizes one auto-clean pass
type SweepResult struct {
	Guilds     int
	Stopped    int
	Incomplete int // stopped, but some resources could not be deleted
}

// Sweep stops every tournament older than its guild's auto-clean horizon.
// Guilds with auto-clean disabled are skipped. Guilds are processed concurrently;
// a failure in one guild does not stop the others.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	guilds, err := m.store.GuildsWithTournaments()
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list guilds: %w", err)
	}

	now := m.now()
	var stopped, incomplete atomic.Int64

	var g errgroup.Group
	g.SetLimit(sweepConcurrency)

	for _, guildID := range guilds {
		guildID := guildID
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			settings, err := m.store.GetGuildSettings(guildID)
			if err != nil {
				return fmt.Errorf("guild %s: failed to load settings: %w", guildID, err)
			}
			if !settings.AutoCleanEnabled() {
				return nil
			}

			list, err := m.store.ListTournaments(guildID)
			if err != nil {
				return fmt.Errorf("guild %s: failed to list tournaments: %w", guildID, err)
			}

			log := m.opLogger("autoclean", guildID)
			for _, t := range list {
				if now.Before(t.ExpiresAt(settings.AutoCleanHours)) {
					continue
				}
				// Cancellation is only honored between tournaments
				if ctx.Err() != nil {
					return ctx.Err()
				}

				report, err := m.remove(ctx, log, guildID, func(ts storage.Tournaments) *storage.Tournament {
					return ts[t.ID]
				})
				if err != nil {
					return fmt.Errorf("guild %s: %w", guildID, err)
				}
				if report == nil {
					// stopped by a command since the list was read
					continue
				}
				stopped.Add(1)
				if !report.Complete() {
					incomplete.Add(1)
				}
			}
			return nil
		})
	}

	err = g.Wait()
	return SweepResult{
		Guilds:     len(guilds),
		Stopped:    int(stopped.Load()),
		Incomplete: int(incomplete.Load()),
	}, err
}
