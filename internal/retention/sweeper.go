// Package retention prunes archived history. Automation clients archive
// instead of deleting; the sweeper hard-deletes those rows, and their
// imported trees, once the retention window has elapsed.
package retention

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
)

// Config tunes the sweep.
type Config struct {
	// Window is how long archived history survives before hard deletion.
	Window time.Duration

	// Schedule is a cron spec for the sweep cadence.
	Schedule string
}

func (c *Config) withDefaults() {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Schedule == "" {
		c.Schedule = "@hourly"
	}
}

// Sweeper runs the periodic retention sweep.
type Sweeper struct {
	cfg  Config
	db   *database.DB
	bus  *events.Bus
	cron *cron.Cron
	log  *slog.Logger
}

// NewSweeper builds a sweeper over the store. bus may be nil.
func NewSweeper(cfg Config, db *database.DB, bus *events.Bus) *Sweeper {
	cfg.withDefaults()
	return &Sweeper{
		cfg: cfg,
		db:  db,
		bus: bus,
		log: slog.Default().With("component", "retention"),
	}
}

// Start schedules the sweep and runs one immediately to catch up after
// downtime.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.sweep); err != nil {
		return fmt.Errorf("retention: schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()

	go s.sweep()

	s.log.Info("Retention sweeper started",
		"window", s.cfg.Window, "schedule", s.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// sweep hard-deletes expired archived history rows and their item trees.
func (s *Sweeper) sweep() {
	pruned, err := s.db.History.PruneArchived(s.cfg.Window)
	if err != nil {
		s.log.Error("Retention sweep failed", "err", err)
		return
	}
	if len(pruned) == 0 {
		return
	}

	for _, item := range pruned {
		if item.StoragePath != nil {
			if err := s.db.Items.Delete(*item.StoragePath); err != nil {
				s.log.Warn("Failed to delete pruned item tree",
					"id", item.ID, "path", *item.StoragePath, "err", err)
			}
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{Type: events.HistoryItemRemoved, JobID: item.ID, JobName: item.Name})
		}
	}

	s.log.Info("Retention sweep pruned archived history", "count", len(pruned))
}
