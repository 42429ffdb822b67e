// Package syncer copies the events of a source calendar into the bookings
// calendar so they occupy slots, and optionally mirrors them to CalDAV.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"courtbot/internal/models"
	"courtbot/internal/slots"
)

// Target is one calendar that receives copies of the source events.
type Target struct {
	Name       string
	Backend    models.CalendarBackend
	CalendarID string
}

// Config selects the source calendar and the synced window.
type Config struct {
	SourceCalendarID string
	// Days is the number of days, starting today, that are kept in sync.
	Days     int
	DryRun   bool
	Location *time.Location
}

// Result counts what one sync did to one target.
type Result struct {
	Target  string
	Added   int
	Removed int
	Kept    int
}

// Syncer orchestrates the synchronization from the source calendar to the targets.
type Syncer struct {
	logger  *slog.Logger
	source  models.CalendarBackend
	targets []Target
	cfg     Config
	now     func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, source models.CalendarBackend, targets []Target, cfg Config) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Days <= 0 {
		cfg.Days = 7
	}
	return &Syncer{logger: logger, source: source, targets: targets, cfg: cfg, now: time.Now}
}

// SetClock replaces the time source.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// SourceKey identifies one occurrence of a source event. Recurring instances
// share an id upstream, so the start time is part of the key.
func SourceKey(ev *models.Event) string {
	return ev.ID + "_" + ev.StartTime.UTC().Format(time.RFC3339)
}

// Sync performs a full synchronization cycle. A failing target or event does
// not stop the others; all failures are returned together.
func (s *Syncer) Sync(ctx context.Context) ([]Result, error) {
	s.logger.Info("Starting sync cycle.")

	from := slots.Day(s.now().In(s.cfg.Location))
	to := from.AddDate(0, 0, s.cfg.Days)
	sourceEvents, err := s.source.ListEvents(ctx, s.cfg.SourceCalendarID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source events: %w", err)
	}
	s.logger.Info("Fetched source events.", "count", len(sourceEvents))

	var results []Result
	var errs []error
	for _, target := range s.targets {
		res, err := s.reconcile(ctx, target, sourceEvents, from, to)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", target.Name, err))
		}
	}

	s.logger.Info("Sync cycle finished.", "targets", len(results))
	return results, errors.Join(errs...)
}

func (s *Syncer) reconcile(ctx context.Context, target Target, sourceEvents []*models.Event, from, to time.Time) (Result, error) {
	res := Result{Target: target.Name}
	log := s.logger.With("target", target.Name)

	existing, err := target.Backend.ListEvents(ctx, target.CalendarID, from, to)
	if err != nil {
		return res, fmt.Errorf("failed to fetch target events: %w", err)
	}
	// Untagged events are user bookings and are never touched.
	copies := make(map[string][]*models.Event)
	for _, ev := range existing {
		if key := ev.Tag(models.TagSourceEventID); key != "" {
			copies[key] = append(copies[key], ev)
		}
	}

	var errs []error
	for _, src := range sourceEvents {
		key := SourceKey(src)
		if found := copies[key]; len(found) > 0 {
			log.Debug("Event already synced, skipping.", "title", src.Title, "key", key)
			res.Kept++
			// Extra copies left by an interrupted run are removed below.
			copies[key] = found[1:]
			continue
		}

		if s.cfg.DryRun {
			log.Info("[DRY RUN] Would create event", "title", src.Title, "startTime", src.StartTime)
			res.Added++
			continue
		}
		log.Info("New event found, syncing.", "title", src.Title, "startTime", src.StartTime)
		if _, err := target.Backend.InsertEvent(ctx, target.CalendarID, copyOf(src, key, s.cfg.Location)); err != nil {
			log.Error("Failed to sync event", "title", src.Title, "error", err)
			errs = append(errs, fmt.Errorf("insert %s: %w", key, err))
			continue
		}
		res.Added++
	}

	for key, stale := range copies {
		for _, ev := range stale {
			if s.cfg.DryRun {
				log.Info("[DRY RUN] Would delete obsolete event", "title", ev.Title, "key", key)
				res.Removed++
				continue
			}
			log.Info("Deleting obsolete event.", "title", ev.Title, "key", key)
			if err := target.Backend.DeleteEvent(ctx, target.CalendarID, ev.ID); err != nil {
				log.Error("Failed to delete obsolete event", "id", ev.ID, "error", err)
				errs = append(errs, fmt.Errorf("delete %s: %w", ev.ID, err))
				continue
			}
			res.Removed++
		}
	}
	return res, errors.Join(errs...)
}

func copyOf(src *models.Event, key string, loc *time.Location) *models.Event {
	return &models.Event{
		Title:       src.Title,
		Description: src.Description,
		StartTime:   src.StartTime.In(loc),
		EndTime:     src.EndTime.In(loc),
		Location:    src.Location,
		Tags:        map[string]string{models.TagSourceEventID: key},
	}
}
