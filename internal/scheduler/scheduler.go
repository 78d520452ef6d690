// Package scheduler runs one independent loop per job kind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"opsync/internal/domain"
	"opsync/internal/observability"
)

type Runner interface {
	RunForAllTenants(ctx context.Context, kind domain.JobKind, args domain.JobArgs) (domain.JobSummary, error)
}

type Schedule struct {
	Kind     domain.JobKind
	Enabled  bool
	Interval time.Duration
	// DailyAt ("HH:MM", UTC) replaces Interval when set.
	DailyAt    string
	RunOnStart bool
	// Args builds the kind's arguments for a tick at now.
	Args func(now time.Time) domain.JobArgs
}

type Scheduler struct {
	Runner    Runner
	Schedules []Schedule
	// Grace bounds how long in-flight work may continue after shutdown.
	Grace  time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Run starts every enabled loop and blocks until ctx is done and all loops
// have returned. A kind with malformed schedule or arguments stops alone.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.logger()

	// Work runs on its own context so shutdown can let it finish within Grace.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	loopsDone := make(chan struct{})
	go func() {
		select {
		case <-loopsDone:
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(s.Grace)
		defer t.Stop()
		select {
		case <-loopsDone:
		case <-t.C:
			log.Warn("scheduler grace period elapsed; cancelling in-flight work", "grace", s.Grace)
			cancelWork()
		}
	}()

	var g errgroup.Group
	started := 0
	for _, sch := range s.Schedules {
		if !sch.Enabled {
			log.Info("job kind disabled", "job_kind", sch.Kind)
			continue
		}
		if err := sch.validate(); err != nil {
			log.Error("invalid schedule; loop not started", "job_kind", sch.Kind, "err", err)
			continue
		}
		started++
		g.Go(func() error {
			s.loop(ctx, workCtx, sch)
			return nil
		})
	}
	log.Info("scheduler started", "loops", started)
	err := g.Wait()
	close(loopsDone)
	log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx, workCtx context.Context, sch Schedule) {
	log := s.logger().With("job_kind", sch.Kind)
	first := true
	for {
		var wait time.Duration
		if !(first && sch.RunOnStart) {
			n := s.now()
			wait = sch.next(n).Sub(n)
		}
		first = false

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("job loop stopping")
			return
		case <-timer.C:
		}
		if fatal := s.tick(workCtx, sch, log); fatal {
			log.Error("job loop stopped on invalid arguments")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sch Schedule, log *slog.Logger) (fatal bool) {
	now := s.now()
	args := domain.JobArgs{Now: now}
	if sch.Args != nil {
		args = sch.Args(now)
	}
	sum, err := s.Runner.RunForAllTenants(ctx, sch.Kind, args)
	result := "ok"
	switch {
	case errors.Is(err, domain.ErrInvalidJobArgs):
		result = "invalid"
		fatal = true
	case err != nil:
		result = "error"
		log.Error("job tick failed", "err", err)
	case sum.TenantsFailed > 0:
		result = "partial"
	}
	observability.SchedulerTicks.WithLabelValues(string(sch.Kind), result).Inc()
	return fatal
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (sch Schedule) validate() error {
	if sch.DailyAt != "" {
		_, _, err := ParseDailyAt(sch.DailyAt)
		return err
	}
	if sch.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", domain.ErrInvalidJobArgs)
	}
	return nil
}

func (sch Schedule) next(now time.Time) time.Time {
	if sch.DailyAt != "" {
		h, m, _ := ParseDailyAt(sch.DailyAt)
		return NextDaily(now, h, m)
	}
	return now.Add(sch.Interval)
}

// ParseDailyAt parses "HH:MM" (24h).
func ParseDailyAt(v string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: daily time %q is not HH:MM", domain.ErrInvalidJobArgs, v)
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: daily time %q is not HH:MM", domain.ErrInvalidJobArgs, v)
	}
	return hour, minute, nil
}

// NextDaily is the first hh:mm UTC strictly after now.
func NextDaily(now time.Time, hour, minute int) time.Time {
	now = now.UTC()
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}
