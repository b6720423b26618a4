package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// refreshCronParser accepts standard five-field expressions and descriptors
// such as @hourly or @every 15m.
var refreshCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a refresh schedule. Schedules are evaluated in UTC, so
// timezone prefixes are rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("refresh schedule is required")
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("refresh schedule must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := refreshCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule: %w", err)
	}
	return schedule, nil
}

// Refresher is the part of Engine the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context) (Snapshot, error)
}

// RefreshSchedulerConfig configures a RefreshScheduler.
type RefreshSchedulerConfig struct {
	Refresher Refresher
	// Schedule is used as is when set; otherwise Expr is parsed.
	Schedule cron.Schedule
	Expr     string
	// OnRefresh observes every scheduled refresh.
	OnRefresh func(Snapshot, error)
	Now       func() time.Time
	Logger    *slog.Logger
}

// RefreshScheduler refreshes the catalog on a cron schedule.
type RefreshScheduler struct {
	refresher Refresher
	schedule  cron.Schedule
	onRefresh func(Snapshot, error)
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRefreshScheduler creates a scheduler. It does not start it.
func NewRefreshScheduler(cfg RefreshSchedulerConfig) (*RefreshScheduler, error) {
	if cfg.Refresher == nil {
		return nil, errors.New("engine: refresh scheduler refresher is nil")
	}
	schedule := cfg.Schedule
	if schedule == nil {
		parsed, err := ParseSchedule(cfg.Expr)
		if err != nil {
			return nil, err
		}
		schedule = parsed
	}
	if cfg.OnRefresh == nil {
		cfg.OnRefresh = func(Snapshot, error) {}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RefreshScheduler{
		refresher: cfg.Refresher,
		schedule:  schedule,
		onRefresh: cfg.OnRefresh,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Next returns the next scheduled refresh after now.
func (s *RefreshScheduler) Next() time.Time {
	return s.schedule.Next(s.now().UTC())
}

// Start begins scheduled refreshes. Starting a running scheduler is a no-op.
func (s *RefreshScheduler) Start() error {
	if s == nil {
		return errors.New("engine: refresh scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			next := s.Next()
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			s.RunOnce(loopCtx)
		}
	}()
	return nil
}

// Stop ends scheduled refreshes and waits for an in-progress one.
func (s *RefreshScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one refresh and reports it.
func (s *RefreshScheduler) RunOnce(ctx context.Context) {
	snap, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.Warn("scheduled refresh failed", "error", err)
	} else {
		s.logger.Debug("scheduled refresh", "tools", len(snap.Tools), "offline", snap.Offline)
	}
	s.onRefresh(snap, err)
}
