package persist

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

const (
	// DefaultSweepSchedule runs cleanup at the top of every hour.
	DefaultSweepSchedule = "0 * * * *"
	// DefaultSweepMaxAge expires states a day after their last save.
	DefaultSweepMaxAge = 24 * time.Hour
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// parseCronExpressionUTC parses a five-field cron expression. Timezone
// prefixes are rejected; sweeps are always scheduled in UTC.
func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// SweeperConfig configures the background expiry sweeper.
type SweeperConfig struct {
	Store    Store
	Schedule string
	MaxAge   time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Sweeper periodically removes expired session states and backups from a
// store, following a UTC cron schedule.
type Sweeper struct {
	store    Store
	schedule cron.Schedule
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper instance.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("sweeper store is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultSweepMaxAge
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	schedule, err := parseCronExpressionUTC(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	return &Sweeper{
		store:    cfg.Store,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start begins background sweeping. Calling Start on a running sweeper is
// a no-op.
func (s *Sweeper) Start() error {
	if s == nil {
		return errors.New("sweeper is nil")
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
			next := s.schedule.Next(s.now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop halts background sweeping and waits for the loop to exit.
func (s *Sweeper) Stop(ctx context.Context) error {
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

// RunOnce executes a single cleanup pass and returns what it removed.
func (s *Sweeper) RunOnce(ctx context.Context) CleanupResult {
	if s == nil || s.store == nil {
		return CleanupResult{}
	}

	result, err := s.store.CleanupExpiredStates(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("session state sweep failed", "error", err)
		return CleanupResult{}
	}
	if result.RemovedStates > 0 || result.RemovedBackups > 0 {
		s.logger.Info("session state sweep",
			"removed_states", result.RemovedStates,
			"removed_backups", result.RemovedBackups)
	}
	return result
}

// NextSweep reports when the next sweep would fire after now.
func (s *Sweeper) NextSweep(now time.Time) time.Time {
	return s.schedule.Next(now.UTC())
}
