// Package maintenance runs the cache's periodic upkeep in the background.
//
// The scheduler calls Maintenance on a fixed interval. Consecutive failures are counted, and once the count reaches
// the configured maximum the scheduler disables itself and stays disabled until Enable is called. A disk that keeps
// failing (full, permissions revoked) therefore doesn't turn into a hot retry loop.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nobletooth/tiercache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tiercache_maintenance_cycles_total",
		Help: "Total number of maintenance cycles by trigger and result.",
	}, []string{"trigger" /* scheduled | manual */, "result" /* ok | failed */})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tiercache_maintenance_cycle_seconds",
		Help:    "Duration of maintenance cycles.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	schedulerEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tiercache_maintenance_enabled",
		Help: "1 when scheduled maintenance is enabled, 0 otherwise.",
	})
)

// ErrAlreadyRunning is returned by Start when the background loop is already running.
var ErrAlreadyRunning = errors.New("maintenance scheduler is already running")

// Maintainer is what the scheduler keeps healthy; *cache.Tiered satisfies it.
type Maintainer interface {
	Maintenance() (cache.MaintenanceReport, error)
}

// Config controls scheduled maintenance.
type Config struct {
	Interval    time.Duration `json:"interval"`
	MaxFailures uint32        `json:"max_failures"` // Consecutive failures before the scheduler disables itself.
	Enabled     bool          `json:"enabled"`
}

// DefaultConfig runs maintenance every five minutes and gives up after five consecutive failures.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, MaxFailures: 5, Enabled: true}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive, got %s", cache.ErrInvalidConfig, c.Interval)
	}
	if c.MaxFailures == 0 {
		return fmt.Errorf("%w: maintenance max failures must be positive", cache.ErrInvalidConfig)
	}
	return nil
}

// Status is a snapshot of the scheduler state.
type Status struct {
	Enabled      bool                    `json:"enabled"`
	Running      bool                    `json:"running"`
	FailureCount uint32                  `json:"failure_count"`
	Config       Config                  `json:"config"`
	LastRun      time.Time               `json:"last_run"`
	LastReport   cache.MaintenanceReport `json:"last_report"`
	LastError    string                  `json:"last_error,omitempty"`
}

// Scheduler owns the background maintenance loop. Start and Stop bracket its lifetime; everything else may be
// called at any time, from any goroutine.
type Scheduler struct {
	target Maintainer
	logger *slog.Logger
	// cycleSlot holds a token while a cycle runs, so a manual trigger never overlaps a scheduled one.
	cycleSlot chan struct{}
	// wake re-arms the timer after the config or the enabled flag changed.
	wake chan struct{}

	mux          sync.Mutex // Guards everything below.
	config       Config
	enabled      bool
	failureCount uint32
	lastRun      time.Time
	lastReport   cache.MaintenanceReport
	lastErr      error
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewScheduler validates config and returns a stopped scheduler.
func NewScheduler(target Maintainer, config Config, logger *slog.Logger) (*Scheduler, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: maintenance target is required", cache.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	schedulerEnabled.Set(boolToFloat(config.Enabled))
	return &Scheduler{
		target:    target,
		logger:    logger.With("component", "maintenance"),
		cycleSlot: make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
		config:    config,
		enabled:   config.Enabled,
	}, nil
}

// Start launches the background loop. It runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("Started maintenance scheduler.", "interval", s.config.Interval, "enabled", s.enabled)
	return nil
}

// Stop cancels the background loop and waits for it to exit. A cycle in progress runs to completion first.
func (s *Scheduler) Stop() {
	s.mux.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mux.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Stopped maintenance scheduler.")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		// Release the running state when the parent ctx ended the loop; Stop has already cleared it otherwise.
		s.mux.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mux.Unlock()
		close(done)
	}()
	for {
		s.mux.Lock()
		interval, enabled := s.config.Interval, s.enabled
		s.mux.Unlock()

		// A disabled scheduler parks until it is woken up or cancelled.
		var tick <-chan time.Time
		var timer *time.Timer
		if enabled {
			timer = time.NewTimer(interval)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-tick:
			s.runScheduled(ctx)
		}
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// notify re-arms the loop's timer; a pending notification already covers this one.
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	select {
	case s.cycleSlot <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.cycleSlot }()

	s.mux.Lock()
	enabled := s.enabled
	s.mux.Unlock()
	if !enabled { // Disabled while waiting for the cycle lock.
		return
	}

	report, err := s.runCycle("scheduled")

	s.mux.Lock()
	defer s.mux.Unlock()
	if err == nil {
		s.failureCount = 0
		return
	}
	s.failureCount++
	s.logger.Error("Maintenance cycle failed.", "attempt", s.failureCount, "error", err,
		"memoryExpired", report.MemoryExpired, "diskExpired", report.DiskExpired)
	if s.failureCount >= s.config.MaxFailures && s.enabled {
		s.enabled = false
		schedulerEnabled.Set(0)
		s.logger.Warn("Too many consecutive maintenance failures, disabling maintenance.",
			"failures", s.failureCount, "maxFailures", s.config.MaxFailures)
	}
}

// runCycle runs one maintenance pass and records its outcome. The caller holds the cycle slot.
func (s *Scheduler) runCycle(trigger string) (cache.MaintenanceReport, error) {
	start := time.Now()
	report, err := s.target.Maintenance()
	elapsed := time.Since(start)
	cycleDuration.Observe(elapsed.Seconds())

	s.mux.Lock()
	s.lastRun, s.lastReport, s.lastErr = start, report, err
	s.mux.Unlock()

	if err != nil {
		cycles.WithLabelValues(trigger, "failed").Inc()
		return report, err
	}
	cycles.WithLabelValues(trigger, "ok").Inc()
	s.logger.Debug("Maintenance cycle completed.", "trigger", trigger, "elapsed", elapsed,
		"memoryExpired", report.MemoryExpired, "diskExpired", report.DiskExpired, "sizeEnforced", report.SizeEnforced)
	return report, nil
}

// TriggerMaintenance runs one cycle now, whether or not scheduled maintenance is enabled. It waits for a cycle in
// progress to finish first; ctx only bounds that wait, never the cycle itself. Manual cycles don't touch the
// failure count.
func (s *Scheduler) TriggerMaintenance(ctx context.Context) (cache.MaintenanceReport, error) {
	select {
	case s.cycleSlot <- struct{}{}:
	case <-ctx.Done():
		return cache.MaintenanceReport{}, ctx.Err()
	}
	defer func() { <-s.cycleSlot }()

	s.logger.Info("Manually triggering maintenance.")
	return s.runCycle("manual")
}

// Enable resumes scheduled maintenance and resets the failure count.
func (s *Scheduler) Enable() {
	s.mux.Lock()
	s.enabled = true
	s.failureCount = 0
	s.mux.Unlock()
	schedulerEnabled.Set(1)
	s.logger.Info("Enabled maintenance.")
	s.notify()
}

// Disable stops scheduled maintenance. A cycle already running completes.
func (s *Scheduler) Disable() {
	s.mux.Lock()
	s.enabled = false
	s.mux.Unlock()
	schedulerEnabled.Set(0)
	s.logger.Info("Disabled maintenance.")
	s.notify()
}

// SetConfig swaps the configuration. A new interval applies from the next tick, and the failure count is kept:
// the scheduler stays disabled if the count already reaches the new maximum.
func (s *Scheduler) SetConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.mux.Lock()
	s.config = config
	s.enabled = config.Enabled && s.failureCount < config.MaxFailures
	enabled := s.enabled
	s.mux.Unlock()
	schedulerEnabled.Set(boolToFloat(enabled))
	s.logger.Info("Updated maintenance config.", "interval", config.Interval, "maxFailures", config.MaxFailures,
		"enabled", enabled)
	s.notify()
	return nil
}

func (s *Scheduler) Enabled() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.enabled
}

func (s *Scheduler) FailureCount() uint32 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.failureCount
}

func (s *Scheduler) Status() Status {
	s.mux.Lock()
	defer s.mux.Unlock()
	status := Status{
		Enabled:      s.enabled,
		Running:      s.cancel != nil,
		FailureCount: s.failureCount,
		Config:       s.config,
		LastRun:      s.lastRun,
		LastReport:   s.lastReport,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
