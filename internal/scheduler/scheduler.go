// Package scheduler provides background sync scheduling and the throttled
// manual trigger.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
	"github.com/kimhsiao/memonexus/syncd/internal/ratelimit"
)

// Requester starts sync operations. *orchestrator.Orchestrator satisfies it.
type Requester interface {
	RequestSync(req models.SyncRequest) (orchestrator.RequestOutcome, error)
}

// Scheduler issues periodic sync requests and rate-limits manual ones.
type Scheduler struct {
	requester  Requester
	limiter    *ratelimit.Limiter
	interval   time.Duration
	types      []models.SyncType
	minTrigger time.Duration
	userID     string
	now        func() time.Time

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.RWMutex
	isRunning   bool
	isOnline    bool
	lastRunTime time.Time
	lastOutcome *orchestrator.RequestOutcome
	runs        int
	throttled   int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval           time.Duration // How often to request a sync; zero disables the loop
	Types              []models.SyncType
	MinTriggerInterval time.Duration // Minimum gap between manual triggers of the same types
	UserID             string
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval:           15 * time.Minute,
		Types:              models.AllSyncTypes(),
		MinTriggerInterval: 30 * time.Second,
	}
}

// NewScheduler creates a new Scheduler. limiter may be nil.
func NewScheduler(requester Requester, limiter *ratelimit.Limiter, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}
	types := config.Types
	if len(types) == 0 {
		types = models.AllSyncTypes()
	}

	return &Scheduler{
		requester:  requester,
		limiter:    limiter,
		interval:   config.Interval,
		types:      types,
		minTrigger: config.MinTriggerInterval,
		userID:     config.UserID,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		isOnline:   true,
	}
}

// Start starts the periodic loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	if s.interval <= 0 {
		logging.Info("Periodic sync disabled", nil)
		return
	}

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
		"types":    joinTypes(s.types),
	})
}

// Stop stops the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus pauses periodic requests while offline. Manual triggers
// are unaffected.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				logging.Debug("Skipping periodic sync - scheduler is offline", nil)
				continue
			}
			// Blocked types are reported by the orchestrator; nothing queues.
			_, _ = s.request("schedule", s.types, false)
		}
	}
}

// TriggerSync requests an immediate sync of types, or of the configured
// types when none are given. Repeats within the minimum trigger interval
// are refused with errors.ErrThrottled.
func (s *Scheduler) TriggerSync(types []models.SyncType, full bool) (orchestrator.RequestOutcome, error) {
	if len(types) == 0 {
		types = s.types
	}
	key := "trigger:" + joinTypes(types)
	if !s.limiter.Throttle(key, s.minTrigger) {
		s.mu.Lock()
		s.throttled++
		s.mu.Unlock()
		logging.Info("Manual sync throttled", map[string]interface{}{
			"types":        joinTypes(types),
			"min_interval": s.minTrigger.String(),
		})
		return orchestrator.RequestOutcome{}, errors.New(errors.ErrThrottled, "sync was triggered too recently, try again later")
	}
	return s.request("manual", types, full)
}

func (s *Scheduler) request(trigger string, types []models.SyncType, full bool) (orchestrator.RequestOutcome, error) {
	out, err := s.requester.RequestSync(models.SyncRequest{
		Types:       types,
		UserID:      s.userID,
		RequestedAt: s.now(),
		Full:        full,
	})
	if err != nil {
		logging.ErrorWithCode("Sync request failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"trigger": trigger,
			"types":   joinTypes(types),
		})
		return out, err
	}

	s.mu.Lock()
	s.lastRunTime = s.now()
	s.lastOutcome = &out
	s.runs++
	s.mu.Unlock()

	logging.Info("Sync requested", map[string]interface{}{
		"trigger": trigger,
		"types":   joinTypes(types),
		"blocked": joinTypes(out.Blocked()),
	})
	return out, nil
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning   bool                         `json:"is_running"`
	IsOnline    bool                         `json:"is_online"`
	Interval    string                       `json:"interval"`
	LastRunTime *time.Time                   `json:"last_run_time,omitempty"`
	LastOutcome *orchestrator.RequestOutcome `json:"last_outcome,omitempty"`
	Runs        int                          `json:"runs"`
	Throttled   int                          `json:"throttled"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
		Interval:  s.interval.String(),
		Runs:      s.runs,
		Throttled: s.throttled,
	}
	if !s.lastRunTime.IsZero() {
		t := s.lastRunTime
		status.LastRunTime = &t
	}
	if s.lastOutcome != nil {
		out := *s.lastOutcome
		status.LastOutcome = &out
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func joinTypes(types []models.SyncType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
