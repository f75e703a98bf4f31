// Package watch re-syncs the local message store when its files change.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

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

// Config controls a Watcher.
type Config struct {
	Dir string
	// Debounce is how long the directory must be quiet before a sync.
	Debounce time.Duration
	// MinInterval is the minimum gap between watcher-triggered syncs.
	MinInterval time.Duration
	Types       []models.SyncType
	UserID      string
	// Extensions limits which file names count as changes. Empty means all.
	Extensions []string
}

// DefaultConfig watches dir for JSON message files.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Debounce:    500 * time.Millisecond,
		MinInterval: 5 * time.Second,
		Types:       []models.SyncType{models.SyncTypeMessages},
		Extensions:  []string{".json"},
	}
}

// Stats counts what the watcher has seen and done.
type Stats struct {
	Events    int `json:"events"`
	Triggers  int `json:"triggers"`
	Throttled int `json:"throttled"`
	Deferred  int `json:"deferred"`
}

// Watcher turns file system events into debounced, throttled sync requests.
type Watcher struct {
	fsw       *fsnotify.Watcher
	requester Requester
	limiter   *ratelimit.Limiter
	config    Config
	key       string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stats   Stats
}

// New creates a Watcher over config.Dir. limiter may be nil.
func New(requester Requester, limiter *ratelimit.Limiter, config Config) (*Watcher, error) {
	if config.Dir == "" {
		return nil, errors.New(errors.ErrConfig, "watch directory is required")
	}
	if len(config.Types) == 0 {
		config.Types = []models.SyncType{models.SyncTypeMessages}
	}
	if limiter == nil {
		limiter = ratelimit.New()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to create file watcher", err)
	}
	if err := fsw.Add(config.Dir); err != nil {
		fsw.Close()
		return nil, errors.Wrap(errors.ErrConfig, "failed to watch "+config.Dir, err)
	}

	return &Watcher{
		fsw:       fsw,
		requester: requester,
		limiter:   limiter,
		config:    config,
		key:       "watch:" + config.Dir,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins consuming events until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	logging.Info("Local store watcher started", map[string]interface{}{
		"dir":      w.config.Dir,
		"debounce": w.config.Debounce.String(),
	})
}

// Stop ends the watcher and drops any pending sync.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.fsw.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.limiter.Forget(w.key)
	w.fsw.Close()

	logging.Info("Local store watcher stopped", nil)
}

// Stats returns a copy of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn("File watcher error", map[string]interface{}{
				"dir":   w.config.Dir,
				"error": err.Error(),
			})
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !w.relevant(ev) {
		return
	}
	w.mu.Lock()
	w.stats.Events++
	w.mu.Unlock()

	logging.Debug("Local store changed", map[string]interface{}{
		"file": filepath.Base(ev.Name),
		"op":   ev.Op.String(),
	})
	w.limiter.Debounce(w.key, w.config.Debounce, w.fire)
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return false
	}
	if len(w.config.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	for _, want := range w.config.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// fire runs once the directory has been quiet. A throttled or blocked
// request is deferred rather than dropped so the change is picked up.
func (w *Watcher) fire() {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return
	}

	if !w.limiter.Throttle(w.key+":sync", w.config.MinInterval) {
		w.mu.Lock()
		w.stats.Throttled++
		w.mu.Unlock()
		w.retryLater()
		return
	}

	out, err := w.requester.RequestSync(models.SyncRequest{
		Types:       w.config.Types,
		UserID:      w.config.UserID,
		RequestedAt: time.Now(),
	})
	if err != nil {
		logging.ErrorWithCode("Watcher sync request failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"dir": w.config.Dir,
		})
		return
	}

	w.mu.Lock()
	w.stats.Triggers++
	w.mu.Unlock()

	if blocked := out.Blocked(); len(blocked) > 0 {
		logging.Info("Watcher sync blocked by running operation, deferring", map[string]interface{}{
			"dir": w.config.Dir,
		})
		w.retryLater()
	}
}

func (w *Watcher) retryLater() {
	w.mu.Lock()
	w.stats.Deferred++
	w.mu.Unlock()

	wait := w.config.MinInterval
	if w.config.Debounce > wait {
		wait = w.config.Debounce
	}
	w.limiter.Debounce(w.key, wait, w.fire)
}
