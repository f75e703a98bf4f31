// Package orchestrator coordinates sync operations: one lock per sync type,
// a fan-out of pipelines per type, and cooperative cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/lock"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
	"github.com/kimhsiao/memonexus/syncd/internal/uuid"
)

// Runner executes one pipeline job. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Routes maps each sync type to the adapters it fans out to, in run order.
type Routes map[models.SyncType][]pipeline.Adapter

// Types returns the routed types, sorted.
func (r Routes) Types() []models.SyncType {
	set := make(map[models.SyncType]bool, len(r))
	for t := range r {
		set[t] = true
	}
	return models.SortedTypes(set)
}

// CheckpointStore persists incremental windows.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, syncType models.SyncType, providerID string) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
}

// History archives terminal operations.
type History interface {
	SaveOperation(ctx context.Context, op *models.SyncOperation) error
}

// Publisher receives status events.
type Publisher interface {
	Publish(ev status.Event)
}

// Config tunes fetch windows.
type Config struct {
	// Lookback bounds the first window of a provider with no checkpoint.
	// Zero fetches from the beginning.
	Lookback time.Duration
	// SafetyCap is the per-provider record cap.
	SafetyCap int
	// UserID is used when a request does not name one.
	UserID string
}

// DefaultConfig returns a 30 day lookback with a 500 record cap.
func DefaultConfig() Config {
	return Config{
		Lookback:  30 * 24 * time.Hour,
		SafetyCap: 500,
		UserID:    "local",
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpoints enables incremental windows.
func WithCheckpoints(store CheckpointStore) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

// WithHistory archives terminal operations.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithPublisher sends status events to p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(o *Orchestrator) { o.sink = telemetry.OrNop(s) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the operation id generator.
func WithIDGenerator(gen uuid.Generator) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// execution is one accepted operation in flight.
type execution struct {
	op     *models.SyncOperation
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator is the top-level sync coordinator.
type Orchestrator struct {
	locks       *lock.Manager
	runner      Runner
	routes      Routes
	config      Config
	checkpoints CheckpointStore
	history     History
	publisher   Publisher
	sink        telemetry.Sink
	newID       uuid.Generator
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	running map[models.SyncType]*execution
	closed  bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator over routes.
func New(locks *lock.Manager, runner Runner, routes Routes, config Config, opts ...Option) (*Orchestrator, error) {
	if locks == nil || runner == nil {
		return nil, errors.New(errors.ErrConfig, "orchestrator needs a lock manager and a runner")
	}
	for t, adapters := range routes {
		if !t.Valid() {
			return nil, errors.New(errors.ErrConfig, fmt.Sprintf("route for unknown sync type %q", t))
		}
		if len(adapters) == 0 {
			return nil, errors.New(errors.ErrConfig, fmt.Sprintf("sync type %s has no providers", t))
		}
		seen := make(map[string]bool, len(adapters))
		for _, a := range adapters {
			if seen[a.ProviderID()] {
				return nil, errors.New(errors.ErrConfig, fmt.Sprintf("provider %s routed twice for %s", a.ProviderID(), t))
			}
			seen[a.ProviderID()] = true
		}
	}
	if config.SafetyCap <= 0 {
		config.SafetyCap = DefaultConfig().SafetyCap
	}
	if config.UserID == "" {
		config.UserID = DefaultConfig().UserID
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		locks:      locks,
		runner:     runner,
		routes:     routes,
		config:     config,
		sink:       telemetry.Nop,
		newID:      uuid.New,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
		running:    make(map[models.SyncType]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// TypeOutcome is the per-type answer to a sync request.
type TypeOutcome struct {
	Type        models.SyncType        `json:"type"`
	Status      models.OperationStatus `json:"status"`
	Acquired    bool                   `json:"acquired"`
	OperationID string                 `json:"operation_id,omitempty"`
	// CurrentHolder is set when the type is blocked by a running operation.
	CurrentHolder *models.OperationDescriptor `json:"current_holder,omitempty"`
}

// RequestOutcome lists one TypeOutcome per requested type, sorted by type.
type RequestOutcome struct {
	Types []TypeOutcome `json:"types"`
}

// For returns the outcome for t.
func (r RequestOutcome) For(t models.SyncType) (TypeOutcome, bool) {
	for _, o := range r.Types {
		if o.Type == t {
			return o, true
		}
	}
	return TypeOutcome{}, false
}

// Blocked returns the types that were not started.
func (r RequestOutcome) Blocked() []models.SyncType {
	var out []models.SyncType
	for _, o := range r.Types {
		if !o.Acquired {
			out = append(out, o.Type)
		}
	}
	return out
}

// RequestSync starts one operation per requested type whose lock is free and
// returns without waiting for them. Types whose lock is held are reported as
// blocked with the holder; they are not queued.
func (o *Orchestrator) RequestSync(req models.SyncRequest) (RequestOutcome, error) {
	types, err := o.validate(req)
	if err != nil {
		return RequestOutcome{}, err
	}
	if req.UserID == "" {
		req.UserID = o.config.UserID
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.now()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return RequestOutcome{}, errors.New(errors.ErrCancelled, "orchestrator is shutting down")
	}

	o.sink.Breadcrumb(telemetry.CategoryTrigger, "sync requested", map[string]interface{}{
		"types": joinTypes(types),
		"user":  req.UserID,
		"full":  req.Full,
	})

	var outcome RequestOutcome
	for _, t := range types {
		outcome.Types = append(outcome.Types, o.start(t, req))
	}
	return outcome, nil
}

func (o *Orchestrator) validate(req models.SyncRequest) ([]models.SyncType, error) {
	if len(req.Types) == 0 {
		return nil, errors.New(errors.ErrInvalid, "sync request names no types")
	}
	seen := make(map[models.SyncType]bool, len(req.Types))
	for _, t := range req.Types {
		if !t.Valid() {
			return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown sync type %q", t))
		}
		if _, ok := o.routes[t]; !ok {
			return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("no providers configured for %s", t))
		}
		seen[t] = true
	}
	return models.SortedTypes(seen), nil
}

// start must be called with o.mu held.
func (o *Orchestrator) start(t models.SyncType, req models.SyncRequest) TypeOutcome {
	op := &models.SyncOperation{
		ID:        models.UUID(o.newID()),
		Type:      t,
		UserID:    req.UserID,
		Status:    models.OperationQueued,
		StartedAt: o.now(),
	}
	res := o.locks.TryAcquire(models.OperationDescriptor{
		OperationID: string(op.ID),
		Type:        t,
		Name:        op.Name(),
	})
	if !res.Acquired {
		o.blocked(t, res.CurrentHolder)
		return TypeOutcome{Type: t, Status: models.OperationBlocked, CurrentHolder: res.CurrentHolder}
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	exec := &execution{op: op, cancel: cancel, done: make(chan struct{})}
	o.running[t] = exec
	o.wg.Add(1)
	go o.execute(ctx, exec, req)

	return TypeOutcome{Type: t, Status: models.OperationQueued, Acquired: true, OperationID: string(op.ID)}
}

func (o *Orchestrator) blocked(t models.SyncType, holder *models.OperationDescriptor) {
	data := map[string]interface{}{"type": string(t)}
	if holder != nil {
		data["holder_operation_id"] = holder.OperationID
		data["holder_name"] = holder.Name
	}
	o.sink.Breadcrumb(telemetry.CategorySync, "sync blocked", data)
	logging.Info("Sync request blocked by running operation", data)
	o.publish(status.Event{Type: status.EventBlocked, Blocked: &status.Blocked{Type: t, CurrentHolder: holder}})
}

// Cancel asks the running operation of type t to stop at its next
// checkpoint. It does not wait.
func (o *Orchestrator) Cancel(t models.SyncType) error {
	o.mu.Lock()
	exec, ok := o.running[t]
	o.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("no %s sync is running", t))
	}
	exec.cancel()
	o.sink.Breadcrumb(telemetry.CategorySync, "sync cancel requested", map[string]interface{}{
		"type":         string(t),
		"operation_id": string(exec.op.ID),
	})
	logging.Info("Sync cancel requested", map[string]interface{}{"type": string(t), "operation_id": string(exec.op.ID)})
	return nil
}

// Running returns a copy of the in-flight operation for t.
func (o *Orchestrator) Running(t models.SyncType) (*models.SyncOperation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	exec, ok := o.running[t]
	if !ok {
		return nil, false
	}
	return exec.op.Clone(), true
}

// Done returns a channel closed when operation id finishes, or nil if it is
// not running.
func (o *Orchestrator) Done(id string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, exec := range o.running {
		if string(exec.op.ID) == id {
			return exec.done
		}
	}
	return nil
}

// Routes returns the configured route table.
func (o *Orchestrator) Routes() Routes {
	return o.routes
}

// Wait blocks until every accepted operation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown rejects new requests, cancels running operations and waits for
// them until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("Orchestrator stopped", nil)
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrInternal, "operations still running at shutdown", ctx.Err())
	}
}

func (o *Orchestrator) publish(ev status.Event) {
	if o.publisher == nil {
		return
	}
	ev.At = o.now()
	o.publisher.Publish(ev)
}

func joinTypes(types []models.SyncType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
