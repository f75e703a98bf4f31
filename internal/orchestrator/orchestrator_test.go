package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/memonexus/syncd/internal/adapters/mock"
	"github.com/kimhsiao/memonexus/syncd/internal/dedup"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/lock"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
	"github.com/kimhsiao/memonexus/syncd/internal/uuid"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

var emailProviders = []string{"outlook-inbox", "outlook-sent", "outlook-all-folders", "gmail-search", "gmail-labels"}

// =====================================================
// Fixtures
// =====================================================

type memCheckpoints struct {
	mu sync.Mutex
	m  map[string]models.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{m: make(map[string]models.Checkpoint)}
}

func (c *memCheckpoints) GetCheckpoint(_ context.Context, t models.SyncType, provider string) (*models.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.m[string(t)+"/"+provider]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (c *memCheckpoints) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[string(cp.Type)+"/"+cp.ProviderID] = *cp
	return nil
}

func (c *memCheckpoints) get(t models.SyncType, provider string) (models.Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.m[string(t)+"/"+provider]
	return cp, ok
}

type memHistory struct {
	mu  sync.Mutex
	ops []*models.SyncOperation
}

func (h *memHistory) SaveOperation(_ context.Context, op *models.SyncOperation) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ops = append(h.ops, op.Clone())
	return nil
}

func (h *memHistory) all() []*models.SyncOperation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*models.SyncOperation(nil), h.ops...)
}

type harness struct {
	orch        *orchestrator.Orchestrator
	locks       *lock.Manager
	board       *status.Board
	store       *dedup.MemoryStore
	checkpoints *memCheckpoints
	history     *memHistory
	recorder    *telemetry.Recorder
	clock       *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newHarness(t *testing.T, routes orchestrator.Routes, cfg orchestrator.Config) *harness {
	t.Helper()
	h := &harness{
		locks:       lock.NewManager(nil),
		store:       dedup.NewMemoryStore(),
		checkpoints: newMemCheckpoints(),
		history:     &memHistory{},
		recorder:    telemetry.NewRecorder(),
		clock:       &clock{now: epoch.Add(24 * time.Hour)},
	}
	h.board = status.NewBoard(h.locks, 50)

	pcfg := pipeline.DefaultConfig()
	pcfg.Retry = pipeline.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	pcfg.ProgressEvery = 1
	p := pipeline.New(h.store, h.recorder, pcfg, pipeline.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))

	o, err := orchestrator.New(h.locks, p, routes, cfg,
		orchestrator.WithCheckpoints(h.checkpoints),
		orchestrator.WithHistory(h.history),
		orchestrator.WithPublisher(h.board),
		orchestrator.WithSink(h.recorder),
		orchestrator.WithClock(h.clock.Now),
		orchestrator.WithIDGenerator(uuid.Sequence("op")),
	)
	require.NoError(t, err)
	h.orch = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return h
}

func (h *harness) finished(t *testing.T, id string) *models.SyncOperation {
	t.Helper()
	op, ok := h.board.Operation(id)
	require.True(t, ok, "operation %s not on board", id)
	require.True(t, op.Status.IsTerminal(), "operation %s is %s", id, op.Status)
	return op
}

func adapter(id string, n int) *mock.Adapter {
	return &mock.Adapter{ID: id, Records: mock.Records(id, n, epoch)}
}

func request(types ...models.SyncType) models.SyncRequest {
	return models.SyncRequest{Types: types, UserID: "user-1"}
}

// =====================================================
// Lock and Blocking Tests
// =====================================================

// TestRequestSync_ConcurrentSameType verifies only one of many concurrent
// requests for a type acquires it and the rest see the holder.
func TestRequestSync_ConcurrentSameType(t *testing.T) {
	gate := make(chan struct{})
	slow := adapter("gmail-search", 3)
	slow.Gate = gate
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {slow}}, orchestrator.DefaultConfig())

	const callers = 12
	outcomes := make([]orchestrator.TypeOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
			assert.NoError(t, err)
			outcomes[i], _ = out.For(models.SyncTypeEmails)
		}(i)
	}
	wg.Wait()

	var winner string
	acquired := 0
	for _, o := range outcomes {
		if o.Acquired {
			acquired++
			winner = o.OperationID
		}
	}
	require.Equal(t, 1, acquired)
	for _, o := range outcomes {
		if o.Acquired {
			continue
		}
		assert.Equal(t, models.OperationBlocked, o.Status)
		require.NotNil(t, o.CurrentHolder)
		assert.Equal(t, winner, o.CurrentHolder.OperationID)
		assert.Equal(t, "emails sync", o.CurrentHolder.Name)
	}

	close(gate)
	h.orch.Wait()
	assert.Equal(t, models.OperationCompleted, h.finished(t, winner).Status)
	assert.False(t, h.locks.IsLocked(models.SyncTypeEmails))
}

// TestRequestSync_RapidDouble verifies a second immediate request is blocked
// and publishes a blocked event naming the holder.
func TestRequestSync_RapidDouble(t *testing.T) {
	gate := make(chan struct{})
	slow := adapter("contacts-main", 2)
	slow.Gate = gate
	h := newHarness(t, orchestrator.Routes{models.SyncTypeContacts: {slow}}, orchestrator.DefaultConfig())
	events, stop := h.board.Subscribe(64)
	defer stop()

	first, err := h.orch.RequestSync(request(models.SyncTypeContacts))
	require.NoError(t, err)
	second, err := h.orch.RequestSync(request(models.SyncTypeContacts))
	require.NoError(t, err)

	got, _ := first.For(models.SyncTypeContacts)
	require.True(t, got.Acquired)
	assert.Equal(t, []models.SyncType{models.SyncTypeContacts}, second.Blocked())
	blocked, _ := second.For(models.SyncTypeContacts)
	require.NotNil(t, blocked.CurrentHolder)
	assert.Equal(t, got.OperationID, blocked.CurrentHolder.OperationID)

	var sawBlocked bool
	timeout := time.After(2 * time.Second)
	for !sawBlocked {
		select {
		case ev := <-events:
			if ev.Type == status.EventBlocked {
				sawBlocked = true
				require.NotNil(t, ev.Blocked)
				assert.Equal(t, models.SyncTypeContacts, ev.Blocked.Type)
				assert.Equal(t, got.OperationID, ev.Blocked.CurrentHolder.OperationID)
			}
		case <-timeout:
			t.Fatal("no blocked event")
		}
	}

	close(gate)
	h.orch.Wait()
}

// TestRequestSync_IndependentTypes verifies types lock independently and both
// complete.
func TestRequestSync_IndependentTypes(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{
		models.SyncTypeEmails:   {adapter("gmail-search", 4)},
		models.SyncTypeContacts: {adapter("contacts-main", 3)},
	}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails, models.SyncTypeContacts))
	require.NoError(t, err)
	require.Len(t, out.Types, 2)
	assert.Equal(t, models.SyncTypeContacts, out.Types[0].Type)
	assert.Empty(t, out.Blocked())

	h.orch.Wait()
	for _, o := range out.Types {
		assert.Equal(t, models.OperationCompleted, h.finished(t, o.OperationID).Status)
	}
	st := h.board.GetStatus()
	assert.False(t, st.IsAnyRunning)

	n, err := h.store.Count(context.Background(), models.SyncTypeEmails)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = h.store.Count(context.Background(), models.SyncTypeContacts)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// =====================================================
// Cancellation Tests
// =====================================================

// TestCancel_MidRun verifies cancellation keeps partial counters, releases the
// lock and lets a new request run.
func TestCancel_MidRun(t *testing.T) {
	gate := make(chan struct{})
	slow := adapter("gmail-search", 5)
	slow.Gate = gate
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {slow}}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	first, _ := out.For(models.SyncTypeEmails)
	done := h.orch.Done(first.OperationID)
	require.NotNil(t, done)

	for i := 0; i < 3; i++ {
		gate <- struct{}{}
	}
	require.NoError(t, h.orch.Cancel(models.SyncTypeEmails))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled operation did not finish")
	}

	op := h.finished(t, first.OperationID)
	assert.Equal(t, models.OperationCancelled, op.Status)
	assert.Equal(t, 3, op.Progress.Stored)
	assert.Equal(t, string(errors.ErrCancelled), op.ErrorCode)
	assert.False(t, h.locks.IsLocked(models.SyncTypeEmails))
	_, ok := h.checkpoints.get(models.SyncTypeEmails, "gmail-search")
	assert.False(t, ok, "cancelled run must not advance the checkpoint")

	close(gate)
	out, err = h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	second, _ := out.For(models.SyncTypeEmails)
	require.True(t, second.Acquired)
	h.orch.Wait()

	op = h.finished(t, second.OperationID)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.Equal(t, 2, op.Progress.Stored)
	assert.Equal(t, 3, op.Progress.Skipped)
}

// TestCancel_NothingRunning verifies cancelling an idle type is NOT_FOUND.
func TestCancel_NothingRunning(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {adapter("gmail-search", 1)}}, orchestrator.DefaultConfig())
	err := h.orch.Cancel(models.SyncTypeEmails)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestShutdown verifies running operations end cancelled and new requests are
// refused.
func TestShutdown(t *testing.T) {
	gate := make(chan struct{})
	slow := adapter("gmail-search", 5)
	slow.Gate = gate
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {slow}}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	gate <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Shutdown(ctx))

	got, _ := out.For(models.SyncTypeEmails)
	assert.Equal(t, models.OperationCancelled, h.finished(t, got.OperationID).Status)

	_, err = h.orch.RequestSync(request(models.SyncTypeEmails))
	assert.True(t, errors.Is(err, errors.ErrCancelled))
}

// =====================================================
// Fan-out Tests
// =====================================================

// TestFanOut_AllProviders verifies an emails sync runs every provider in order
// and sums their counters.
func TestFanOut_AllProviders(t *testing.T) {
	var adapters []pipeline.Adapter
	for i, id := range emailProviders {
		adapters = append(adapters, adapter(id, i+1))
	}
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: adapters}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	op := h.finished(t, got.OperationID)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.Equal(t, 15, op.Progress.Stored)
	assert.Equal(t, 15, op.Progress.Fetched)
	assert.Empty(t, op.ErrorSummary)
	require.Len(t, op.Providers, len(emailProviders))
	for i, id := range emailProviders {
		assert.Equal(t, id, op.Providers[i].Provider)
		assert.Equal(t, i+1, op.Providers[i].Progress.Stored)
	}
}

// TestFanOut_AuthStops verifies a permanent auth failure ends the operation
// without running later providers.
func TestFanOut_AuthStops(t *testing.T) {
	first := adapter("outlook-inbox", 2)
	broken := &mock.Adapter{ID: "outlook-sent", FetchErrors: []error{mock.AuthError("token revoked")}}
	last := adapter("gmail-search", 2)
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {first, broken, last}}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	op := h.finished(t, got.OperationID)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.Equal(t, string(errors.ErrAdapterAuth), op.ErrorCode)
	assert.Contains(t, op.ErrorSummary, "outlook-sent")
	assert.Equal(t, 2, op.Progress.Stored)
	assert.Equal(t, 1, broken.Calls())
	assert.Zero(t, last.Calls())
	require.Len(t, op.Providers, 2)
	assert.True(t, op.Providers[1].Failed())
	require.Len(t, h.recorder.Reports(), 1)
}

// TestFanOut_PartialFailure verifies one exhausted provider leaves the
// operation completed with a summary.
func TestFanOut_PartialFailure(t *testing.T) {
	flaky := &mock.Adapter{ID: "gmail-labels", FetchErrors: []error{
		mock.NetworkError("reset"), mock.NetworkError("reset"), mock.NetworkError("reset"),
	}}
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {adapter("gmail-search", 3), flaky}}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	op := h.finished(t, got.OperationID)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.Empty(t, op.ErrorCode)
	assert.Contains(t, op.ErrorSummary, "gmail-labels")
	assert.Equal(t, 3, flaky.Calls())
	require.Len(t, op.Providers, 2)
	assert.Equal(t, string(errors.ErrAdapterNetwork), op.Providers[1].ErrorCode)

	_, ok := h.checkpoints.get(models.SyncTypeEmails, "gmail-search")
	assert.True(t, ok)
	_, ok = h.checkpoints.get(models.SyncTypeEmails, "gmail-labels")
	assert.False(t, ok)
}

// TestFanOut_AllFail verifies the operation fails when no provider succeeds.
func TestFanOut_AllFail(t *testing.T) {
	var adapters []pipeline.Adapter
	for _, id := range []string{"outlook-inbox", "gmail-search"} {
		adapters = append(adapters, &mock.Adapter{ID: id, FetchErrors: []error{
			mock.NetworkError("down"), mock.NetworkError("down"), mock.NetworkError("down"),
		}})
	}
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: adapters}, orchestrator.DefaultConfig())

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	op := h.finished(t, got.OperationID)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.Equal(t, string(errors.ErrAdapterNetwork), op.ErrorCode)
	assert.Contains(t, op.ErrorSummary, "outlook-inbox")
	assert.Contains(t, op.ErrorSummary, "gmail-search")
}

// =====================================================
// Window and Checkpoint Tests
// =====================================================

// TestWindows_CheckpointAndFull verifies the first run uses the lookback, the
// next one resumes from the checkpoint and a full run ignores it.
func TestWindows_CheckpointAndFull(t *testing.T) {
	src := adapter("gmail-search", 3)
	cfg := orchestrator.DefaultConfig()
	cfg.Lookback = 48 * time.Hour
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {src}}, cfg)

	first := h.clock.Now()
	_, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	cp, ok := h.checkpoints.get(models.SyncTypeEmails, "gmail-search")
	require.True(t, ok)
	assert.Equal(t, first.Unix(), cp.Until)

	second := first.Add(time.Hour)
	h.clock.Set(second)
	_, err = h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	third := second.Add(time.Hour)
	h.clock.Set(third)
	full := request(models.SyncTypeEmails)
	full.Full = true
	_, err = h.orch.RequestSync(full)
	require.NoError(t, err)
	h.orch.Wait()

	windows := src.Windows()
	require.Len(t, windows, 3)
	assert.True(t, windows[0].Since.Equal(first.Add(-48*time.Hour)))
	assert.True(t, windows[0].Until.Equal(first))
	assert.True(t, windows[1].Since.Equal(first))
	assert.True(t, windows[1].Until.Equal(second))
	assert.True(t, windows[2].Since.Equal(third.Add(-48*time.Hour)))
	assert.Equal(t, cfg.SafetyCap, windows[2].SafetyCap)
}

// TestWindows_TruncatedKeepsCheckpoint verifies a capped run does not move
// the checkpoint forward.
func TestWindows_TruncatedKeepsCheckpoint(t *testing.T) {
	cfg := orchestrator.DefaultConfig()
	cfg.SafetyCap = 2
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {adapter("gmail-search", 5)}}, cfg)

	out, err := h.orch.RequestSync(request(models.SyncTypeEmails))
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	op := h.finished(t, got.OperationID)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.True(t, op.Progress.Truncated)
	assert.Equal(t, 2, op.Progress.Stored)
	_, ok := h.checkpoints.get(models.SyncTypeEmails, "gmail-search")
	assert.False(t, ok)
}

// =====================================================
// Status and History Tests
// =====================================================

// TestEvents_Lifecycle verifies subscribers see started, progress and a final
// completed event, and the lock is free once the final event is visible.
func TestEvents_Lifecycle(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{models.SyncTypeContacts: {adapter("contacts-main", 3)}}, orchestrator.DefaultConfig())
	events, stop := h.board.Subscribe(256)

	_, err := h.orch.RequestSync(request(models.SyncTypeContacts))
	require.NoError(t, err)
	h.orch.Wait()
	stop()

	var types []status.EventType
	for ev := range events {
		types = append(types, ev.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, status.EventStarted, types[0])
	assert.Equal(t, status.EventCompleted, types[len(types)-1])
	assert.Contains(t, types, status.EventProgress)
	assert.False(t, h.board.GetStatus().IsAnyRunning)
}

// TestHistory_Archived verifies terminal operations reach the history store.
func TestHistory_Archived(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{models.SyncTypeMessages: {adapter("sms", 2)}}, orchestrator.DefaultConfig())

	for i := 0; i < 2; i++ {
		req := request(models.SyncTypeMessages)
		req.Full = true
		_, err := h.orch.RequestSync(req)
		require.NoError(t, err)
		h.orch.Wait()
	}

	ops := h.history.all()
	require.Len(t, ops, 2)
	for i, op := range ops {
		assert.Equal(t, models.UUID(fmt.Sprintf("op-%d", i+1)), op.ID)
		assert.Equal(t, models.OperationCompleted, op.Status)
		require.NotNil(t, op.EndedAt)
	}
	assert.Equal(t, 2, ops[0].Progress.Stored)
	assert.Equal(t, 2, ops[1].Progress.Skipped)
	assert.Equal(t, "user-1", ops[0].UserID)
}

// =====================================================
// Validation Tests
// =====================================================

// TestRequestSync_Invalid verifies malformed requests are rejected whole.
func TestRequestSync_Invalid(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {adapter("gmail-search", 1)}}, orchestrator.DefaultConfig())

	cases := map[string]models.SyncRequest{
		"empty":    {},
		"unknown":  request("faxes"),
		"unrouted": request(models.SyncTypeEmails, models.SyncTypeContacts),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.orch.RequestSync(req)
			assert.True(t, errors.Is(err, errors.ErrInvalid), "got %v", err)
		})
	}
	assert.False(t, h.locks.AnyLocked())
}

// TestRequestSync_DefaultUser verifies the configured user fills an empty one.
func TestRequestSync_DefaultUser(t *testing.T) {
	h := newHarness(t, orchestrator.Routes{models.SyncTypeEmails: {adapter("gmail-search", 1)}}, orchestrator.DefaultConfig())
	out, err := h.orch.RequestSync(models.SyncRequest{Types: []models.SyncType{models.SyncTypeEmails}})
	require.NoError(t, err)
	h.orch.Wait()

	got, _ := out.For(models.SyncTypeEmails)
	assert.Equal(t, "local", h.finished(t, got.OperationID).UserID)
}

// TestNew_InvalidRoutes verifies route tables are checked up front.
func TestNew_InvalidRoutes(t *testing.T) {
	locks := lock.NewManager(nil)
	p := pipeline.New(dedup.NewMemoryStore(), nil, pipeline.DefaultConfig())

	cases := map[string]orchestrator.Routes{
		"unknown type":       {"faxes": {adapter("x", 1)}},
		"no providers":       {models.SyncTypeEmails: {}},
		"duplicate provider": {models.SyncTypeEmails: {adapter("gmail-search", 1), adapter("gmail-search", 1)}},
	}
	for name, routes := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := orchestrator.New(locks, p, routes, orchestrator.DefaultConfig())
			assert.True(t, errors.Is(err, errors.ErrConfig), "got %v", err)
		})
	}

	_, err := orchestrator.New(nil, p, nil, orchestrator.DefaultConfig())
	assert.True(t, errors.Is(err, errors.ErrConfig))
}

// TestRoutes_Types verifies routed types come back sorted.
func TestRoutes_Types(t *testing.T) {
	r := orchestrator.Routes{
		models.SyncTypeMessages: {adapter("sms", 1)},
		models.SyncTypeContacts: {adapter("contacts-main", 1)},
	}
	assert.Equal(t, []models.SyncType{models.SyncTypeContacts, models.SyncTypeMessages}, r.Types())
}
