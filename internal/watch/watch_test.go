package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/orchestrator"
)

type fakeRequester struct {
	mu       sync.Mutex
	requests []models.SyncRequest
	// blockFirst reports the first n requests as blocked.
	blockFirst int
}

func (f *fakeRequester) RequestSync(req models.SyncRequest) (orchestrator.RequestOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	acquired := len(f.requests) > f.blockFirst
	var out orchestrator.RequestOutcome
	for _, t := range req.Types {
		o := orchestrator.TypeOutcome{Type: t, Acquired: acquired, Status: models.OperationQueued}
		if !acquired {
			o.Status = models.OperationBlocked
			o.CurrentHolder = &models.OperationDescriptor{OperationID: "op-0", Type: t}
		}
		out.Types = append(out.Types, o)
	}
	return out, nil
}

func (f *fakeRequester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func startWatcher(t *testing.T, req Requester, cfg Config) *Watcher {
	t.Helper()
	w, err := New(req, nil, cfg)
	require.NoError(t, err)
	w.Start(context.Background())
	t.Cleanup(w.Stop)
	return w
}

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.Debounce = 30 * time.Millisecond
	cfg.MinInterval = 0
	cfg.UserID = "user-1"
	return cfg
}

func writeFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(`{"id":"`+name+`","timestamp":"2026-03-01T00:00:00Z"}`), 0o644))
}

// TestWatcher_DebouncesBurst verifies a burst of writes becomes one request.
func TestWatcher_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	req := &fakeRequester{}
	w := startWatcher(t, req, testConfig(dir))

	for _, name := range []string{"a.json", "b.json", "c.json", "d.json"} {
		writeFile(t, dir, name)
	}

	assert.Eventually(t, func() bool { return req.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, req.count())

	req.mu.Lock()
	got := req.requests[0]
	req.mu.Unlock()
	assert.Equal(t, []models.SyncType{models.SyncTypeMessages}, got.Types)
	assert.Equal(t, "user-1", got.UserID)

	st := w.Stats()
	assert.GreaterOrEqual(t, st.Events, 4)
	assert.Equal(t, 1, st.Triggers)
}

// TestWatcher_IgnoresOtherFiles verifies files outside the extension list are ignored.
func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	req := &fakeRequester{}
	w := startWatcher(t, req, testConfig(dir))

	writeFile(t, dir, "notes.txt")
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, req.count())
	assert.Zero(t, w.Stats().Events)
}

// TestWatcher_RetriesBlocked verifies a blocked request is retried later.
func TestWatcher_RetriesBlocked(t *testing.T) {
	dir := t.TempDir()
	req := &fakeRequester{blockFirst: 1}
	w := startWatcher(t, req, testConfig(dir))

	writeFile(t, dir, "a.json")

	assert.Eventually(t, func() bool { return req.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, w.Stats().Deferred, 1)
}

// TestWatcher_Throttled verifies a sync inside the minimum interval is deferred.
func TestWatcher_Throttled(t *testing.T) {
	dir := t.TempDir()
	req := &fakeRequester{}
	cfg := testConfig(dir)
	cfg.MinInterval = 300 * time.Millisecond
	w := startWatcher(t, req, cfg)

	writeFile(t, dir, "a.json")
	assert.Eventually(t, func() bool { return req.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "b.json")
	assert.Eventually(t, func() bool { return w.Stats().Throttled >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, req.count())

	assert.Eventually(t, func() bool { return req.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}

// TestWatcher_StopDropsPending verifies nothing fires after Stop.
func TestWatcher_StopDropsPending(t *testing.T) {
	dir := t.TempDir()
	req := &fakeRequester{}
	cfg := testConfig(dir)
	cfg.Debounce = 200 * time.Millisecond
	w, err := New(req, nil, cfg)
	require.NoError(t, err)
	w.Start(context.Background())

	writeFile(t, dir, "a.json")
	assert.Eventually(t, func() bool { return w.Stats().Events >= 1 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, req.count())
}

// TestNew_Invalid verifies configuration errors.
func TestNew_Invalid(t *testing.T) {
	_, err := New(&fakeRequester{}, nil, Config{})
	assert.True(t, errors.Is(err, errors.ErrConfig))

	_, err = New(&fakeRequester{}, nil, DefaultConfig(filepath.Join(t.TempDir(), "missing")))
	assert.True(t, errors.Is(err, errors.ErrConfig))
}
