package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/dedup"
	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
)

// Job describes one pipeline run.
type Job struct {
	Adapter Adapter
	Window  models.FetchWindow
	Scope   models.SyncType
	UserID  string
	// OnProgress, when set, receives the running counters.
	OnProgress func(models.Progress)
}

// Result is what a run accumulated, including on failure.
type Result struct {
	models.Progress
	Attempts int
	Duration time.Duration
}

// Config tunes a Pipeline.
type Config struct {
	Retry RetryPolicy
	// CheckpointEvery is how many records pass between cancellation checks.
	CheckpointEvery int
	// ProgressEvery is how many records pass between OnProgress calls.
	ProgressEvery int
}

// DefaultConfig returns per-record checkpoints and the default retry policy.
func DefaultConfig() Config {
	return Config{
		Retry:           DefaultRetryPolicy(),
		CheckpointEvery: 1,
		ProgressEvery:   25,
	}
}

// Pipeline drives adapters into a dedup.Store, one record at a time.
type Pipeline struct {
	store  dedup.Store
	sink   telemetry.Sink
	config Config
	sleep  func(context.Context, time.Duration) error
	now    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// New creates a Pipeline writing to store.
func New(store dedup.Store, sink telemetry.Sink, config Config, opts ...Option) *Pipeline {
	config.Retry = config.Retry.normalized()
	if config.CheckpointEvery <= 0 {
		config.CheckpointEvery = 1
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = DefaultConfig().ProgressEvery
	}
	p := &Pipeline{
		store:  store,
		sink:   telemetry.OrNop(sink),
		config: config,
		sleep:  waitWithContext,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run is the mutable state of one Run call.
type run struct {
	job      Job
	provider string
	result   Result
	// replay holds ids processed by earlier attempts; a restarted fetch
	// passes over them without counting them again.
	replay  map[string]bool
	current map[string]bool
	sinceCP int
	sinceP  int
}

// Run fetches job.Window from job.Adapter and persists every new record.
//
// Adapter-level failures are retried per the retry policy. Per-record
// failures are counted in Errored and never retried. On cancellation the
// returned error carries errors.ErrCancelled and the counters reflect every
// record handled before the checkpoint that observed it.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	if job.Adapter == nil {
		return Result{}, errors.New(errors.ErrInvalid, "pipeline job has no adapter")
	}
	if err := job.Window.Validate(); err != nil {
		return Result{}, errors.Wrap(errors.ErrInvalid, "invalid fetch window", err)
	}

	r := &run{
		job:      job,
		provider: job.Adapter.ProviderID(),
		replay:   make(map[string]bool),
	}
	start := p.now()
	p.sink.Breadcrumb(telemetry.CategoryPipeline, "pipeline started", map[string]interface{}{
		"provider":   r.provider,
		"scope":      string(job.Scope),
		"safety_cap": job.Window.SafetyCap,
		"since":      formatTime(job.Window.Since),
		"until":      formatTime(job.Window.Until),
	})

	err := p.fetchWithRetry(ctx, r, start)
	r.result.Duration = p.now().Sub(start)
	if job.OnProgress != nil {
		job.OnProgress(r.result.Progress)
	}

	data := map[string]interface{}{
		"provider":  r.provider,
		"scope":     string(job.Scope),
		"fetched":   r.result.Fetched,
		"stored":    r.result.Stored,
		"skipped":   r.result.Skipped,
		"errored":   r.result.Errored,
		"truncated": r.result.Truncated,
		"attempts":  r.result.Attempts,
		"duration":  r.result.Duration,
	}
	if err != nil {
		data["error_code"] = string(errors.CodeOf(err))
	}
	p.sink.Breadcrumb(telemetry.CategoryPipeline, "pipeline completed", data)
	logging.Info("Pipeline completed", data)

	return r.result, err
}

func (p *Pipeline) fetchWithRetry(ctx context.Context, r *run, start time.Time) error {
	policy := p.config.Retry
	for {
		r.result.Attempts++
		r.current = make(map[string]bool)
		err := p.attempt(ctx, r)
		for id := range r.current {
			r.replay[id] = true
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCancelled, "sync cancelled", ctx.Err())
		}
		if !errors.IsRetryable(err) || r.result.Attempts >= policy.MaxAttempts {
			return adapterFailure(r.provider, r.result.Attempts, err)
		}
		delay := policy.Backoff(r.result.Attempts)
		if policy.MaxElapsed > 0 && p.now().Add(delay).Sub(start) > policy.MaxElapsed {
			return adapterFailure(r.provider, r.result.Attempts, err)
		}

		p.sink.Breadcrumb(telemetry.CategoryRetry, "adapter retry scheduled", map[string]interface{}{
			"provider":   r.provider,
			"attempt":    r.result.Attempts,
			"delay":      delay,
			"error_code": string(errors.CodeOf(err)),
		})
		logging.Warn("Adapter fetch failed, retrying", map[string]interface{}{
			"provider": r.provider,
			"attempt":  r.result.Attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if err := p.sleep(ctx, delay); err != nil {
			return errors.Wrap(errors.ErrCancelled, "sync cancelled", err)
		}
	}
}

// attempt performs one fetch call and drains it.
func (p *Pipeline) attempt(ctx context.Context, r *run) error {
	it, err := r.job.Adapter.Fetch(ctx, r.job.UserID, r.job.Window)
	if err != nil {
		return err
	}
	defer it.Close()

	pulled := 0
	for {
		if err := p.checkpoint(ctx, r); err != nil {
			return err
		}
		if limit := r.job.Window.SafetyCap; limit > 0 && pulled >= limit {
			r.result.Truncated = capExceeded(ctx, it)
			return nil
		}

		rec, err := it.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			if it.Truncated() {
				r.result.Truncated = true
			}
			return nil
		}
		var recErr *RecordError
		if stderrors.As(err, &recErr) {
			pulled++
			p.reject(r, recErr)
			continue
		}
		if err != nil {
			return err
		}
		pulled++

		if rec.ExternalID != "" && r.replay[rec.ExternalID] {
			continue
		}
		p.handle(ctx, r, rec)
	}
}

// capExceeded peeks one record past the safety cap. The peeked record is
// discarded; it belongs to the next window. A failed peek counts as
// truncated since the remainder is unknown.
func capExceeded(ctx context.Context, it Iterator) bool {
	_, err := it.Next(ctx)
	if stderrors.Is(err, io.EOF) {
		return it.Truncated()
	}
	return true
}

// checkpoint is where cancellation is observed: between records, never
// inside one.
func (p *Pipeline) checkpoint(ctx context.Context, r *run) error {
	r.sinceCP++
	if r.sinceCP < p.config.CheckpointEvery {
		return nil
	}
	r.sinceCP = 0
	return ctx.Err()
}

// handle dedups and persists a single record.
func (p *Pipeline) handle(ctx context.Context, r *run, rec models.RawRecord) {
	r.result.Fetched++
	defer p.progress(r)

	if rec.ExternalID == "" {
		r.result.Errored++
		logging.Warn("Record without external id dropped", map[string]interface{}{"provider": r.provider})
		return
	}
	r.current[rec.ExternalID] = true

	key := models.ExternalRecordKey{Source: r.job.Scope, ProviderID: r.provider, ExternalID: rec.ExternalID}
	// The write must finish even if cancellation lands mid-record.
	writeCtx := context.WithoutCancel(ctx)

	exists, err := p.store.ExistsByKey(writeCtx, key)
	if err != nil {
		r.result.Errored++
		logRecordError(key, err)
		return
	}
	if exists {
		r.result.Skipped++
		return
	}

	err = p.store.Insert(writeCtx, r.job.UserID, key, rec)
	switch {
	case err == nil:
		r.result.Stored++
	case errors.Is(err, errors.ErrDuplicate):
		r.result.Skipped++
	default:
		r.result.Errored++
		logRecordError(key, errors.Wrap(errors.ErrRecordPersist, "record persist failed", err))
	}
}

// reject counts a source entry the adapter could not decode. Entries seen
// by an earlier attempt are not counted twice.
func (p *Pipeline) reject(r *run, recErr *RecordError) {
	ref := "entry:" + recErr.Ref
	if r.replay[ref] {
		return
	}
	r.current[ref] = true
	r.result.Fetched++
	r.result.Errored++
	logging.Warn("Source entry rejected", map[string]interface{}{
		"provider": r.provider,
		"ref":      recErr.Ref,
		"error":    recErr.Err.Error(),
	})
	p.progress(r)
}

func (p *Pipeline) progress(r *run) {
	if r.job.OnProgress == nil {
		return
	}
	r.sinceP++
	if r.sinceP < p.config.ProgressEvery {
		return
	}
	r.sinceP = 0
	r.job.OnProgress(r.result.Progress)
}

func logRecordError(key models.ExternalRecordKey, err error) {
	logging.ErrorWithCode("Record failed", string(errors.ErrRecordPersist), err, map[string]interface{}{
		"key": key.String(),
	})
}

func adapterFailure(provider string, attempts int, err error) error {
	code := errors.CodeOf(err)
	if code == errors.ErrInternal && errors.IsRetryable(err) {
		code = errors.ErrAdapterNetwork
	}
	return errors.Wrap(code, fmt.Sprintf("%s fetch failed after %d attempt(s)", provider, attempts), err)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
