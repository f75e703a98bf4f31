package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
	"github.com/kimhsiao/memonexus/syncd/internal/pipeline"
	"github.com/kimhsiao/memonexus/syncd/internal/status"
	"github.com/kimhsiao/memonexus/syncd/internal/telemetry"
)

// execute runs every provider routed to the operation's type, one after
// another, then settles the operation and releases the lock.
func (o *Orchestrator) execute(ctx context.Context, exec *execution, req models.SyncRequest) {
	defer o.wg.Done()
	defer close(exec.done)
	defer exec.cancel()

	op := exec.op
	if !o.transition(op, models.OperationRunning) {
		o.finish(exec, models.OperationFailed, errors.ErrInternal, "operation could not start")
		return
	}
	o.publish(status.Event{Type: status.EventStarted, Operation: o.snapshot(op)})
	o.sink.Breadcrumb(telemetry.CategorySync, "sync started", map[string]interface{}{
		"type":         string(op.Type),
		"operation_id": string(op.ID),
		"providers":    len(o.routes[op.Type]),
	})
	logging.Info("Sync started", map[string]interface{}{
		"type":         string(op.Type),
		"operation_id": string(op.ID),
		"full":         req.Full,
	})

	var (
		total      models.Progress
		failures   []models.ProviderResult
		succeeded  int
		cancelled  bool
		authFailed bool
	)

providers:
	for _, adapter := range o.routes[op.Type] {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		provider := adapter.ProviderID()
		window := o.window(ctx, op.Type, provider, req.Full, op.StartedAt)
		prior := total
		res, err := o.runner.Run(ctx, pipeline.Job{
			Adapter: adapter,
			Window:  window,
			Scope:   op.Type,
			UserID:  op.UserID,
			OnProgress: func(p models.Progress) {
				o.progress(op, prior, p)
			},
		})

		total.Add(res.Progress)
		result := models.ProviderResult{Provider: provider, Progress: res.Progress}
		if err != nil {
			result.ErrorCode = string(errors.CodeOf(err))
			result.Error = errors.Summary(err)
		}
		o.recordProvider(op, result, total)

		switch {
		case err == nil:
			succeeded++
			if res.Truncated {
				logging.Warn("Provider hit safety cap, checkpoint not advanced", map[string]interface{}{
					"type":       string(op.Type),
					"provider":   provider,
					"safety_cap": window.SafetyCap,
				})
			} else {
				o.saveCheckpoint(op.Type, provider, window)
			}
		case errors.Is(err, errors.ErrCancelled):
			cancelled = true
			break providers
		case errors.Is(err, errors.ErrAdapterAuth):
			failures = append(failures, result)
			authFailed = true
			o.reportProviderError(op, provider, err)
			break providers
		default:
			failures = append(failures, result)
			o.reportProviderError(op, provider, err)
		}
	}

	switch {
	case cancelled:
		o.finish(exec, models.OperationCancelled, errors.ErrCancelled, "sync cancelled")
	case authFailed:
		o.finish(exec, models.OperationFailed, errors.ErrAdapterAuth, summarize(failures))
	case succeeded == 0 && len(failures) > 0:
		o.finish(exec, models.OperationFailed, errors.ErrorCode(failures[0].ErrorCode), summarize(failures))
	default:
		o.finish(exec, models.OperationCompleted, "", summarize(failures))
	}
}

// window builds the fetch window for one provider. Since comes from the
// provider's checkpoint unless full is set; otherwise from the lookback.
func (o *Orchestrator) window(ctx context.Context, t models.SyncType, provider string, full bool, until time.Time) models.FetchWindow {
	end := until
	w := models.FetchWindow{Until: &end, SafetyCap: o.config.SafetyCap}

	if !full && o.checkpoints != nil {
		cp, err := o.checkpoints.GetCheckpoint(context.WithoutCancel(ctx), t, provider)
		switch {
		case err != nil:
			logging.Warn("Checkpoint lookup failed, using lookback window", map[string]interface{}{
				"type":     string(t),
				"provider": provider,
				"error":    err.Error(),
			})
		case cp != nil:
			since := cp.Time()
			if since.After(end) {
				since = end
			}
			w.Since = &since
			return w
		}
	}

	if o.config.Lookback > 0 {
		since := end.Add(-o.config.Lookback)
		w.Since = &since
	}
	return w
}

func (o *Orchestrator) saveCheckpoint(t models.SyncType, provider string, w models.FetchWindow) {
	if o.checkpoints == nil || w.Until == nil {
		return
	}
	cp := &models.Checkpoint{Type: t, ProviderID: provider, Until: w.Until.Unix()}
	if err := o.checkpoints.SaveCheckpoint(context.Background(), cp); err != nil {
		logging.Warn("Checkpoint save failed", map[string]interface{}{
			"type":     string(t),
			"provider": provider,
			"error":    err.Error(),
		})
	}
}

func (o *Orchestrator) transition(op *models.SyncOperation, to models.OperationStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !models.CanTransition(op.Status, to) {
		logging.Error("Illegal operation transition", nil, map[string]interface{}{
			"operation_id": string(op.ID),
			"from":         string(op.Status),
			"to":           string(to),
		})
		return false
	}
	op.Status = to
	return true
}

func (o *Orchestrator) snapshot(op *models.SyncOperation) *models.SyncOperation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return op.Clone()
}

func (o *Orchestrator) progress(op *models.SyncOperation, prior, current models.Progress) {
	o.mu.Lock()
	total := prior
	total.Add(current)
	op.Progress = total
	snap := op.Clone()
	o.mu.Unlock()
	o.publish(status.Event{Type: status.EventProgress, Operation: snap})
}

func (o *Orchestrator) recordProvider(op *models.SyncOperation, result models.ProviderResult, total models.Progress) {
	o.mu.Lock()
	op.Providers = append(op.Providers, result)
	op.Progress = total
	snap := op.Clone()
	o.mu.Unlock()
	o.publish(status.Event{Type: status.EventProgress, Operation: snap})
}

func (o *Orchestrator) reportProviderError(op *models.SyncOperation, provider string, err error) {
	o.sink.ReportError(err, map[string]string{
		"type":         string(op.Type),
		"operation_id": string(op.ID),
		"provider":     provider,
		"code":         string(errors.CodeOf(err)),
	})
	logging.ErrorWithCode("Provider sync failed", string(errors.CodeOf(err)), err, map[string]interface{}{
		"type":     string(op.Type),
		"provider": provider,
	})
}

// finish settles the operation. The terminal state is archived and published
// before the lock is released, so a caller that sees the lock free also sees
// the final status.
func (o *Orchestrator) finish(exec *execution, to models.OperationStatus, code errors.ErrorCode, summary string) {
	op := exec.op

	o.mu.Lock()
	if models.CanTransition(op.Status, to) {
		op.Status = to
	} else {
		op.Status = models.OperationFailed
	}
	ended := o.now()
	op.EndedAt = &ended
	op.ErrorCode = string(code)
	op.ErrorSummary = summary
	snap := op.Clone()
	if cur, ok := o.running[op.Type]; ok && cur == exec {
		delete(o.running, op.Type)
	}
	o.mu.Unlock()

	if o.history != nil {
		if err := o.history.SaveOperation(context.Background(), snap); err != nil {
			logging.Warn("Operation archive failed", map[string]interface{}{
				"operation_id": string(snap.ID),
				"error":        err.Error(),
			})
		}
	}

	o.publish(status.Event{Type: status.TerminalEvent(snap.Status), Operation: snap})

	data := map[string]interface{}{
		"type":         string(snap.Type),
		"operation_id": string(snap.ID),
		"status":       string(snap.Status),
		"fetched":      snap.Progress.Fetched,
		"stored":       snap.Progress.Stored,
		"skipped":      snap.Progress.Skipped,
		"errored":      snap.Progress.Errored,
		"truncated":    snap.Progress.Truncated,
		"duration_ms":  snap.Duration(ended).Milliseconds(),
	}
	if snap.ErrorCode != "" {
		data["error_code"] = snap.ErrorCode
	}
	o.sink.Breadcrumb(telemetry.CategorySync, "sync finished", data)
	logging.Info("Sync finished", data)

	o.locks.ReleaseHolder(snap.Type, string(snap.ID))
}

// summarize renders failed providers for errorSummary.
func summarize(failures []models.ProviderResult) string {
	if len(failures) == 0 {
		return ""
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s (%s)", f.Provider, f.Error)
	}
	return strings.Join(parts, "; ")
}
