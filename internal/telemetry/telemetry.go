// Package telemetry provides the fire-and-forget diagnostic sink used by the
// sync engine.
//
// Breadcrumbs and error reports are never used for control flow. Every Sink
// implementation must return promptly and must not panic back into callers;
// wrap slow or untrusted sinks in an AsyncSink.
package telemetry

import (
	"sync"
	"time"
)

// Breadcrumb categories emitted by the engine.
const (
	CategorySync     = "sync"
	CategoryPipeline = "pipeline"
	CategoryRetry    = "pipeline.retry"
	CategoryLock     = "lock"
	CategoryTrigger  = "trigger"
)

// Sink receives lifecycle breadcrumbs and error reports.
type Sink interface {
	Breadcrumb(category, message string, data map[string]interface{})
	ReportError(err error, tags map[string]string)
}

// Nop is a Sink that discards everything.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Breadcrumb(string, string, map[string]interface{}) {}
func (nopSink) ReportError(error, map[string]string)              {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Multi fans every call out to each sink in order.
func Multi(sinks ...Sink) Sink {
	filtered := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

type multiSink []Sink

func (m multiSink) Breadcrumb(category, message string, data map[string]interface{}) {
	for _, s := range m {
		s.Breadcrumb(category, message, data)
	}
}

func (m multiSink) ReportError(err error, tags map[string]string) {
	for _, s := range m {
		s.ReportError(err, tags)
	}
}

// =====================================================
// In-memory recorder
// =====================================================

// Crumb is a recorded breadcrumb.
type Crumb struct {
	Category string
	Message  string
	Data     map[string]interface{}
	At       time.Time
}

// Report is a recorded error report.
type Report struct {
	Err  error
	Tags map[string]string
}

// Recorder keeps everything it receives in memory. It backs the daemon's
// diagnostic dump and is handy in tests.
type Recorder struct {
	mu      sync.Mutex
	crumbs  []Crumb
	reports []Report
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Breadcrumb records a breadcrumb.
func (r *Recorder) Breadcrumb(category, message string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crumbs = append(r.crumbs, Crumb{Category: category, Message: message, Data: copyData(data), At: time.Now()})
}

// ReportError records an error report.
func (r *Recorder) ReportError(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := make(map[string]string, len(tags))
	for k, v := range tags {
		t[k] = v
	}
	r.reports = append(r.reports, Report{Err: err, Tags: t})
}

// Crumbs returns a copy of recorded breadcrumbs, optionally filtered by category.
func (r *Recorder) Crumbs(category ...string) []Crumb {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Crumb, 0, len(r.crumbs))
	for _, c := range r.crumbs {
		if len(category) == 0 || containsString(category, c.Category) {
			out = append(out, c)
		}
	}
	return out
}

// Reports returns a copy of recorded error reports.
func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

func copyData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
