package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kimhsiao/memonexus/syncd/internal/logging"
)

type event struct {
	crumb  *Crumb
	report *Report
}

// AsyncSink decouples callers from a slow sink. Events are queued on a
// bounded buffer and delivered by one goroutine; when the buffer is full new
// events are dropped and counted. Panics in the wrapped sink are recovered.
type AsyncSink struct {
	inner   Sink
	events  chan event
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsyncSink starts delivering to inner with the given buffer size.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		inner:  OrNop(inner),
		events: make(chan event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.events {
		s.deliver(ev)
	}
}

func (s *AsyncSink) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Telemetry sink panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()
	if ev.crumb != nil {
		s.inner.Breadcrumb(ev.crumb.Category, ev.crumb.Message, ev.crumb.Data)
	}
	if ev.report != nil {
		s.inner.ReportError(ev.report.Err, ev.report.Tags)
	}
}

func (s *AsyncSink) enqueue(ev event) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Breadcrumb queues a breadcrumb without blocking.
func (s *AsyncSink) Breadcrumb(category, message string, data map[string]interface{}) {
	s.enqueue(event{crumb: &Crumb{Category: category, Message: message, Data: copyData(data)}})
}

// ReportError queues an error report without blocking.
func (s *AsyncSink) ReportError(err error, tags map[string]string) {
	s.enqueue(event{report: &Report{Err: err, Tags: tags}})
}

// Dropped returns how many events were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.events)
	s.closeMu.Unlock()
	<-s.done
}
