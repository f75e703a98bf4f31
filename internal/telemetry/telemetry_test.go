package telemetry

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	apperrors "github.com/kimhsiao/memonexus/syncd/internal/errors"
	"github.com/kimhsiao/memonexus/syncd/internal/logging"
)

func TestRecorder_FiltersByCategory(t *testing.T) {
	r := NewRecorder()
	r.Breadcrumb(CategoryPipeline, "start", map[string]interface{}{"provider": "gmail"})
	r.Breadcrumb(CategoryRetry, "retry", nil)
	r.ReportError(errors.New("boom"), map[string]string{"type": "emails"})

	assert.Len(t, r.Crumbs(), 2)
	crumbs := r.Crumbs(CategoryRetry)
	require.Len(t, crumbs, 1)
	assert.Equal(t, "retry", crumbs[0].Message)
	require.Len(t, r.Reports(), 1)
	assert.Equal(t, "emails", r.Reports()[0].Tags["type"])
}

func TestRecorder_CopiesData(t *testing.T) {
	r := NewRecorder()
	data := map[string]interface{}{"n": 1}
	r.Breadcrumb(CategorySync, "x", data)
	data["n"] = 2

	assert.Equal(t, 1, r.Crumbs()[0].Data["n"])
}

func TestMulti_SkipsNilAndFansOut(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	m := Multi(a, nil, b)

	m.Breadcrumb(CategorySync, "hello", nil)
	m.ReportError(errors.New("x"), nil)

	assert.Len(t, a.Crumbs(), 1)
	assert.Len(t, b.Crumbs(), 1)
	assert.Len(t, b.Reports(), 1)
}

func TestOrNop(t *testing.T) {
	assert.Equal(t, Nop, OrNop(nil))
	r := NewRecorder()
	assert.Equal(t, Sink(r), OrNop(r))
}

type blockingSink struct {
	release chan struct{}
	got     chan string
}

func (b *blockingSink) Breadcrumb(_, message string, _ map[string]interface{}) {
	<-b.release
	b.got <- message
}

func (b *blockingSink) ReportError(error, map[string]string) {}

func TestAsyncSink_NeverBlocksCaller(t *testing.T) {
	inner := &blockingSink{release: make(chan struct{}), got: make(chan string, 10)}
	s := NewAsyncSink(inner, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Breadcrumb(CategorySync, "m", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Breadcrumb blocked on a slow sink")
	}
	assert.Greater(t, s.Dropped(), int64(0))

	close(inner.release)
	s.Close()
}

type panickySink struct {
	mu    sync.Mutex
	calls int
}

func (p *panickySink) Breadcrumb(string, string, map[string]interface{}) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	panic("sink exploded")
}

func (p *panickySink) ReportError(error, map[string]string) { panic("sink exploded") }

func TestAsyncSink_RecoversPanics(t *testing.T) {
	logging.Init(&bytes.Buffer{}, logging.LevelError)
	inner := &panickySink{}
	s := NewAsyncSink(inner, 8)

	s.Breadcrumb(CategorySync, "one", nil)
	s.ReportError(errors.New("x"), nil)
	s.Breadcrumb(CategorySync, "two", nil)
	s.Close()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	assert.Equal(t, 2, inner.calls)
}

func TestAsyncSink_DeliversInOrderAndDropsAfterClose(t *testing.T) {
	r := NewRecorder()
	s := NewAsyncSink(r, 16)
	s.Breadcrumb(CategorySync, "a", nil)
	s.Breadcrumb(CategorySync, "b", nil)
	s.Close()
	s.Breadcrumb(CategorySync, "late", nil)
	s.Close()

	crumbs := r.Crumbs()
	require.Len(t, crumbs, 2)
	assert.Equal(t, "a", crumbs[0].Message)
	assert.Equal(t, "b", crumbs[1].Message)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestOTelSink_BreadcrumbBecomesSpanEvent(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	sink := NewOTelSink(tp)

	sink.Breadcrumb(CategoryPipeline, "pipeline completed", map[string]interface{}{
		"provider": "outlook-inbox",
		"stored":   4,
		"partial":  true,
	})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, CategoryPipeline, spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	ev := spans[0].Events()[0]
	assert.Equal(t, "pipeline completed", ev.Name)

	attrs := map[string]string{}
	for _, kv := range ev.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "outlook-inbox", attrs["provider"])
	assert.Equal(t, "4", attrs["stored"])
	assert.Equal(t, "true", attrs["partial"])
}

func TestOTelSink_ReportErrorSetsStatus(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	sink := NewOTelSink(tp)

	sink.ReportError(apperrors.New(apperrors.ErrAdapterAuth, "token revoked"), map[string]string{"type": "emails"})
	sink.ReportError(nil, nil)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, otelcodes.Error, spans[0].Status().Code)
	assert.Equal(t, "ADAPTER_AUTH: token revoked", spans[0].Status().Description)
}

func TestLogSink_WritesThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.New(&buf, logging.LevelDebug))

	sink.Breadcrumb(CategoryLock, "lock acquired", map[string]interface{}{"type": "emails"})
	sink.ReportError(apperrors.New(apperrors.ErrAdapterNetwork, "reset"), map[string]string{"provider": "gmail"})

	out := buf.String()
	assert.Contains(t, out, `"message":"lock acquired"`)
	assert.Contains(t, out, `"category":"lock"`)
	assert.Contains(t, out, `"code":"ADAPTER_NETWORK"`)
	assert.Contains(t, out, `"provider":"gmail"`)
}
