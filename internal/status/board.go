// Package status keeps the current view of sync operations and serves it to
// pollers and subscribers.
//
// The Board is fed by events pushed from the orchestrator; it never polls
// pipelines. GetStatus is a read-only projection that is safe to call at any
// rate.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/memonexus/syncd/internal/logging"
	"github.com/kimhsiao/memonexus/syncd/internal/models"
)

// EventType names a status event.
type EventType string

const (
	EventStarted   EventType = "sync.started"
	EventProgress  EventType = "sync.progress"
	EventCompleted EventType = "sync.completed"
	EventFailed    EventType = "sync.failed"
	EventCancelled EventType = "sync.cancelled"
	EventBlocked   EventType = "sync.blocked"
)

// TerminalEvent returns the event type announcing status s.
func TerminalEvent(s models.OperationStatus) EventType {
	switch s {
	case models.OperationCompleted:
		return EventCompleted
	case models.OperationCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// Blocked describes a request rejected because the type was locked.
type Blocked struct {
	Type          models.SyncType             `json:"type"`
	CurrentHolder *models.OperationDescriptor `json:"current_holder,omitempty"`
}

// Event is one status change.
type Event struct {
	Type      EventType             `json:"type"`
	Operation *models.SyncOperation `json:"operation,omitempty"`
	Blocked   *Blocked              `json:"blocked,omitempty"`
	At        time.Time             `json:"at"`
}

// LockSource exposes the per-type lock view.
type LockSource interface {
	Snapshot() map[models.SyncType]models.LockState
}

// Status is the Status API response.
type Status struct {
	IsAnyRunning bool                                 `json:"is_any_running"`
	Operations   []*models.SyncOperation              `json:"operations"`
	Locks        map[models.SyncType]models.LockState `json:"locks"`
	GeneratedAt  time.Time                            `json:"generated_at"`
}

// DefaultHistorySize is how many terminal operations are retained.
const DefaultHistorySize = 20

// Board is the push-fed status store.
type Board struct {
	locks       LockSource
	historySize int
	now         func() time.Time

	mu      sync.RWMutex
	active  map[models.SyncType]*models.SyncOperation
	history []*models.SyncOperation
	subs    map[int]chan Event
	nextSub int
	dropped int64
}

// NewBoard creates a Board. locks may be nil.
func NewBoard(locks LockSource, historySize int) *Board {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Board{
		locks:       locks,
		historySize: historySize,
		now:         time.Now,
		active:      make(map[models.SyncType]*models.SyncOperation),
		subs:        make(map[int]chan Event),
	}
}

// Publish applies ev to the board and forwards it to subscribers. Slow
// subscribers lose events rather than stalling the publisher.
func (b *Board) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	if ev.Operation != nil {
		ev.Operation = ev.Operation.Clone()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if op := ev.Operation; op != nil {
		switch ev.Type {
		case EventStarted, EventProgress:
			b.active[op.Type] = op
		case EventCompleted, EventFailed, EventCancelled:
			if cur, ok := b.active[op.Type]; ok && cur.ID == op.ID {
				delete(b.active, op.Type)
			}
			b.archive(op)
		}
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
			logging.Debug("Status subscriber lagging, event dropped", map[string]interface{}{
				"subscriber": id,
				"event":      string(ev.Type),
			})
		}
	}
}

func (b *Board) archive(op *models.SyncOperation) {
	for i, h := range b.history {
		if h.ID == op.ID {
			b.history[i] = op
			return
		}
	}
	b.history = append(b.history, op)
	if over := len(b.history) - b.historySize; over > 0 {
		b.history = append([]*models.SyncOperation(nil), b.history[over:]...)
	}
}

// Subscribe returns a channel receiving every future event and a function
// that ends the subscription.
func (b *Board) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// GetStatus returns the current projection: active operations first, sorted
// by type, then retained terminal operations newest first.
func (b *Board) GetStatus() Status {
	var locks map[models.SyncType]models.LockState
	if b.locks != nil {
		locks = b.locks.Snapshot()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	ops := make([]*models.SyncOperation, 0, len(b.active)+len(b.history))
	for _, op := range b.active {
		ops = append(ops, op.Clone())
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Type < ops[j].Type })
	for i := len(b.history) - 1; i >= 0; i-- {
		ops = append(ops, b.history[i].Clone())
	}

	running := len(b.active) > 0
	for _, l := range locks {
		if l.Locked {
			running = true
		}
	}

	return Status{
		IsAnyRunning: running,
		Operations:   ops,
		Locks:        locks,
		GeneratedAt:  b.now(),
	}
}

// Operation returns the active or retained operation with id.
func (b *Board) Operation(id string) (*models.SyncOperation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, op := range b.active {
		if string(op.ID) == id {
			return op.Clone(), true
		}
	}
	for _, op := range b.history {
		if string(op.ID) == id {
			return op.Clone(), true
		}
	}
	return nil, false
}

// Dropped returns how many subscriber deliveries were skipped.
func (b *Board) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
