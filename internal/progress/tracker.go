// Package progress maintains the process-wide registry of long-running
// operations. Producers publish monotonic status updates, consumers poll by
// id or subscribe for pushes, and operators cancel through the active-task
// registry. Publishing never fails out-of-band: bad updates are logged and
// dropped.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/archonhq/archon/internal/logging"
)

// OperationType identifies what kind of work an operation performs.
type OperationType string

const (
	OpCrawl          OperationType = "crawl"
	OpUpload         OperationType = "upload"
	OpReEmbed        OperationType = "re_embed"
	OpCodeExtraction OperationType = "code_extraction"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusFetching   Status = "fetching"
	StatusProcessing Status = "processing"
	StatusEmbedding  Status = "embedding"
	StatusStoring    Status = "storing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

// Terminal reports whether the status ends the operation. Terminal records
// are immutable until garbage collection removes them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Operation is a point-in-time snapshot of one operation's progress.
type Operation struct {
	ID        string         `json:"progress_id"`
	Type      OperationType  `json:"type"`
	Status    Status         `json:"status"`
	Progress  int            `json:"progress"`
	Log       string         `json:"log,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (op *Operation) clone() *Operation {
	cp := *op
	cp.Payload = make(map[string]any, len(op.Payload))
	for k, v := range op.Payload {
		cp.Payload[k] = v
	}
	return &cp
}

// Subscriber receives every published snapshot for one operation id.
type Subscriber func(op *Operation)

// Tracker is the process-wide progress registry. All mutation goes through
// its narrow API under a single lock; snapshots returned to callers are
// copies.
type Tracker struct {
	mu          sync.Mutex
	ops         map[string]*Operation
	active      map[string]context.CancelFunc
	subscribers map[string][]Subscriber

	gcAge    time.Duration
	stopGC   chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// NewTracker creates a tracker and starts its garbage-collection sweep.
// Terminal records older than 30 minutes are removed every minute; task
// handles whose record is already terminal are cancelled and dropped.
func NewTracker() *Tracker {
	t := &Tracker{
		ops:         make(map[string]*Operation),
		active:      make(map[string]context.CancelFunc),
		subscribers: make(map[string][]Subscriber),
		gcAge:       30 * time.Minute,
		stopGC:      make(chan struct{}),
		log:         logging.Component("progress"),
	}
	go t.gcLoop(time.Minute)
	return t
}

// Shutdown cancels all outstanding tasks and stops the sweep.
func (t *Tracker) Shutdown() {
	t.stopOnce.Do(func() { close(t.stopGC) })

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.active {
		cancel()
		delete(t.active, id)
	}
}

// NewID allocates an operation id.
func NewID() string { return uuid.NewString() }

// Start registers a new operation in state "starting" and returns a context
// derived from parent that is cancelled when the operation is stopped.
func (t *Tracker) Start(parent context.Context, id string, opType OperationType, payload map[string]any) context.Context {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()

	t.mu.Lock()
	t.ops[id] = &Operation{
		ID:        id,
		Type:      opType,
		Status:    StatusStarting,
		Progress:  0,
		Payload:   mergePayload(nil, payload),
		StartedAt: now,
		UpdatedAt: now,
	}
	t.active[id] = cancel
	snapshot := t.ops[id].clone()
	subs := t.subscribers[id]
	t.mu.Unlock()

	t.notify(subs, snapshot)
	return ctx
}

// Update publishes a progress update. Progress values below the current one
// are clamped upward; updates to terminal records are dropped.
func (t *Tracker) Update(id string, status Status, pct int, logLine string, payload map[string]any) {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok || op.Status.Terminal() {
		t.mu.Unlock()
		if !ok {
			t.log.Debug().Str("progress_id", id).Msg("update for unknown operation dropped")
		}
		return
	}
	if pct < op.Progress {
		pct = op.Progress
	}
	if pct > 100 {
		pct = 100
	}
	op.Status = status
	op.Progress = pct
	op.Log = logLine
	op.Payload = mergePayload(op.Payload, payload)
	op.UpdatedAt = time.Now().UTC()
	snapshot := op.clone()
	subs := t.subscribers[id]
	if status.Terminal() {
		if cancel, live := t.active[id]; live {
			cancel()
			delete(t.active, id)
		}
	}
	t.mu.Unlock()

	t.notify(subs, snapshot)
}

// Complete transitions the operation to "completed" with 100% progress.
// Terminal transitions are idempotent.
func (t *Tracker) Complete(id string, payload map[string]any) {
	t.Update(id, StatusCompleted, 100, "completed", payload)
}

// Error transitions the operation to "error". The message is stored as the
// log line; callers are expected to have redacted it already.
func (t *Tracker) Error(id string, message string) {
	t.Update(id, StatusError, 0, message, nil)
}

// Cancelled publishes the cancelled terminal state. Producers call this when
// they observe Stop at a checkpoint.
func (t *Tracker) Cancelled(id string, payload map[string]any) {
	t.Update(id, StatusCancelled, 0, "cancelled by request", payload)
}

// Get returns a snapshot of the operation, or false when unknown.
func (t *Tracker) Get(id string) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return nil, false
	}
	return op.clone(), true
}

// IsActive reports whether the id is still in the live-task registry.
// Producers consult this at every checkpoint.
func (t *Tracker) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

// Stop removes the operation from the live registry and cancels its context.
// The producer publishes the cancelled state at its next checkpoint. Stopping
// an unknown or already-stopped id is a no-op.
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	cancel, ok := t.active[id]
	if ok {
		delete(t.active, id)
	}
	t.mu.Unlock()

	if ok {
		cancel()
		t.log.Info().Str("progress_id", id).Msg("operation stop requested")
	}
}

// Subscribe registers a push subscriber for the id and returns an unsubscribe
// function. Used by the websocket progress stream.
func (t *Tracker) Subscribe(id string, fn Subscriber) func() {
	t.mu.Lock()
	t.subscribers[id] = append(t.subscribers[id], fn)
	idx := len(t.subscribers[id]) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subscribers[id]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

func (t *Tracker) notify(subs []Subscriber, op *Operation) {
	for _, fn := range subs {
		if fn != nil {
			fn(op)
		}
	}
}

func (t *Tracker) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopGC:
			return
		case <-ticker.C:
			t.sweep(time.Now().UTC())
		}
	}
}

// sweep removes aged-out terminal records and cancels task handles left
// behind when a producer finished between the activity check and its final
// publish.
func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, op := range t.ops {
		if op.Status.Terminal() {
			if cancel, ok := t.active[id]; ok {
				cancel()
				delete(t.active, id)
			}
			if now.Sub(op.UpdatedAt) > t.gcAge {
				delete(t.ops, id)
				delete(t.subscribers, id)
			}
		}
	}
}

func mergePayload(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
