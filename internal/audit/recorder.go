package audit

import (
	"context"
	"sync"
	"time"

	"yuhak.app/internal/ids"
	"yuhak.app/internal/obs"
	"yuhak.app/internal/stream"
)

const (
	defaultQueueSize = 256
	defaultAttempts  = 3
	defaultBackoff   = 250 * time.Millisecond
	appendTimeout    = 5 * time.Second
)

// Recorder writes audit entries off the request path. Recording is advisory:
// Record never blocks, a full or closed queue drops the entry, and a write
// that still fails after the retry budget is logged and dropped, never
// surfaced to the caller.
type Recorder struct {
	store    Store
	activity *stream.Stream

	queueSize int
	attempts  int
	backoff   time.Duration

	queue chan Entry
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithQueueSize bounds the in-flight entry queue.
func WithQueueSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithAttempts sets the per-entry write attempt budget.
func WithAttempts(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff sets the pause between write attempts.
func WithBackoff(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d >= 0 {
			r.backoff = d
		}
	}
}

// WithActivityStream publishes every accepted entry to the live feed.
func WithActivityStream(s *stream.Stream) RecorderOption {
	return func(r *Recorder) { r.activity = s }
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		queueSize: defaultQueueSize,
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan Entry, r.queueSize)
	return r
}

// Start launches the background writer. Safe to call once.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Close stops accepting entries, drains the queue and waits for the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
	})
	r.wg.Wait()
}

// Record enqueues an entry for asynchronous persistence. Missing identifier
// and timestamp fields are filled in here so callers only describe the
// action itself.
func (r *Recorder) Record(entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if entry.Detail == nil {
		entry.Detail = map[string]any{}
	}

	// The mutex pairs the send with the closed flag: an in-flight request
	// racing Close during shutdown is dropped instead of panicking on the
	// closed channel.
	accepted := false
	r.mu.Lock()
	if !r.closed {
		select {
		case r.queue <- entry:
			accepted = true
		default:
		}
	}
	r.mu.Unlock()

	if !accepted {
		obs.AuditDropped()
		obs.Emit("warn", "audit_entry_dropped", map[string]any{
			"action": entry.Action,
			"actor":  entry.ActorID,
		})
		return
	}

	obs.AuditAccepted(entry.Action)
	if r.activity != nil {
		r.activity.Publish(stream.ActivityEvent{
			Action:      entry.Action,
			ActorID:     entry.ActorID,
			ActorRole:   entry.ActorRole,
			TargetTable: entry.TargetTable,
			TargetID:    entry.TargetID,
			Timestamp:   entry.OccurredAt,
		})
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for entry := range r.queue {
		r.persist(entry)
	}
}

func (r *Recorder) persist(entry Entry) {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err = r.store.Append(ctx, &entry)
		cancel()
		if err == nil {
			return
		}
		if attempt < r.attempts {
			time.Sleep(r.backoff)
		}
	}
	obs.AuditDropped()
	obs.Emit("warn", "audit_write_failed", map[string]any{
		"action": entry.Action,
		"actor":  entry.ActorID,
		"error":  err.Error(),
	})
}
