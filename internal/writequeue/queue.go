package writequeue

import (
	"container/heap"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocaline/transcribe-relay/internal/logger"
)

// Priorities used by the session gateway. Finalization writes must never be
// overtaken by periodic checkpoints for the same conversation.
const (
	PriorityFinal    = 10
	PriorityPeriodic = 1
)

// Op kinds, carried for logging only.
const (
	KindUpsert = "upsert"
	KindCreate = "create"
	KindUpdate = "update"
)

// Op is one durable write. Execute carries the bound statement; the queue
// itself never touches the database.
type Op struct {
	ID         string
	Kind       string
	Table      string
	Priority   int
	Retries    int
	MaxRetries int
	CreatedAt  time.Time
	Execute    func(ctx context.Context) error

	seq uint64
}

// Options tunes the dispatcher. The On* callbacks feed metrics; they must
// not block.
type Options struct {
	MaxConcurrency int
	PollInterval   time.Duration
	MaxRetries     int

	OnDepth func(depth int)
	OnRetry func()
	OnDrop  func()
}

// Queue is an in-process priority queue of durable writes with bounded
// concurrency and retry on transient errors. Persistence latency must never
// reach the audio path, so enqueue is non-blocking and failures beyond the
// retry budget are logged and dropped.
type Queue struct {
	opts Options

	mu       sync.Mutex
	pending  opHeap
	inFlight map[string]struct{}
	seq      uint64

	dropped atomic.Int64

	shutdown chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	logger *logger.Logger
}

// New creates a write queue and starts its dispatcher.
func New(opts Options, log *logger.Logger) *Queue {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	q := &Queue{
		opts:     opts,
		inFlight: make(map[string]struct{}),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   log.WithComponent("write-queue"),
	}
	heap.Init(&q.pending)

	go q.dispatch()

	return q
}

// Enqueue adds an operation. Never blocks.
func (q *Queue) Enqueue(op *Op) {
	if op.MaxRetries == 0 {
		op.MaxRetries = q.opts.MaxRetries
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}

	q.mu.Lock()
	q.seq++
	op.seq = q.seq
	heap.Push(&q.pending, op)
	depth := q.pending.Len()
	q.mu.Unlock()

	if q.opts.OnDepth != nil {
		q.opts.OnDepth(depth)
	}
	q.logger.Debug("operation enqueued",
		slog.String("op_id", op.ID),
		slog.String("kind", op.Kind),
		slog.Int("priority", op.Priority),
		slog.Int("queue_depth", depth))
}

// Depth returns the number of pending operations.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Dropped returns the number of operations abandoned after retry
// exhaustion or permanent failure.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// dispatch polls the queue and launches workers while capacity allows. An
// op whose ID is already in flight stays queued until its twin finishes,
// so the same conversation is never written concurrently.
func (q *Queue) dispatch() {
	defer close(q.done)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.launchReady()
		case <-q.shutdown:
			return
		}
	}
}

func (q *Queue) launchReady() {
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 || len(q.inFlight) >= q.opts.MaxConcurrency {
			q.mu.Unlock()
			return
		}

		op := q.popRunnable()
		if op == nil {
			q.mu.Unlock()
			return
		}
		q.inFlight[op.ID] = struct{}{}
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(op)
	}
}

// popRunnable pops the highest-priority op whose ID is not in flight.
// Blocked ops are set aside and pushed back so ordering is preserved.
// Caller holds q.mu.
func (q *Queue) popRunnable() *Op {
	var blocked []*Op
	var picked *Op

	for q.pending.Len() > 0 {
		op := heap.Pop(&q.pending).(*Op)
		if _, busy := q.inFlight[op.ID]; busy {
			blocked = append(blocked, op)
			continue
		}
		picked = op
		break
	}

	for _, op := range blocked {
		heap.Push(&q.pending, op)
	}
	return picked
}

func (q *Queue) run(op *Op) {
	defer q.wg.Done()

	err := op.Execute(context.Background())

	q.mu.Lock()
	delete(q.inFlight, op.ID)
	depth := q.pending.Len()
	q.mu.Unlock()

	if q.opts.OnDepth != nil {
		q.opts.OnDepth(depth)
	}

	if err == nil {
		q.logger.Debug("operation completed",
			slog.String("op_id", op.ID),
			slog.String("kind", op.Kind),
			slog.Int("retries", op.Retries))
		return
	}

	if !IsTransient(err) {
		q.dropped.Add(1)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop()
		}
		q.logger.Error("operation failed permanently, dropping",
			slog.String("op_id", op.ID),
			slog.String("kind", op.Kind),
			slog.String("table", op.Table),
			slog.String("error", err.Error()))
		return
	}

	op.Retries++
	if op.Retries > op.MaxRetries {
		q.dropped.Add(1)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop()
		}
		q.logger.Error("operation exhausted retries, dropping",
			slog.String("op_id", op.ID),
			slog.String("kind", op.Kind),
			slog.String("table", op.Table),
			slog.Int("retries", op.Retries-1),
			slog.String("error", err.Error()))
		return
	}

	if q.opts.OnRetry != nil {
		q.opts.OnRetry()
	}

	backoff := time.Duration(1<<(op.Retries-1)) * time.Second
	q.logger.Warn("transient failure, scheduling retry",
		slog.String("op_id", op.ID),
		slog.Int("attempt", op.Retries),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()))

	time.AfterFunc(backoff, func() {
		select {
		case <-q.shutdown:
			// Re-enqueue after shutdown would never run.
			q.dropped.Add(1)
		default:
			q.Enqueue(op)
		}
	})
}

// Flush blocks until both the pending queue and the in-flight set are
// empty, or the context expires. Used during graceful shutdown.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		empty := q.pending.Len() == 0 && len(q.inFlight) == 0
		q.mu.Unlock()
		if empty {
			return nil
		}

		q.launchReady()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the dispatcher after draining pending work.
func (q *Queue) Close(ctx context.Context) error {
	err := q.Flush(ctx)
	close(q.shutdown)
	<-q.done
	q.wg.Wait()
	return err
}

// transientMarkers are matched as substrings against error text. The list
// covers driver-level connectivity failures and retriable database states.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"deadlock",
	"too many connections",
	"broken pipe",
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// opHeap orders by priority descending, then FIFO by creation order.
type opHeap []*Op

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *opHeap) Push(x any) {
	*h = append(*h, x.(*Op))
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return op
}
