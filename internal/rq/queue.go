package rq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

// Fn is a request body. It may read and mutate entities via the
// request context, call into rpc and fail; mutations are collected on
// the context and persisted in the commit phase.
type Fn func(ctx context.Context) (any, error)

// Done is invoked exactly once per request. With the default options
// it runs after the persistence phase completes; errors inside it are
// logged and never poison the worker.
type Done func(err error, res any)

// PushOpts modify a single enqueue.
type PushOpts struct {
	// Close flips the queue into a draining state that refuses
	// further enqueues after this item.
	Close bool

	// NoWaitPers runs onDone right after the in-memory mutations;
	// persistence may still be flushing when it fires.
	NoWaitPers bool
}

type item struct {
	tag    string
	fn     Fn
	onDone Done
	opts   PushOpts
}

// Queue is a single-consumer FIFO executor for one work owner.
// Enqueue order = execution order = commit order.
type Queue struct {
	owner string

	w      *world.World
	gw     *pers.Gateway
	budget time.Duration

	mu     sync.Mutex
	items  []*item
	closed bool

	wake     chan struct{}
	released chan struct{}

	onRelease func(*Queue)
}

func newQueue(owner string, w *world.World, gw *pers.Gateway, budget time.Duration, onRelease func(*Queue)) *Queue {
	q := &Queue{
		owner:     owner,
		w:         w,
		gw:        gw,
		budget:    budget,
		wake:      make(chan struct{}, 1),
		released:  make(chan struct{}),
		onRelease: onRelease,
	}
	go q.worker()
	return q
}

// Owner returns the work owner this queue serializes on.
func (q *Queue) Owner() string { return q.owner }

// Len returns the observable queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Push enqueues a request. Enqueues after a close item are rejected
// with ErrQueueClosed.
func (q *Queue) Push(tag string, fn Fn, onDone Done, opts PushOpts) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", q.owner, eserr.ErrQueueClosed)
	}
	q.items = append(q.items, &item{tag: tag, fn: fn, onDone: onDone, opts: opts})
	if opts.Close {
		q.closed = true
	}
	depth := len(q.items)
	q.mu.Unlock()

	metrics.RequestQueueDepth.WithLabelValues(string(q.owner[0])).Set(float64(depth))
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain refuses further enqueues and lets the worker exit once the
// backlog is committed. In-flight work is never cancelled;
// persistence writes are still permitted during the drain.
func (q *Queue) Drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Reopen cancels a pending drain, accepting new work again. The unload
// flow uses it when a location turns out to be occupied after all.
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// Released is closed when the worker has drained and exited.
func (q *Queue) Released() <-chan struct{} { return q.released }

func (q *Queue) pop() (*item, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false, q.closed
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true, q.closed
}

func (q *Queue) worker() {
	defer func() {
		if q.onRelease != nil {
			q.onRelease(q)
		}
		close(q.released)
	}()
	for {
		it, ok, closed := q.pop()
		if !ok {
			if closed {
				return
			}
			<-q.wake
			continue
		}
		q.exec(it)
	}
}

// exec runs one request through the lifecycle: fresh context, body,
// commit, eviction, side effects, completion callback.
func (q *Queue) exec(it *item) {
	rc := newContext(q.owner, it.tag, q.w)
	ctx := Bind(context.Background(), rc)

	// Soft budget: overruns are logged and counted, never cancelled.
	start := time.Now()
	guard := time.AfterFunc(q.budget, func() {
		metrics.RequestTimeouts.Inc()
		slog.Warn("request exceeded budget",
			"owner", q.owner, "tag", it.tag, "budget", q.budget)
	})

	res, err := runBody(ctx, it.fn, rc)
	guard.Stop()

	if err != nil {
		// A failed body issues no write or delete.
		metrics.RequestsProcessed.WithLabelValues("error").Inc()
		q.complete(it, err, nil)
		return
	}

	if it.opts.NoWaitPers {
		q.complete(it, nil, res)
	}

	if err := q.gw.Commit(ctx, rc.Dirty(), rc.Unload()); err != nil {
		// Dirty entities stay in memory so the next request on this
		// owner can retry the write.
		metrics.RequestsProcessed.WithLabelValues("pers_error").Inc()
		slog.Error("commit failed", "owner", q.owner, "tag", it.tag, "error", err)
		if !it.opts.NoWaitPers {
			q.complete(it, err, nil)
		}
		return
	}

	for tsid := range rc.Unload() {
		q.w.Evict(tsid)
	}
	q.flushSessions(rc)
	for _, fn := range rc.deferred {
		runDeferred(q.owner, fn)
	}

	metrics.RequestsProcessed.WithLabelValues("ok").Inc()
	slog.Debug("request committed",
		"owner", q.owner, "tag", it.tag,
		"dirty", len(rc.Dirty()), "took", time.Since(start))
	if !it.opts.NoWaitPers {
		q.complete(it, nil, res)
	}
}

// flushSessions pushes the pending outbound changes (property diffs,
// item changesets, announcements) of every online player this request
// touched.
func (q *Queue) flushSessions(rc *Context) {
	for _, e := range rc.cache {
		p, ok := e.(*entity.Player)
		if !ok || !p.Connected() {
			continue
		}
		p.Session().FlushChanges()
	}
}

func runBody(ctx context.Context, fn Fn, rc *Context) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request %s/%s panicked: %v", rc.Owner, rc.Tag, r)
		}
	}()
	return fn(ctx)
}

func (q *Queue) complete(it *item, err error, res any) {
	if it.onDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("onDone panicked", "owner", q.owner, "tag", it.tag, "panic", r)
		}
	}()
	it.onDone(err, res)
}

func runDeferred(owner string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("deferred side-effect panicked", "owner", owner, "panic", r)
		}
	}()
	fn()
}
