package rq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

type allLocalRouter struct{}

func (allLocalRouter) IsLocal(string) (bool, error)        { return true, nil }
func (allLocalRouter) Proxy(tsid string) entity.Entity     { return nil }
func (allLocalRouter) MakeLocalTsid(tag byte) (string, error) {
	return entity.NewTSID(tag), nil
}

func newEngine(t *testing.T) (*Manager, *world.World, *pers.InMem) {
	t.Helper()
	back := pers.NewInMem()
	gw := pers.NewGateway(back)
	w := world.New(gw, allLocalRouter{}, gsjs.Hooks{})
	return NewManager(w, gw, time.Second), w, back
}

// push enqueues a request and waits for its completion.
func push(t *testing.T, q *Queue, tag string, fn Fn) (any, error) {
	t.Helper()
	type outcome struct {
		err error
		res any
	}
	ch := make(chan outcome, 1)
	require.NoError(t, q.Push(tag, fn, func(err error, res any) {
		ch <- outcome{err: err, res: res}
	}, PushOpts{}))
	select {
	case o := <-ch:
		return o.res, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("request did not complete")
		return nil, nil
	}
}

func TestQueueFIFO(t *testing.T) {
	m, _, _ := newEngine(t)
	q := m.Get("PBOB")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		require.NoError(t, q.Push(fmt.Sprintf("req%d", i), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, func(error, any) { wg.Done() }, PushOpts{}))
	}
	wg.Wait()

	for i, got := range order {
		assert.Equal(t, i, got, "execution order must match enqueue order")
	}
}

func TestQueueCommitPersistsDirty(t *testing.T) {
	m, _, back := newEngine(t)
	q := m.Get("PBOB")

	_, err := push(t, q, "create", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		_, err = rc.Create(ctx, entity.TagLocation, "LNEW", map[string]any{"label": "made"})
		return nil, err
	})
	require.NoError(t, err)
	assert.True(t, back.Has("LNEW"))
}

func TestQueueBodyErrorSkipsCommit(t *testing.T) {
	m, _, back := newEngine(t)
	q := m.Get("PBOB")

	boom := errors.New("script exploded")
	_, err := push(t, q, "fail", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := rc.Create(ctx, entity.TagLocation, "LHALF", nil); err != nil {
			return nil, err
		}
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, back.Has("LHALF"), "a failed body must issue no write")
}

func TestQueueBodyPanicBecomesError(t *testing.T) {
	m, _, _ := newEngine(t)
	q := m.Get("PBOB")

	_, err := push(t, q, "panic", func(ctx context.Context) (any, error) {
		panic("oops")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The worker survives the panic.
	res, err := push(t, q, "after", func(ctx context.Context) (any, error) {
		return "alive", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alive", res)
}

func TestQueuePersFailureKeepsDirtyInMemory(t *testing.T) {
	m, w, back := newEngine(t)
	q := m.Get("PBOB")

	back.FailWrites = errors.New("store down")
	_, err := push(t, q, "create", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		_, err = rc.Create(ctx, entity.TagLocation, "LRETRY", map[string]any{"label": "v1"})
		return nil, err
	})
	var pe *eserr.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.False(t, back.Has("LRETRY"))

	// The instance stayed cached; a later request can re-dirty and
	// retry the write.
	_, ok := w.Peek("LRETRY")
	require.True(t, ok)

	back.FailWrites = nil
	_, err = push(t, q, "retry", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		e, err := rc.Get(ctx, "LRETRY")
		if err != nil {
			return nil, err
		}
		rc.SetDirty(e)
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, back.Has("LRETRY"))
}

func TestQueueUnloadEvictsAfterCommit(t *testing.T) {
	m, w, _ := newEngine(t)
	q := m.Get("LBYE")

	_, err := push(t, q, "setup", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		e, err := rc.Create(ctx, entity.TagLocation, "LBYE", nil)
		if err != nil {
			return nil, err
		}
		rc.SetUnload(e)
		return nil, nil
	})
	require.NoError(t, err)
	_, ok := w.Peek("LBYE")
	assert.False(t, ok, "unload set must be evicted after a successful commit")
}

func TestQueueClose(t *testing.T) {
	m, _, _ := newEngine(t)
	q := m.Get("LDONE")

	done := make(chan struct{})
	require.NoError(t, q.Push("last", func(ctx context.Context) (any, error) {
		return nil, nil
	}, func(error, any) { close(done) }, PushOpts{Close: true}))

	err := q.Push("too late", func(ctx context.Context) (any, error) {
		return nil, nil
	}, nil, PushOpts{})
	require.ErrorIs(t, err, eserr.ErrQueueClosed)

	<-done
	select {
	case <-q.Released():
	case <-time.After(5 * time.Second):
		t.Fatal("queue worker did not release")
	}
	assert.Equal(t, 0, m.Count(), "released queue must leave the manager")
}

func TestQueueReopenFromOnDone(t *testing.T) {
	m, _, _ := newEngine(t)
	q := m.Get("LWAIT")

	// The unload flow: a closing request whose completion callback
	// decides the queue must stay alive after all.
	reopened := make(chan struct{})
	require.NoError(t, q.Push("unload", func(ctx context.Context) (any, error) {
		return "cancelled", nil
	}, func(err error, res any) {
		q.Reopen()
		close(reopened)
	}, PushOpts{Close: true}))
	<-reopened

	_, err := push(t, q, "again", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
}

func TestQueueOnDonePanicDoesNotKillWorker(t *testing.T) {
	m, _, _ := newEngine(t)
	q := m.Get("PBOB")

	require.NoError(t, q.Push("bad callback", func(ctx context.Context) (any, error) {
		return nil, nil
	}, func(error, any) { panic("callback bug") }, PushOpts{}))

	res, err := push(t, q, "still alive", func(ctx context.Context) (any, error) {
		return 21, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 21, res)
}

func TestContextCacheAndGet(t *testing.T) {
	m, w, back := newEngine(t)
	seedBody := map[string]any{"tsid": "LSEED"}
	require.NoError(t, back.Write(context.Background(), seedBody, false))
	q := m.Get("PBOB")

	_, err := push(t, q, "reads", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		a, err := rc.Get(ctx, "LSEED")
		if err != nil {
			return nil, err
		}
		b, err := rc.Get(ctx, "LSEED")
		if err != nil {
			return nil, err
		}
		if a != b {
			return nil, fmt.Errorf("request cache returned different instances")
		}
		return nil, nil
	})
	require.NoError(t, err)
	_, ok := w.Peek("LSEED")
	assert.True(t, ok)
}

func TestFromContextOutsideRequest(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, eserr.ErrNoContext)
}

func TestManagerShutdownDrains(t *testing.T) {
	m, _, back := newEngine(t)
	q := m.Get("PBOB")

	require.NoError(t, q.Push("work", func(ctx context.Context) (any, error) {
		rc, err := FromContext(ctx)
		if err != nil {
			return nil, err
		}
		_, err = rc.Create(ctx, entity.TagLocation, "LLAST", nil)
		return nil, err
	}, nil, PushOpts{}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, back.Has("LLAST"), "backlog must be committed before release")
}
