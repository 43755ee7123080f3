package gsjs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
)

func TestCall(t *testing.T) {
	assert.NoError(t, Call("nilHook", nil))
	assert.NoError(t, Call("okHook", func() error { return nil }))

	boom := errors.New("boom")
	assert.ErrorIs(t, Call("errHook", func() error { return boom }), boom)

	err := Call("panicHook", func() error { panic("script bug") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	e, err := entity.New("PBOB", nil, nil)
	require.NoError(t, err)

	r.RegisterMethod("greet", func(e entity.Entity, args []any) (any, error) {
		return "hi " + e.TSID(), nil
	})

	res, err := r.Invoke(e, "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi PBOB", res)

	_, err = r.Invoke(e, "missing", nil)
	require.EqualError(t, err, "Requested method does not exist")

	r.RegisterMethod("bad", func(entity.Entity, []any) (any, error) { panic("bug") })
	_, err = r.Invoke(e, "bad", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRegistryInvokeAPI(t *testing.T) {
	r := NewRegistry()
	r.RegisterAPI("echo", func(args []any) (any, error) { return args, nil })

	res, err := r.InvokeAPI("echo", []any{"a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, res)

	_, err = r.InvokeAPI("missing", nil)
	require.EqualError(t, err, "Requested method does not exist")
}
