package pers

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElevenGiants/eleven-server-sub000/internal/entity"
	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

func mustEntity(t *testing.T, tsid string, body map[string]any) entity.Entity {
	t.Helper()
	e, err := entity.New(tsid, body, nil)
	require.NoError(t, err)
	return e
}

func TestGatewayReadAbsent(t *testing.T) {
	gw := NewGateway(NewInMem())
	_, err := gw.Read(context.Background(), "PNOPE")
	var nf *eserr.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "PNOPE", nf.TSID)
}

func TestGatewayCommitWritesAndDeletes(t *testing.T) {
	back := NewInMem()
	gw := NewGateway(back)

	keep := mustEntity(t, "LKEEP", map[string]any{"label": "keep"})
	gone := mustEntity(t, "IGONE", nil)
	require.NoError(t, back.Write(context.Background(), gone.Serialize(), false))
	gone.SetDeleted()

	err := gw.Commit(context.Background(), map[string]entity.Entity{
		"LKEEP": keep,
		"IGONE": gone,
	}, nil)
	require.NoError(t, err)
	assert.True(t, back.Has("LKEEP"))
	assert.False(t, back.Has("IGONE"))

	body, err := gw.Read(context.Background(), "LKEEP")
	require.NoError(t, err)
	assert.Equal(t, "keep", body["label"])
}

func TestGatewayCommitWriteErrorSkipsDeletes(t *testing.T) {
	back := NewInMem()
	gw := NewGateway(back)

	doomed := mustEntity(t, "IDOOMED", nil)
	require.NoError(t, back.Write(context.Background(), doomed.Serialize(), false))
	doomed.SetDeleted()

	back.FailWrites = fmt.Errorf("disk on fire")
	err := gw.Commit(context.Background(), map[string]entity.Entity{
		"LNEW":    mustEntity(t, "LNEW", nil),
		"IDOOMED": doomed,
	}, nil)
	var pe *eserr.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "write", pe.Op)

	// The delete must not have been issued after the failed write.
	assert.True(t, back.Has("IDOOMED"))
}

func TestGatewayCommitEmpty(t *testing.T) {
	gw := NewGateway(NewInMem())
	assert.NoError(t, gw.Commit(context.Background(), nil, nil))
}

func TestGatewayCommitWritesUnloadSet(t *testing.T) {
	back := NewInMem()
	gw := NewGateway(back)

	// An entity leaving the cache without being dirty still carries
	// its last state to the store, on the soft path.
	idle := mustEntity(t, "LIDLE", map[string]any{"label": "idle"})
	err := gw.Commit(context.Background(), nil, map[string]entity.Entity{"LIDLE": idle})
	require.NoError(t, err)
	assert.True(t, back.Has("LIDLE"))
	assert.Equal(t, 1, back.SoftWrites())

	// Dirty wins over unload for the same entity: one durable write.
	p := mustEntity(t, "PBOB", nil)
	err = gw.Commit(context.Background(),
		map[string]entity.Entity{"PBOB": p},
		map[string]entity.Entity{"PBOB": p})
	require.NoError(t, err)
	assert.True(t, back.Has("PBOB"))
	assert.Equal(t, 1, back.SoftWrites())
}

func TestInMemDeepCopies(t *testing.T) {
	back := NewInMem()
	body := map[string]any{"tsid": "LX", "nested": map[string]any{"n": float64(1)}}
	require.NoError(t, back.Write(context.Background(), body, false))

	// Mutating the original must not affect the stored copy.
	body["nested"].(map[string]any)["n"] = float64(99)

	got, err := back.Read(context.Background(), "LX")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got["nested"].(map[string]any)["n"])
}
