package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvcached/internal/store"
)

func newTestEngine(t *testing.T, mode Mode) (*Engine, *store.Store) {
	t.Helper()
	accountant := store.NewMemoryAccountant(1<<20, 0.9)
	st := store.New(accountant, mode == Lazy, nil)
	e := New(st, 50*time.Millisecond, mode, nil, nil)
	return e, st
}

func TestEngine_BucketForRoundsDownToInterval(t *testing.T) {
	e := &Engine{interval: 6 * time.Second}
	require.Equal(t, int64(600), e.bucketFor(601))
	require.Equal(t, int64(600), e.bucketFor(600))
	require.Equal(t, int64(594), e.bucketFor(599))
}

func TestEngine_AddAndRemoveTracksElements(t *testing.T) {
	e, _ := newTestEngine(t, Strict)

	e.add("alpha", 1000)
	require.Contains(t, e.elements, "alpha")

	e.remove("alpha")
	require.NotContains(t, e.elements, "alpha")
}

func TestEngine_StrictModeDeletesDueKeys(t *testing.T) {
	e, st := newTestEngine(t, Strict)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := st.Subscribe("expiry", 16)
	go e.Run(ctx, ch)

	_, err := st.Create("alpha", "one", 1) // deadline: unix epoch + 1s, already in the past
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return st.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_LazyModeMarksRatherThanDeletes(t *testing.T) {
	e, st := newTestEngine(t, Lazy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := st.Subscribe("expiry", 16)
	go e.Run(ctx, ch)

	_, err := st.Create("alpha", "one", 1)
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		entry, ok := st.Peek("alpha")
		return ok && entry.ExpiredFlag
	}, 2*time.Second, 10*time.Millisecond)

	_, err = st.Read("alpha")
	require.NotNil(t, err)
	require.Equal(t, store.ErrNotFound, err.Code)
}

func TestEngine_FlushAllClearsIndex(t *testing.T) {
	e, _ := newTestEngine(t, Strict)
	e.add("alpha", 1000)
	e.add("beta", 2000)

	e.onMutation(store.Mutation{Kind: store.KindFlushAll})

	require.Empty(t, e.elements)
	require.Empty(t, e.buckets)
}
