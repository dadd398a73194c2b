package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(ceilingBytes int64) *Store {
	accountant := NewMemoryAccountant(ceilingBytes, 0.9)
	return New(accountant, true, nil)
}

func TestStore_CreateReadRoundTrip(t *testing.T) {
	s := newTestStore(1 << 20)

	entry, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)
	require.Equal(t, uint64(1), entry.UsageCount)

	value, err := s.Read("alpha")
	require.Nil(t, err)
	require.Equal(t, "one", value)
}

func TestStore_CreateDuplicateRejected(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)

	_, err = s.Create("alpha", "two", 0)
	require.NotNil(t, err)
	require.Equal(t, ErrDuplicate, err.Code)
}

func TestStore_CreateEmptyKeyRejected(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("", "one", 0)
	require.NotNil(t, err)
	require.Equal(t, ErrBadArgs, err.Code)
}

func TestStore_ReadMissingKey(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Read("missing")
	require.NotNil(t, err)
	require.Equal(t, ErrNotFound, err.Code)
}

func TestStore_UpdateBumpsUsageAndClearsExpiredFlag(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)
	require.Nil(t, s.MarkExpired("alpha"))

	entry, err := s.Update("alpha", "two", 0)
	require.Nil(t, err)
	require.Equal(t, "two", entry.Value)
	require.False(t, entry.ExpiredFlag)
	require.Equal(t, uint64(2), entry.UsageCount)
}

func TestStore_UpdateMissingKey(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Update("missing", "value", 0)
	require.NotNil(t, err)
	require.Equal(t, ErrNotFound, err.Code)
}

func TestStore_DeleteMissingKeyIsSilentNoOp(t *testing.T) {
	s := newTestStore(1 << 20)
	require.Nil(t, s.Delete("missing"))
}

func TestStore_DeleteRemovesEntryAndReclaimsMemory(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)
	before := s.Accountant().CurrentBytes()
	require.Greater(t, before, int64(0))

	require.Nil(t, s.Delete("alpha"))
	require.Equal(t, int64(0), s.Accountant().CurrentBytes())
	require.Equal(t, 0, s.Len())
}

func TestStore_FlushAllResetsEverything(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)
	_, err = s.Create("beta", "two", 0)
	require.Nil(t, err)

	s.FlushAll()

	require.Equal(t, 0, s.Len())
	require.Equal(t, int64(0), s.Accountant().CurrentBytes())
}

func TestStore_MemoryLimitRejectsOversizedCreate(t *testing.T) {
	s := newTestStore(8) // room for almost nothing

	_, err := s.Create("alpha", "a value far too large for the ceiling", 0)
	require.NotNil(t, err)
	require.Equal(t, ErrMemoryLimit, err.Code)
}

func TestStore_LazyReadDeletesExpiredEntry(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 1)
	require.Nil(t, err)
	require.Nil(t, s.MarkExpired("alpha"))

	_, err = s.Read("alpha")
	require.NotNil(t, err)
	require.Equal(t, ErrNotFound, err.Code)
	require.Equal(t, 0, s.Len())
}

func TestStore_PeekDoesNotBumpUsageCount(t *testing.T) {
	s := newTestStore(1 << 20)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)

	entry, ok := s.Peek("alpha")
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.UsageCount)

	entry, ok = s.Peek("alpha")
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.UsageCount)
}

func TestStore_MustAccountRepanicsOnAccountantInvariantViolation(t *testing.T) {
	s := newTestStore(1 << 20)
	require.Panics(t, func() {
		s.mustAccount(func() { s.accountant.Remove(1) })
	})
}

func TestStore_SubscribePublishesMutations(t *testing.T) {
	s := newTestStore(1 << 20)
	ch := s.Subscribe("test", 8)

	_, err := s.Create("alpha", "one", 0)
	require.Nil(t, err)

	m := <-ch
	require.Equal(t, KindCreate, m.Kind)
	require.Equal(t, "alpha", m.Key)
	require.NotNil(t, m.New)
}
