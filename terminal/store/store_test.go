package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Seats   int    `json:"seats,omitempty"`
	Status  string `json:"status,omitempty"`
	Version int64  `json:"version,omitempty"`
}

func newTableStore(t *testing.T, tables ...table) *Store[table] {
	t.Helper()
	s := New(func(tb table) string { return tb.ID })
	require.NoError(t, s.SetAll(tables))
	return s
}

func mustGet(t *testing.T, s *Store[table], id string) table {
	t.Helper()
	tb, ok := s.Get(id)
	require.True(t, ok, "entity %s missing", id)
	return tb
}

func TestSetAll(t *testing.T) {
	s := newTableStore(t,
		table{ID: "t1", Name: "Patio"},
		table{ID: "t2", Name: "Bar"},
		table{ID: "t1", Name: "Patio 2"},
	)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []table{{ID: "t1", Name: "Patio 2"}, {ID: "t2", Name: "Bar"}}, s.List())

	err := s.SetAll([]table{{Name: "no id"}})
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Equal(t, 2, s.Len(), "failed SetAll must not touch state")
}

func TestApplyOptimistic_UpdateAndRollback(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio", Seats: 2, Version: 3})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4, "status": "reserved"}}))
	assert.Equal(t, table{ID: "t1", Name: "Patio", Seats: 4, Status: "reserved", Version: 3}, mustGet(t, s, "t1"))
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.Rollback("k1"))
	assert.Equal(t, table{ID: "t1", Name: "Patio", Seats: 2, Version: 3}, mustGet(t, s, "t1"))
	assert.Equal(t, 0, s.Pending())
}

func TestRollback_KeepsUnrelatedBroadcastFields(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio", Seats: 2})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))
	require.NoError(t, s.Update(table{ID: "t1", Name: "Terrace"}))
	require.NoError(t, s.Rollback("k1"))

	assert.Equal(t, table{ID: "t1", Name: "Terrace", Seats: 2}, mustGet(t, s, "t1"))
}

func TestRollback_AuthoritativeWriteWins(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio", Seats: 2})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4, "name": "Mine"}}))
	require.NoError(t, s.Update(table{ID: "t1", Seats: 6}))
	require.NoError(t, s.Rollback("k1"))

	assert.Equal(t, table{ID: "t1", Name: "Patio", Seats: 6}, mustGet(t, s, "t1"))
}

func TestRollback_AbsentFieldIsRemoved(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio"})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"status": "blocked"}}))
	require.NoError(t, s.Rollback("k1"))

	assert.Equal(t, table{ID: "t1", Name: "Patio"}, mustGet(t, s, "t1"))
}

func TestRollback_StackedPatches(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))
	require.NoError(t, s.ApplyOptimistic("k2", Patch{EntityID: "t1", Changes: map[string]any{"seats": 8}}))

	require.NoError(t, s.Rollback("k2"))
	assert.Equal(t, 4, mustGet(t, s, "t1").Seats)
	require.NoError(t, s.Rollback("k1"))
	assert.Equal(t, 2, mustGet(t, s, "t1").Seats)
}

func TestCreate(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio"})

	fields, err := Fields(table{ID: "t2", Name: "Window", Seats: 2})
	require.NoError(t, err)
	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t2", Changes: fields, Create: true}))
	assert.Equal(t, []string{"t1", "t2"}, ids(s.List()))

	err = s.ApplyOptimistic("k2", Patch{EntityID: "t2", Changes: fields, Create: true})
	assert.ErrorIs(t, err, ErrExists)

	t.Run("rollback removes", func(t *testing.T) {
		s := newTableStore(t)
		require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t2", Changes: fields, Create: true}))
		require.NoError(t, s.Rollback("k1"))
		assert.Equal(t, 0, s.Len())
	})

	t.Run("rollback after authoritative add keeps entity", func(t *testing.T) {
		s := newTableStore(t)
		require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t2", Changes: fields, Create: true}))
		require.NoError(t, s.Add(table{ID: "t2", Name: "Window", Seats: 2, Version: 1}))
		assert.Equal(t, 1, s.Len(), "add of an existing id must not duplicate")
		require.NoError(t, s.Rollback("k1"))
		assert.Equal(t, table{ID: "t2", Name: "Window", Seats: 2, Version: 1}, mustGet(t, s, "t2"))
	})
}

func TestDelete(t *testing.T) {
	seed := []table{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}}

	t.Run("rollback reinserts at position", func(t *testing.T) {
		s := newTableStore(t, seed...)
		require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t2", Delete: true}))
		assert.Equal(t, []string{"t1", "t3"}, ids(s.List()))

		require.NoError(t, s.Rollback("k1"))
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(s.List()))
	})

	t.Run("authoritative remove wins", func(t *testing.T) {
		s := newTableStore(t, seed...)
		require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t2", Delete: true}))
		s.Remove("t2")
		require.NoError(t, s.Rollback("k1"))
		assert.Equal(t, []string{"t1", "t3"}, ids(s.List()))
	})

	t.Run("unknown entity", func(t *testing.T) {
		s := newTableStore(t, seed...)
		err := s.ApplyOptimistic("k1", Patch{EntityID: "nope", Delete: true})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 0, s.Pending())
	})
}

func TestRollback_AfterAuthoritativeRemove(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))
	s.Remove("t1")
	require.NoError(t, s.Rollback("k1"))

	_, ok := s.Get("t1")
	assert.False(t, ok)
}

func TestCommit(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))
	assert.True(t, s.HasPatch("k1"))

	s.Commit("k1")
	s.Commit("never-seen")
	assert.False(t, s.HasPatch("k1"))
	assert.Equal(t, 4, mustGet(t, s, "t1").Seats)

	require.NoError(t, s.Rollback("k1"), "rollback after commit is a no-op")
	assert.Equal(t, 4, mustGet(t, s, "t1").Seats)
}

func TestApplyOptimistic_Errors(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})

	assert.ErrorIs(t, s.ApplyOptimistic("", Patch{EntityID: "t1"}), ErrEmptyKey)
	assert.ErrorIs(t, s.ApplyOptimistic("k", Patch{}), ErrMissingID)
	assert.ErrorIs(t, s.ApplyOptimistic("k", Patch{EntityID: "t9", Changes: map[string]any{"seats": 1}}), ErrNotFound)

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 3}}))
	assert.ErrorIs(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 5}}), ErrDuplicateKey)

	err := s.ApplyOptimistic("k2", Patch{EntityID: "t1", Changes: map[string]any{"seats": "many"}})
	assert.Error(t, err)
	assert.Equal(t, 3, mustGet(t, s, "t1").Seats, "undecodable patch must not apply")
	assert.False(t, s.HasPatch("k2"))
}

func TestVersionedWrites(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Name: "Patio", Version: 3})

	err := s.Update(table{ID: "t1", Name: "Old", Version: 2})
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.Equal(t, "Patio", mustGet(t, s, "t1").Name)

	require.NoError(t, s.Update(table{ID: "t1", Name: "Same", Version: 3}))
	require.NoError(t, s.Update(table{ID: "t1", Name: "New", Version: 4}))
	require.NoError(t, s.Update(table{ID: "t1", Name: "Unversioned"}))
	assert.Equal(t, table{ID: "t1", Name: "Unversioned", Version: 4}, mustGet(t, s, "t1"))
}

func TestUpdate_UnknownEntityIsInserted(t *testing.T) {
	s := newTableStore(t)
	require.NoError(t, s.Update(table{ID: "t1", Name: "Patio"}))
	assert.Equal(t, 1, s.Len())
	assert.ErrorIs(t, s.Add(table{}), ErrMissingID)
}

func TestSetAll_DropsPatches(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})
	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))

	require.NoError(t, s.SetAll([]table{{ID: "t1", Seats: 9}}))
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Rollback("k1"))
	assert.Equal(t, 9, mustGet(t, s, "t1").Seats)
}

func TestSubscribe(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 2})

	var got []Change
	cancel := s.Subscribe(func(c Change) { got = append(got, c) })

	require.NoError(t, s.ApplyOptimistic("k1", Patch{EntityID: "t1", Changes: map[string]any{"seats": 4}}))
	require.NoError(t, s.Rollback("k1"))
	require.NoError(t, s.Add(table{ID: "t2"}))
	require.NoError(t, s.Update(table{ID: "t2", Name: "Bar"}))
	s.Remove("t2")
	s.Remove("t2")
	require.NoError(t, s.SetAll(nil))

	assert.Equal(t, []Change{
		{Kind: ChangeOptimistic, ID: "t1", Key: "k1"},
		{Kind: ChangeRollback, ID: "t1", Key: "k1"},
		{Kind: ChangeAdd, ID: "t2"},
		{Kind: ChangeUpdate, ID: "t2"},
		{Kind: ChangeRemove, ID: "t2"},
		{Kind: ChangeReset},
	}, got)

	cancel()
	require.NoError(t, s.Add(table{ID: "t3"}))
	assert.Len(t, got, 6)
	assert.Equal(t, "rollback", ChangeRollback.String())
}

func TestConcurrentPatches(t *testing.T) {
	s := newTableStore(t, table{ID: "t1", Seats: 1})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if err := s.ApplyOptimistic(key, Patch{EntityID: "t1", Changes: map[string]any{"name": key}}); err != nil {
				t.Error(err)
				return
			}
			_ = s.Update(table{ID: "t1", Seats: i + 1})
			if i%2 == 0 {
				s.Commit(key)
			} else {
				_ = s.Rollback(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, 1, s.Len())
}

func ids(tables []table) []string {
	out := make([]string, len(tables))
	for i, tb := range tables {
		out[i] = tb.ID
	}
	return out
}
