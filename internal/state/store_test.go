package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type entry struct {
	Name  string
	Value uint64
}

func openMem(t testing.TB) *Store {
	s, err := Open(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGet(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Update(func(txn *Txn) error {
		return txn.Set(Key("a", "b"), entry{Name: "x", Value: 7})
	}))

	require.NoError(t, s.View(func(txn *Txn) error {
		var e entry
		found, err := txn.Get(Key("a", "b"), &e)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, entry{Name: "x", Value: 7}, e)

		found, err = txn.Get(Key("a", "missing"), &e)
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	}))
}

func TestFailedUpdateRollsBack(t *testing.T) {
	s := openMem(t)
	boom := errors.New("boom")
	err := s.Update(func(txn *Txn) error {
		require.NoError(t, txn.Set(Key("k"), entry{Value: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, s.View(func(txn *Txn) error {
		has, err := txn.Has(Key("k"))
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	}))
}

func TestScratchIsDiscarded(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Scratch(func(txn *Txn) error {
		require.NoError(t, txn.Set(Key("tmp"), entry{Value: 1}))
		has, err := txn.Has(Key("tmp"))
		require.NoError(t, err)
		assert.True(t, has, "scratch writes are visible inside the transaction")
		return nil
	}))
	require.NoError(t, s.View(func(txn *Txn) error {
		has, err := txn.Has(Key("tmp"))
		require.NoError(t, err)
		assert.False(t, has)
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	s := openMem(t)
	err := s.View(func(txn *Txn) error {
		return txn.Set(Key("k"), entry{})
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestIterate(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.Update(func(txn *Txn) error {
		for i, name := range []string{"c", "a", "b"} {
			if err := txn.Set(Key("p", name), entry{Name: name, Value: uint64(i)}); err != nil {
				return err
			}
		}
		return txn.Set(Key("q", "z"), entry{Name: "z"})
	}))

	var names []string
	require.NoError(t, s.View(func(txn *Txn) error {
		return txn.Iterate(Key("p", ""), func(key []byte, decode func(interface{}) error) error {
			var e entry
			if err := decode(&e); err != nil {
				return err
			}
			assert.Equal(t, string(key), e.Name)
			names = append(names, e.Name)
			return nil
		})
	}))
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

// Committed updates are visible, failed ones are not, whatever the order.
func TestUpdatesAreAtomic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s, err := Open(Config{})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer s.Close()

		model := map[string]uint64{}
		ops := rapid.IntRange(1, 30).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			key := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "key")
			val := rapid.Uint64().Draw(t, "val")
			fail := rapid.Bool().Draw(t, "fail")

			err := s.Update(func(txn *Txn) error {
				if err := txn.Set(Key(key), val); err != nil {
					return err
				}
				if fail {
					return errors.New("abort")
				}
				return nil
			})
			if fail != (err != nil) {
				t.Fatalf("update %d: fail=%v err=%v", i, fail, err)
			}
			if !fail {
				model[key] = val
			}
		}

		err = s.View(func(txn *Txn) error {
			for _, key := range []string{"a", "b", "c"} {
				var got uint64
				found, err := txn.Get(Key(key), &got)
				if err != nil {
					return err
				}
				want, ok := model[key]
				if found != ok || got != want {
					t.Fatalf("key %s: found=%v got=%d, want found=%v %d", key, found, got, ok, want)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})
}
