package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set("a", []byte("1")))
	v, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, m.Delete("a"))
	_, err = m.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySubscribePrefixFiltering(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var got []Event
	unsub, err := m.Subscribe("session:", func(ev Event) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	require.NoError(t, m.Set("session:dev1", []byte("x")))
	require.NoError(t, m.Set("node:dev1", []byte("y"))) // outside prefix
	require.NoError(t, m.Delete("session:dev1"))

	require.Len(t, got, 2)
	assert.Equal(t, "session:dev1", got[0].Key)
	assert.False(t, got[0].Deleted)
	assert.True(t, got[1].Deleted)

	unsub()
	require.NoError(t, m.Set("session:dev1", []byte("z")))
	assert.Len(t, got, 2, "unsubscribed listener must not fire")
}

func TestMemoryDeleteMissingNoEvent(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	fired := 0
	_, err := m.Subscribe("", func(Event) { fired++ })
	require.NoError(t, err)

	require.NoError(t, m.Delete("never-set"))
	assert.Zero(t, fired)
}

func TestMemoryListenerMayReenterStore(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	_, err := m.Subscribe("trigger", func(ev Event) {
		if !ev.Deleted {
			// Listeners stopping a losing session delete keys from inside
			// the callback; that must not deadlock.
			_ = m.Delete("trigger")
		}
	})
	require.NoError(t, err)

	require.NoError(t, m.Set("trigger", []byte("1")))
	_, err = m.Get("trigger")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryKeys(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	require.NoError(t, m.Set("s:b", nil))
	require.NoError(t, m.Set("s:a", nil))
	require.NoError(t, m.Set("t:c", nil))

	keys, err := m.Keys("s:")
	require.NoError(t, err)
	assert.Equal(t, []string{"s:a", "s:b"}, keys)
}

func TestBadgerKeys(t *testing.T) {
	b, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("s:b", []byte("1")))
	require.NoError(t, b.Set("s:a", []byte("1")))
	require.NoError(t, b.Set("t:c", []byte("1")))

	keys, err := b.Keys("s:")
	require.NoError(t, err)
	assert.Equal(t, []string{"s:a", "s:b"}, keys)
}

func TestBadgerRoundTrip(t *testing.T) {
	b, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Set("k", []byte("v")))
	v, err := b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, b.Delete("k"))
	_, err = b.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
}
