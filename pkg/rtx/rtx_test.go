package rtx_test

import (
	"testing"

	"github.com/ethan/crazystream/pkg/rtx"
	"github.com/stretchr/testify/require"
)

func TestCacheStoreAndFetchRoundTrip(t *testing.T) {
	c := rtx.New(8)
	c.Store(5, []byte("hello"))

	data, ok := c.Fetch(5)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data)
}

func TestCacheMissOnNeverStored(t *testing.T) {
	c := rtx.New(8)
	_, ok := c.Fetch(42)
	require.False(t, ok)
}

func TestCacheEvictsOnRingWraparound(t *testing.T) {
	c := rtx.New(4)
	c.Store(0, []byte("a"))
	c.Store(4, []byte("b")) // same slot as seq 0

	_, ok := c.Fetch(0)
	require.False(t, ok)

	data, ok := c.Fetch(4)
	require.True(t, ok)
	require.Equal(t, []byte("b"), data)
}

func TestCacheFetchManyReturnsOnlyResidentEntries(t *testing.T) {
	c := rtx.New(16)
	c.Store(1, []byte("one"))
	c.Store(2, []byte("two"))

	got := c.FetchMany([]uint16{1, 2, 3})
	require.Len(t, got, 2)
	require.Equal(t, []byte("one"), got[1])
	require.Equal(t, []byte("two"), got[2])
}

func TestCacheSnapshotCounters(t *testing.T) {
	c := rtx.New(8)
	c.Store(1, []byte("x"))
	c.Fetch(1)
	c.Fetch(99)

	snap := c.Snapshot()
	require.Equal(t, uint64(1), snap.Stored)
	require.Equal(t, uint64(1), snap.Served)
	require.Equal(t, uint64(1), snap.Misses)
}
