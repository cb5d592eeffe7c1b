package covercache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCover() Cover {
	return Cover{Bytes: []byte{0x89, 'P', 'N', 'G'}, Format: "png"}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(time.Minute)
	defer func() { _ = m.Close() }()

	m.Put("song-1", testCover())

	got, ok := m.Get("song-1")
	require.True(t, ok)
	assert.Equal(t, testCover().Bytes, got.Bytes)
	assert.Equal(t, "png", got.Format)

	_, ok = m.Get("song-2")
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.CurrentSize)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	defer func() { _ = m.Close() }()

	m.Put("song-1", testCover())

	_, ok := m.Get("song-1")
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	_, ok = m.Get("song-1")
	assert.False(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(time.Minute)
	defer func() { _ = m.Close() }()

	m.Put("song-1", testCover())
	m.Delete("song-1")

	_, ok := m.Get("song-1")
	assert.False(t, ok)
}

func TestMemoryDeleteExpired(t *testing.T) {
	m := NewMemory(10 * time.Millisecond)
	defer func() { _ = m.Close() }()

	m.Put("song-1", testCover())
	m.Put("song-2", testCover())
	m.Put("song-3", testCover())

	time.Sleep(30 * time.Millisecond)

	removed := m.deleteExpired()
	assert.Equal(t, 3, removed)

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.Evictions)
	assert.Equal(t, 0, stats.CurrentSize)
}

func TestMemoryIgnoresEmptyEntries(t *testing.T) {
	m := NewMemory(time.Minute)
	defer func() { _ = m.Close() }()

	m.Put("", testCover())
	m.Put("song-1", Cover{Format: "png"})

	assert.Equal(t, 0, m.Stats().CurrentSize)
	assert.Equal(t, int64(0), m.Stats().Puts)
}

func TestMemoryCloseIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNewSelectsMemoryWithoutAddr(t *testing.T) {
	c := New(RedisConfig{}, 0)
	defer func() { _ = c.Close() }()

	_, ok := c.(*Memory)
	require.True(t, ok)
}
