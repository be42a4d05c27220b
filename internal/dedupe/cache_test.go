// ABOUTME: Tests for the frame dedupe cache.
// ABOUTME: Validates TTL expiration, size limits, eviction, DropConn, and concurrency safety.

package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_NotObserved(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("never-seen-key"))
}

func TestCache_Observe_MarksAndDetects(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	// First observation is new, second is a duplicate
	assert.False(t, cache.Observe("my-key"))
	assert.True(t, cache.Observe("my-key"))
	assert.True(t, cache.Seen("my-key"))
}

func TestCache_Seen_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Observe("expiring-key")
	assert.True(t, cache.Seen("expiring-key"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen("expiring-key"))
	// An expired key counts as new again
	assert.False(t, cache.Observe("expiring-key"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Observe("a")
	cache.Observe("b")
	cache.Observe("c")
	cache.Observe("d")

	assert.False(t, cache.Seen("a"))
	assert.True(t, cache.Seen("b"))
	assert.True(t, cache.Seen("c"))
	assert.True(t, cache.Seen("d"))
}

func TestCache_ReobserveRefreshesOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Observe("a")
	cache.Observe("b")
	cache.Observe("c")

	// Refresh "a" so "b" becomes the oldest
	cache.Observe("a")
	cache.Observe("d")

	assert.True(t, cache.Seen("a"))
	assert.False(t, cache.Seen("b"))
	assert.True(t, cache.Seen("d"))
}

func TestCache_DropConn(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Observe(FrameKey("conn-1", 1))
	cache.Observe(FrameKey("conn-1", 2))
	cache.Observe(FrameKey("conn-2", 1))

	cache.DropConn("conn-1")

	assert.False(t, cache.Seen(FrameKey("conn-1", 1)))
	assert.False(t, cache.Seen(FrameKey("conn-1", 2)))
	assert.True(t, cache.Seen(FrameKey("conn-2", 1)))
}

func TestFrameKey_ScopedPerConnection(t *testing.T) {
	assert.Equal(t, "conn-1#42", FrameKey("conn-1", 42))
	assert.NotEqual(t, FrameKey("conn-1", 42), FrameKey("conn-2", 42))
}

func TestCache_ConcurrentObserve(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	// Exactly one goroutine per key should win the observation race
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := make(map[string]int)

	for i := 0; i < 10; i++ {
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				key := FrameKey("conn-1", id)
				if !cache.Observe(key) {
					mu.Lock()
					winners[key]++
					mu.Unlock()
				}
			}(int64(i))
		}
	}
	wg.Wait()

	assert.Len(t, winners, 10)
	for key, count := range winners {
		assert.Equal(t, 1, count, "key %s", key)
	}
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
