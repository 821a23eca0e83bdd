// ABOUTME: Tests for the dedupe window
// ABOUTME: Covers first sighting, expiry, capacity eviction, and concurrent use

package dedupe

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(ttl time.Duration, limit int) (*Window, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	w := New(ttl, limit)
	w.now = clock.now
	return w, clock
}

func TestSeenRecordsFirstSighting(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen("req-1"))
	assert.True(t, w.Seen("req-1"))
	assert.False(t, w.Seen("req-2"))
	assert.Equal(t, 2, w.Len())
}

func TestSeenExpires(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	w.Seen("req-1")
	clock.advance(30 * time.Second)
	w.Seen("req-2")

	clock.advance(31 * time.Second)
	assert.Equal(t, 1, w.Len())
	assert.False(t, w.Seen("req-1"), "expired key should read as new")
	assert.True(t, w.Seen("req-2"))
}

func TestSeenEvictsOldestAtCapacity(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 2)

	w.Seen("a")
	w.Seen("b")
	w.Seen("c")

	assert.Equal(t, 2, w.Len())
	assert.True(t, w.Seen("c"))
	assert.True(t, w.Seen("b"))
	assert.False(t, w.Seen("a"), "oldest key should have been evicted")
}

func TestUnboundedWindow(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 0)
	for i := 0; i < 500; i++ {
		w.Seen(strconv.Itoa(i))
	}
	assert.Equal(t, 500, w.Len())
}

func TestSeenConcurrent(t *testing.T) {
	w := New(time.Minute, 100)

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("same") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load(), "exactly one caller should see the key as new")
}
