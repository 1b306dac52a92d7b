package far

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

type frameKey struct {
	h    Handle
	page int
}

// frame is one resident page. pins counts the access scopes currently
// holding it; a pinned frame is never evicted.
type frame struct {
	key     frameKey
	data    []float32
	pins    int
	dirty   bool
	ref     bool // clock reference bit
	loading bool
}

// Cache is the pinning page cache fronting a Transport. A fixed budget of
// frames holds resident pages; clock eviction skips pinned frames and
// writes dirty victims back before reuse.
type Cache struct {
	mu   sync.Mutex
	cond *sync.Cond

	tr     Transport
	frames map[frameKey]*frame
	ring   []*frame
	hand   int
	budget int
}

// NewCache builds a cache over tr with the given byte budget. The budget is
// rounded down to whole frames; at least two frames are always kept so a
// kernel can pin a weight range and an output range together.
func NewCache(tr Transport, budgetBytes int64) *Cache {
	frames := int(budgetBytes / (PageFloats * 4))
	if frames < 2 {
		frames = 2
	}
	c := &Cache{
		tr:     tr,
		frames: make(map[frameKey]*frame),
		budget: frames,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Transport returns the remote tier behind this cache.
func (c *Cache) Transport() Transport { return c.tr }

// Frames returns the frame budget.
func (c *Cache) Frames() int { return c.budget }

// acquire makes the page resident and pins it. It blocks while another
// worker is faulting the same page in. write marks the frame dirty so it is
// written back on eviction.
func (c *Cache) acquire(ctx context.Context, h Handle, page int, write bool) (*frame, error) {
	start := time.Now()
	key := frameKey{h, page}

	c.mu.Lock()
	for {
		f, ok := c.frames[key]
		if !ok {
			break
		}
		if f.loading {
			c.cond.Wait()
			continue
		}
		f.pins++
		f.ref = true
		if write {
			f.dirty = true
		}
		if f.pins == 1 {
			metrics.PinnedFrames.Inc()
		}
		c.mu.Unlock()
		metrics.PageHitsTotal.Inc()
		metrics.PinWaitDuration.Observe(time.Since(start).Seconds())
		return f, nil
	}

	// Fault: reserve the slot before releasing the lock so concurrent
	// acquires of the same page wait instead of double-fetching.
	f := &frame{key: key, pins: 1, ref: true, dirty: write, loading: true}
	var victim *frame
	if len(c.ring) >= c.budget {
		v, slot, err := c.evictLocked()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		victim = v
		c.ring[slot] = f
	} else {
		c.ring = append(c.ring, f)
	}
	c.frames[key] = f
	metrics.PinnedFrames.Inc()
	c.mu.Unlock()

	var data []float32
	if victim != nil {
		if victim.dirty {
			// A dirty victim stays in the map, marked loading, until the
			// write-back lands; a re-fault of its page must wait here or
			// it would read the stale remote copy.
			werr := c.tr.WritePage(ctx, victim.key.h, victim.key.page, victim.data)
			c.mu.Lock()
			if c.frames[victim.key] == victim {
				delete(c.frames, victim.key)
			}
			victim.loading = false
			c.cond.Broadcast()
			c.mu.Unlock()
			if werr != nil {
				c.abortLoad(key)
				return nil, fmt.Errorf("writeback of page %d/%d failed: %w",
					victim.key.h, victim.key.page, werr)
			}
			metrics.PageWritebacksTotal.Inc()
		}
		data = victim.data
	} else {
		data = make([]float32, PageFloats)
	}

	if err := c.tr.ReadPage(ctx, h, page, data); err != nil {
		c.abortLoad(key)
		return nil, fmt.Errorf("fetch of page %d/%d failed: %w", h, page, err)
	}

	c.mu.Lock()
	f.data = data
	f.loading = false
	c.cond.Broadcast()
	resident := len(c.ring)
	c.mu.Unlock()

	metrics.PageFaultsTotal.Inc()
	metrics.ResidentBytes.Set(float64(resident * PageFloats * 4))
	metrics.PinWaitDuration.Observe(time.Since(start).Seconds())
	return f, nil
}

// release drops one pin.
func (c *Cache) release(f *frame) {
	c.mu.Lock()
	f.pins--
	if f.pins == 0 {
		metrics.PinnedFrames.Dec()
	}
	c.mu.Unlock()
}

// evictLocked runs the clock hand over the ring and picks one unpinned
// frame, returning it and its slot for reuse. Clean victims leave the
// map at once; dirty victims stay mapped and marked loading so a
// concurrent fault of their page blocks until the caller's write-back
// completes. Every frame pinned means the working set exceeds the
// budget; that is a configuration error, not a condition to wait out.
func (c *Cache) evictLocked() (*frame, int, error) {
	for sweep := 0; sweep < 2*len(c.ring); sweep++ {
		slot := c.hand
		f := c.ring[slot]
		c.hand = (c.hand + 1) % len(c.ring)
		if f.pins > 0 || f.loading {
			continue
		}
		if f.ref {
			f.ref = false
			continue
		}
		if f.dirty {
			f.loading = true
		} else {
			delete(c.frames, f.key)
		}
		metrics.PageEvictionsTotal.Inc()
		return f, slot, nil
	}
	return nil, 0, fmt.Errorf("page cache thrash: all %d frames pinned, increase the cache budget", c.budget)
}

// abortLoad removes a reserved frame after a transport failure and wakes
// waiters so they can retry or fail.
func (c *Cache) abortLoad(key frameKey) {
	c.mu.Lock()
	if f, ok := c.frames[key]; ok && f.loading {
		delete(c.frames, key)
		for i, rf := range c.ring {
			if rf == f {
				c.ring = append(c.ring[:i], c.ring[i+1:]...)
				break
			}
		}
		if c.hand >= len(c.ring) {
			c.hand = 0
		}
		if f.pins > 0 {
			metrics.PinnedFrames.Dec()
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Flush writes every dirty frame of a handle back to the remote tier.
// Frames are pinned for the duration of their write so eviction cannot
// reuse the buffer mid-transfer.
func (c *Cache) Flush(ctx context.Context, h Handle) error {
	c.mu.Lock()
	var dirty []*frame
	for _, f := range c.frames {
		if f.key.h == h && f.dirty && !f.loading {
			f.pins++
			if f.pins == 1 {
				metrics.PinnedFrames.Inc()
			}
			dirty = append(dirty, f)
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, f := range dirty {
		var werr error
		if firstErr == nil {
			werr = c.tr.WritePage(ctx, f.key.h, f.key.page, f.data)
		}
		c.mu.Lock()
		f.pins--
		if f.pins == 0 {
			metrics.PinnedFrames.Dec()
		}
		if firstErr == nil && werr == nil {
			f.dirty = false
		}
		c.mu.Unlock()
		if firstErr == nil && werr != nil {
			firstErr = fmt.Errorf("flush of page %d/%d failed: %w", f.key.h, f.key.page, werr)
		} else if firstErr == nil {
			metrics.PageWritebacksTotal.Inc()
		}
	}
	return firstErr
}
