package far

import (
	"context"
	"fmt"
)

// Scope is the access guard for remote ranges. Ranges are obtained only
// through a scope and are pinned the moment they are handed out; Exit
// unpins everything still held, so a deferred Exit guarantees release on
// every path. Scopes nest: a worker's scope is a child of the partitioning
// call's scope and must not outlive it. Scopes are not shared across
// workers.
type Scope struct {
	ctx    context.Context
	parent *Scope
	ranges []*Range
}

// Root opens a top-level scope bound to ctx.
func Root(ctx context.Context) *Scope {
	return &Scope{ctx: ctx}
}

// Enter opens a child scope. It inherits the parent's context.
func Enter(parent *Scope) *Scope {
	return &Scope{ctx: parent.ctx, parent: parent}
}

// Exit closes every range still held, in reverse acquisition order.
// Closing twice is harmless.
func (s *Scope) Exit() {
	for i := len(s.ranges) - 1; i >= 0; i-- {
		s.ranges[i].Close()
	}
	s.ranges = nil
}

// Read pins [start, end) of v for reading and returns the range.
func (s *Scope) Read(v *Vector, start, end int) (*Range, error) {
	return s.open(v, start, end, false)
}

// Write pins [start, end) of v for writing. Frames covered by the range
// are marked dirty up front so eviction after release writes them back.
func (s *Scope) Write(v *Vector, start, end int) (*Range, error) {
	return s.open(v, start, end, true)
}

func (s *Scope) open(v *Vector, start, end int, write bool) (*Range, error) {
	if start < 0 || end > v.n || start > end {
		return nil, fmt.Errorf("range [%d, %d) out of bounds (len %d)", start, end, v.n)
	}
	r := &Range{v: v, start: start, end: end, write: write}
	if v.cache != nil && start < end {
		firstPage := start >> pageShift
		lastPage := (end - 1) >> pageShift
		r.firstPage = firstPage
		for p := firstPage; p <= lastPage; p++ {
			f, err := v.cache.acquire(s.ctx, v.handle, p, write)
			if err != nil {
				// Unpin what this range already holds before failing.
				for _, held := range r.frames {
					v.cache.release(held)
				}
				return nil, err
			}
			r.frames = append(r.frames, f)
			r.wins = append(r.wins, f.data)
		}
	}
	s.ranges = append(s.ranges, r)
	return r, nil
}

// Range is a pinned window over [start, end) of a vector. Element indices
// are absolute positions in the vector, matching the offset arithmetic of
// the callers. Access outside the pinned bounds is the caller's bug.
type Range struct {
	v         *Vector
	start     int
	end       int
	write     bool
	firstPage int
	frames    []*frame
	wins      [][]float32
	closed    bool
}

// At reads element i.
func (r *Range) At(i int) float32 {
	if r.wins == nil {
		return r.v.local[i]
	}
	return r.wins[(i>>pageShift)-r.firstPage][i&pageMask]
}

// Set writes element i. The range must have been opened for writing.
func (r *Range) Set(i int, x float32) {
	if !r.write {
		panic("far: Set on a read range")
	}
	if r.wins == nil {
		r.v.local[i] = x
		return
	}
	r.wins[(i>>pageShift)-r.firstPage][i&pageMask] = x
}

// CopyOut copies [start, start+len(dst)) into dst.
func (r *Range) CopyOut(dst []float32) {
	if r.wins == nil {
		copy(dst, r.v.local[r.start:r.end])
		return
	}
	for n := 0; n < len(dst) && r.start+n < r.end; {
		i := r.start + n
		win := r.wins[(i>>pageShift)-r.firstPage]
		off := i & pageMask
		avail := PageFloats - off
		if rem := r.end - i; rem < avail {
			avail = rem
		}
		n += copy(dst[n:], win[off:off+avail])
	}
}

// CopyIn copies src into [start, start+len(src)). The range must have been
// opened for writing.
func (r *Range) CopyIn(src []float32) {
	if !r.write {
		panic("far: CopyIn on a read range")
	}
	if r.wins == nil {
		copy(r.v.local[r.start:r.end], src)
		return
	}
	for n := 0; n < len(src) && r.start+n < r.end; {
		i := r.start + n
		win := r.wins[(i>>pageShift)-r.firstPage]
		n += copy(win[i&pageMask:], src[n:])
	}
}

// Close unpins the range. Idempotent; Exit calls it for every range the
// scope still holds.
func (r *Range) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.v.cache != nil {
		for _, f := range r.frames {
			r.v.cache.release(f)
		}
	}
	r.frames = nil
	r.wins = nil
}

// Cursor steps forward over a pinned range, one element per Next call.
// It is the streaming access path for dot products over weight rows.
type Cursor struct {
	wins  [][]float32
	wi    int
	off   int
	local []float32
	idx   int
}

// Cursor positions a new cursor at the start of the range.
func (r *Range) Cursor() Cursor {
	if r.wins == nil {
		return Cursor{local: r.v.local, idx: r.start}
	}
	return Cursor{
		wins: r.wins,
		wi:   (r.start >> pageShift) - r.firstPage,
		off:  r.start & pageMask,
	}
}

// Next returns the current element and advances.
func (c *Cursor) Next() float32 {
	if c.local != nil {
		x := c.local[c.idx]
		c.idx++
		return x
	}
	x := c.wins[c.wi][c.off]
	c.off++
	if c.off == PageFloats {
		c.wi++
		c.off = 0
	}
	return x
}
