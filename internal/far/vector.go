package far

import (
	"context"
	"fmt"
)

// Vector is a remote-backed float32 array with a local-array fallback.
// Built with a cache it allocates on the remote tier and is reached only
// through pinned ranges; built without one (or assigned from a borrowed
// slice) it lives in local memory and the same range protocol degenerates
// to direct slice access.
type Vector struct {
	cache  *Cache
	handle Handle
	pages  int
	local  []float32
	n      int
}

// NewVector returns an empty vector. cache may be nil for a local vector.
func NewVector(cache *Cache) *Vector {
	return &Vector{cache: cache}
}

// Resize allocates n elements. On the remote tier a shortfall surfaces as
// an error; callers treat it as fatal because downstream offset arithmetic
// assumes exact sizing.
func (v *Vector) Resize(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("invalid size: %d", n)
	}
	if v.n != 0 {
		return fmt.Errorf("vector already sized to %d elements", v.n)
	}
	if v.cache == nil {
		v.local = make([]float32, n)
		v.n = n
		return nil
	}
	pages := (n + PageFloats - 1) / PageFloats
	if pages == 0 {
		pages = 1
	}
	h, err := v.cache.Transport().Alloc(ctx, pages)
	if err != nil {
		return fmt.Errorf("remote resize to %d elements failed: %w", n, err)
	}
	v.handle = h
	v.pages = pages
	v.n = n
	return nil
}

// AssignSlice aliases a borrowed region, typically a window into a
// memory-mapped checkpoint. No copy is made; the region must outlive the
// vector.
func (v *Vector) AssignSlice(s []float32) {
	v.cache = nil
	v.handle = 0
	v.pages = 0
	v.local = s
	v.n = len(s)
}

// Len returns the element count.
func (v *Vector) Len() int { return v.n }

// Remote reports whether the vector lives on the remote tier.
func (v *Vector) Remote() bool { return v.cache != nil }

// CopyTo bulk-copies len(dst) elements starting at srcOff into a local
// buffer, pinning pages one at a time.
func (v *Vector) CopyTo(ctx context.Context, dst []float32, srcOff int) error {
	if srcOff < 0 || srcOff+len(dst) > v.n {
		return fmt.Errorf("copy range [%d, %d) out of bounds (len %d)", srcOff, srcOff+len(dst), v.n)
	}
	if v.cache == nil {
		copy(dst, v.local[srcOff:])
		return nil
	}
	for n := 0; n < len(dst); {
		page := (srcOff + n) >> pageShift
		off := (srcOff + n) & pageMask
		f, err := v.cache.acquire(ctx, v.handle, page, false)
		if err != nil {
			return err
		}
		n += copy(dst[n:], f.data[off:])
		v.cache.release(f)
	}
	return nil
}

// Upload bulk-writes src into the vector starting at element 0, bypassing
// the page cache. It is the load-time path for pushing checkpoint weights
// into the remote tier and must not race with pinned readers.
func (v *Vector) Upload(ctx context.Context, src []float32) error {
	if len(src) > v.n {
		return fmt.Errorf("upload of %d elements exceeds vector size %d", len(src), v.n)
	}
	if v.cache == nil {
		copy(v.local, src)
		return nil
	}
	tr := v.cache.Transport()
	buf := make([]float32, PageFloats)
	for page := 0; page*PageFloats < len(src); page++ {
		chunk := src[page*PageFloats:]
		if len(chunk) >= PageFloats {
			chunk = chunk[:PageFloats]
		} else {
			// Final partial page is zero-padded.
			copy(buf, chunk)
			for i := len(chunk); i < PageFloats; i++ {
				buf[i] = 0
			}
			chunk = buf
		}
		if err := tr.WritePage(ctx, v.handle, page, chunk); err != nil {
			return fmt.Errorf("upload of page %d failed: %w", page, err)
		}
	}
	return nil
}

// Release frees the remote allocation. Local vectors drop their slice.
func (v *Vector) Release(ctx context.Context) error {
	if v.cache != nil && v.pages > 0 {
		if err := v.cache.Transport().Free(ctx, v.handle); err != nil {
			return err
		}
		v.pages = 0
	}
	v.local = nil
	v.n = 0
	return nil
}
