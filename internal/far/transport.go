package far

import (
	"context"
	"fmt"
	"sync"
)

// PageFloats is the transfer granularity of the remote tier, in float32
// elements. 1024 floats = one 4 KiB page.
const (
	PageFloats = 1024
	pageShift  = 10
	pageMask   = PageFloats - 1
)

// Handle identifies an allocation on the remote tier.
type Handle uint64

// Transport moves pages between local frames and the remote memory tier.
// Implementations: MemTransport (in-process) and FlightTransport (Arrow
// Flight against a longbow server).
type Transport interface {
	// Alloc reserves pages on the remote tier and returns their handle.
	Alloc(ctx context.Context, pages int) (Handle, error)
	// Free releases an allocation.
	Free(ctx context.Context, h Handle) error
	// ReadPage fills dst (PageFloats long) with the page contents.
	ReadPage(ctx context.Context, h Handle, page int, dst []float32) error
	// WritePage stores src (PageFloats long) as the page contents.
	WritePage(ctx context.Context, h Handle, page int, src []float32) error
	Close() error
}

// MemTransport is an in-process remote tier. It stands in for a real far
// memory server when none is configured, and backs the tests.
type MemTransport struct {
	mu       sync.Mutex
	next     Handle
	pages    map[Handle][][]float32
	maxPages int // 0 = unlimited
	used     int
}

// NewMemTransport returns a MemTransport holding at most maxPages pages
// (0 for unlimited).
func NewMemTransport(maxPages int) *MemTransport {
	return &MemTransport{
		next:     1,
		pages:    make(map[Handle][][]float32),
		maxPages: maxPages,
	}
}

func (t *MemTransport) Alloc(ctx context.Context, pages int) (Handle, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("invalid page count: %d", pages)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.maxPages > 0 && t.used+pages > t.maxPages {
		return 0, fmt.Errorf("allocation shortfall: requested %d pages, %d available",
			pages, t.maxPages-t.used)
	}
	h := t.next
	t.next++
	alloc := make([][]float32, pages)
	for i := range alloc {
		alloc[i] = make([]float32, PageFloats)
	}
	t.pages[h] = alloc
	t.used += pages
	return h, nil
}

func (t *MemTransport) Free(ctx context.Context, h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc, ok := t.pages[h]
	if !ok {
		return fmt.Errorf("unknown handle: %d", h)
	}
	t.used -= len(alloc)
	delete(t.pages, h)
	return nil
}

func (t *MemTransport) ReadPage(ctx context.Context, h Handle, page int, dst []float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc, ok := t.pages[h]
	if !ok {
		return fmt.Errorf("unknown handle: %d", h)
	}
	if page < 0 || page >= len(alloc) {
		return fmt.Errorf("page %d out of bounds for handle %d (%d pages)", page, h, len(alloc))
	}
	copy(dst, alloc[page])
	return nil
}

func (t *MemTransport) WritePage(ctx context.Context, h Handle, page int, src []float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	alloc, ok := t.pages[h]
	if !ok {
		return fmt.Errorf("unknown handle: %d", h)
	}
	if page < 0 || page >= len(alloc) {
		return fmt.Errorf("page %d out of bounds for handle %d (%d pages)", page, h, len(alloc))
	}
	copy(alloc[page], src)
	return nil
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages = make(map[Handle][][]float32)
	t.used = 0
	return nil
}
