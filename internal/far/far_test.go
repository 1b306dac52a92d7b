package far

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newRemoteVector(t *testing.T, frames, n int) (*Vector, *Cache) {
	t.Helper()
	tr := NewMemTransport(0)
	cache := NewCache(tr, int64(frames)*PageFloats*4)
	v := NewVector(cache)
	if err := v.Resize(context.Background(), n); err != nil {
		t.Fatalf("Resize(%d) failed: %v", n, err)
	}
	return v, cache
}

func TestMemTransportShortfall(t *testing.T) {
	tr := NewMemTransport(4)
	ctx := context.Background()

	if _, err := tr.Alloc(ctx, 3); err != nil {
		t.Fatalf("Alloc(3) failed: %v", err)
	}
	_, err := tr.Alloc(ctx, 3)
	if err == nil {
		t.Fatal("expected shortfall error, got nil")
	}
	if !strings.Contains(err.Error(), "shortfall") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestVectorResizeTwice(t *testing.T) {
	v := NewVector(nil)
	if err := v.Resize(context.Background(), 8); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if err := v.Resize(context.Background(), 8); err == nil {
		t.Fatal("expected error on second Resize, got nil")
	}
}

func TestVectorAssignSliceAliases(t *testing.T) {
	backing := []float32{1, 2, 3, 4}
	v := NewVector(nil)
	v.AssignSlice(backing)

	if v.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", v.Len())
	}
	backing[2] = 42

	s := Root(context.Background())
	defer s.Exit()
	r, err := s.Read(v, 0, 4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := r.At(2); got != 42 {
		t.Errorf("At(2) = %v, want 42 (vector must alias, not copy)", got)
	}
}

func TestRangeRoundTripAcrossPages(t *testing.T) {
	n := PageFloats*2 + 17
	v, _ := newRemoteVector(t, 4, n)
	ctx := context.Background()

	s := Root(ctx)
	w, err := s.Write(v, 0, n)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for i := 0; i < n; i++ {
		w.Set(i, float32(i))
	}
	s.Exit()

	s = Root(ctx)
	defer s.Exit()
	r, err := s.Read(v, PageFloats-2, PageFloats+2)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	got := make([]float32, 4)
	r.CopyOut(got)
	want := []float32{PageFloats - 2, PageFloats - 1, PageFloats, PageFloats + 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("page-straddling read mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyInCopyOut(t *testing.T) {
	v, _ := newRemoteVector(t, 4, PageFloats+100)
	ctx := context.Background()

	src := make([]float32, 200)
	for i := range src {
		src[i] = float32(i) * 0.5
	}

	s := Root(ctx)
	w, err := s.Write(v, PageFloats-100, PageFloats+100)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.CopyIn(src)
	s.Exit()

	got := make([]float32, 200)
	if err := v.CopyTo(ctx, got, PageFloats-100); err != nil {
		t.Fatalf("CopyTo failed: %v", err)
	}
	if diff := cmp.Diff(src, got); diff != "" {
		t.Errorf("CopyIn/CopyTo mismatch (-want +got):\n%s", diff)
	}
}

func TestCursorCrossesPageBoundary(t *testing.T) {
	n := PageFloats + 8
	v, _ := newRemoteVector(t, 4, n)
	ctx := context.Background()

	s := Root(ctx)
	w, err := s.Write(v, 0, n)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for i := 0; i < n; i++ {
		w.Set(i, float32(i))
	}
	s.Exit()

	s = Root(ctx)
	defer s.Exit()
	r, err := s.Read(v, PageFloats-4, PageFloats+4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	cur := r.Cursor()
	for i := PageFloats - 4; i < PageFloats+4; i++ {
		if got := cur.Next(); got != float32(i) {
			t.Fatalf("Next() at %d = %v, want %d", i, got, i)
		}
	}
}

func TestSetOnReadRangePanics(t *testing.T) {
	v, _ := newRemoteVector(t, 2, 8)
	s := Root(context.Background())
	defer s.Exit()

	r, err := s.Read(v, 0, 8)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic on Set through a read range")
		}
	}()
	r.Set(0, 1)
}

func TestEvictionSkipsPinned(t *testing.T) {
	// 2 frames, 3 pages: pinning page 0 forces pages 1 and 2 to churn
	// through the second frame while page 0 stays resident.
	v, _ := newRemoteVector(t, 2, PageFloats*3)
	ctx := context.Background()

	s := Root(ctx)
	w, err := s.Write(v, 0, 1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Set(0, 7)

	for pass := 0; pass < 3; pass++ {
		for page := 1; page < 3; page++ {
			inner := Enter(s)
			r, err := inner.Read(v, page*PageFloats, page*PageFloats+1)
			if err != nil {
				t.Fatalf("pass %d page %d: Read failed: %v", pass, page, err)
			}
			_ = r.At(page * PageFloats)
			inner.Exit()
		}
	}

	if got := w.At(0); got != 7 {
		t.Errorf("pinned page lost its contents: At(0) = %v, want 7", got)
	}
	s.Exit()
}

func TestThrashErrorWhenAllPinned(t *testing.T) {
	v, _ := newRemoteVector(t, 2, PageFloats*3)
	ctx := context.Background()

	s := Root(ctx)
	defer s.Exit()
	if _, err := s.Read(v, 0, 1); err != nil {
		t.Fatalf("Read page 0 failed: %v", err)
	}
	if _, err := s.Read(v, PageFloats, PageFloats+1); err != nil {
		t.Fatalf("Read page 1 failed: %v", err)
	}

	_, err := s.Read(v, 2*PageFloats, 2*PageFloats+1)
	if err == nil {
		t.Fatal("expected thrash error with every frame pinned, got nil")
	}
	if !strings.Contains(err.Error(), "thrash") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExitReleasesPins(t *testing.T) {
	v, cache := newRemoteVector(t, 2, PageFloats*2)
	ctx := context.Background()

	s := Root(ctx)
	if _, err := s.Read(v, 0, PageFloats*2); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	s.Exit()

	cache.mu.Lock()
	for _, f := range cache.ring {
		if f.pins != 0 {
			t.Errorf("frame %v still pinned after Exit: pins = %d", f.key, f.pins)
		}
	}
	cache.mu.Unlock()
}

func TestWritebackOnEviction(t *testing.T) {
	tr := NewMemTransport(0)
	cache := NewCache(tr, 2*PageFloats*4)
	v := NewVector(cache)
	ctx := context.Background()
	if err := v.Resize(ctx, PageFloats*3); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	s := Root(ctx)
	w, err := s.Write(v, 0, 1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Set(0, 99)
	s.Exit()

	// Touch enough pages to evict page 0, then read it back through the
	// transport directly.
	for page := 1; page < 3; page++ {
		s = Root(ctx)
		if _, err := s.Read(v, page*PageFloats, page*PageFloats+1); err != nil {
			t.Fatalf("Read page %d failed: %v", page, err)
		}
		s.Exit()
	}

	buf := make([]float32, PageFloats)
	if err := tr.ReadPage(ctx, v.handle, 0, buf); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if buf[0] != 99 {
		t.Errorf("dirty page not written back: got %v, want 99", buf[0])
	}
}

func TestUploadThenCopyTo(t *testing.T) {
	v, _ := newRemoteVector(t, 4, PageFloats+10)
	ctx := context.Background()

	src := make([]float32, PageFloats+10)
	for i := range src {
		src[i] = float32(i % 31)
	}
	if err := v.Upload(ctx, src); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	got := make([]float32, len(src))
	if err := v.CopyTo(ctx, got, 0); err != nil {
		t.Fatalf("CopyTo failed: %v", err)
	}
	if diff := cmp.Diff(src, got); diff != "" {
		t.Errorf("Upload/CopyTo mismatch (-want +got):\n%s", diff)
	}
}

// stallTransport delays the first write-back of one page until released,
// widening the window between eviction and the write landing remotely.
type stallTransport struct {
	*MemTransport
	page    int
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallTransport) WritePage(ctx context.Context, h Handle, page int, src []float32) error {
	if page == s.page {
		s.once.Do(func() {
			close(s.started)
			<-s.release
		})
	}
	return s.MemTransport.WritePage(ctx, h, page, src)
}

func TestRefaultWaitsForEvictionWriteback(t *testing.T) {
	tr := &stallTransport{
		MemTransport: NewMemTransport(0),
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	cache := NewCache(tr, 2*PageFloats*4)
	v := NewVector(cache)
	ctx := context.Background()
	if err := v.Resize(ctx, PageFloats*3); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	// Dirty page 0, then fill the second frame so the next fault evicts
	// page 0 and stalls inside its write-back.
	s := Root(ctx)
	w, err := s.Write(v, 0, 1)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Set(0, 99)
	s.Exit()

	s = Root(ctx)
	if _, err := s.Read(v, PageFloats, PageFloats+1); err != nil {
		t.Fatalf("Read page 1 failed: %v", err)
	}
	s.Exit()

	evicted := make(chan error, 1)
	go func() {
		sc := Root(ctx)
		defer sc.Exit()
		_, err := sc.Read(v, 2*PageFloats, 2*PageFloats+1)
		evicted <- err
	}()
	<-tr.started

	// Re-fault page 0 while its write-back is still in flight. The read
	// must see the dirtied value, not the stale remote copy.
	got := make(chan float32, 1)
	go func() {
		sc := Root(ctx)
		defer sc.Exit()
		r, err := sc.Read(v, 0, 1)
		if err != nil {
			t.Errorf("Read page 0 failed: %v", err)
			got <- -1
			return
		}
		got <- r.At(0)
	}()

	time.Sleep(50 * time.Millisecond)
	close(tr.release)

	if err := <-evicted; err != nil {
		t.Fatalf("Read page 2 failed: %v", err)
	}
	if x := <-got; x != 99 {
		t.Errorf("re-faulted page 0 element 0 = %v, want 99", x)
	}
}

func TestFlushWritesDirtyFrames(t *testing.T) {
	tr := NewMemTransport(0)
	cache := NewCache(tr, 8*PageFloats*4)
	v := NewVector(cache)
	ctx := context.Background()
	if err := v.Resize(ctx, PageFloats*2); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	s := Root(ctx)
	w, err := s.Write(v, 0, PageFloats*2)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	w.Set(0, 11)
	w.Set(PageFloats, 22)
	s.Exit()

	if err := cache.Flush(ctx, v.handle); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	buf := make([]float32, PageFloats)
	if err := tr.ReadPage(ctx, v.handle, 1, buf); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if buf[0] != 22 {
		t.Errorf("flushed page 1 starts with %v, want 22", buf[0])
	}
}

func TestConcurrentReadersShareFrames(t *testing.T) {
	v, _ := newRemoteVector(t, 8, PageFloats*4)
	ctx := context.Background()

	s := Root(ctx)
	w, err := s.Write(v, 0, PageFloats*4)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for i := 0; i < PageFloats*4; i++ {
		w.Set(i, float32(i))
	}
	s.Exit()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for iter := 0; iter < 50; iter++ {
				start := ((g + iter) % 4) * PageFloats
				sc := Root(ctx)
				r, err := sc.Read(v, start, start+PageFloats)
				if err != nil {
					errs <- err
					sc.Exit()
					return
				}
				if got := r.At(start + 3); got != float32(start+3) {
					errs <- fmt.Errorf("At(%d) = %v, want %d", start+3, got, start+3)
					sc.Exit()
					return
				}
				sc.Exit()
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func BenchmarkAcquireHit(b *testing.B) {
	tr := NewMemTransport(0)
	cache := NewCache(tr, 8*PageFloats*4)
	v := NewVector(cache)
	ctx := context.Background()
	if err := v.Resize(ctx, PageFloats); err != nil {
		b.Fatalf("Resize failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := Root(ctx)
		r, err := s.Read(v, 0, PageFloats)
		if err != nil {
			b.Fatalf("Read failed: %v", err)
		}
		_ = r.At(0)
		s.Exit()
	}
}

func BenchmarkCursorScan(b *testing.B) {
	tr := NewMemTransport(0)
	cache := NewCache(tr, 16*PageFloats*4)
	v := NewVector(cache)
	ctx := context.Background()
	if err := v.Resize(ctx, PageFloats*8); err != nil {
		b.Fatalf("Resize failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := Root(ctx)
		r, err := s.Read(v, 0, PageFloats*8)
		if err != nil {
			b.Fatalf("Read failed: %v", err)
		}
		cur := r.Cursor()
		sum := float32(0)
		for j := 0; j < PageFloats*8; j++ {
			sum += cur.Next()
		}
		_ = sum
		s.Exit()
	}
}
