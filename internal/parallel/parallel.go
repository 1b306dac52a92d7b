// Package parallel partitions index spaces across a fixed worker pool.
// Kernels hand it a total count and a per-block function; each block runs
// in its own goroutine under a child access scope, so pins taken inside a
// block are released when the block finishes.
package parallel

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/far"
)

// fanout oversubscribes the worker count so blocks that stall on page
// faults leave runnable blocks for the scheduler to fill in with.
const fanout = 8

var (
	mu      sync.RWMutex
	workers = 1
)

// SetWorkers fixes the pool size for all subsequent For calls. Values
// below 1 are clamped to 1.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	mu.Lock()
	workers = n
	mu.Unlock()
}

// Workers returns the configured pool size.
func Workers() int {
	mu.RLock()
	defer mu.RUnlock()
	return workers
}

// Blocks returns the partition count used for a For call: workers times
// the fanout factor.
func Blocks() int {
	return Workers() * fanout
}

// Block is one contiguous slice [Start, End) of the index space.
type Block struct {
	Index int
	Start int
	End   int
}

// Partition splits [0, total) into at most t contiguous blocks of near
// equal size. Empty blocks are dropped, so total < t yields total
// single-element blocks. The blocks cover [0, total) exactly with no
// overlap.
func Partition(total, t int) []Block {
	if total <= 0 || t < 1 {
		return nil
	}
	size := (total + t - 1) / t
	blocks := make([]Block, 0, t)
	for i, start := 0, 0; start < total; i, start = i+1, start+size {
		end := start + size
		if end > total {
			end = total
		}
		blocks = append(blocks, Block{Index: i, Start: start, End: end})
	}
	return blocks
}

// For runs fn over a partition of [0, total). Each block executes in its
// own goroutine with a child scope of parent; the scope is exited when
// the block returns, on error paths included. At most Workers goroutines
// run concurrently. The first error cancels the remaining blocks and is
// returned; For does not return until every started block has finished.
func For(total int, parent *far.Scope, fn func(b Block, s *far.Scope) error) error {
	blocks := Partition(total, Blocks())
	if len(blocks) == 0 {
		return nil
	}
	if len(blocks) == 1 {
		s := far.Enter(parent)
		defer s.Exit()
		return fn(blocks[0], s)
	}

	var g errgroup.Group
	g.SetLimit(Workers())
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			s := far.Enter(parent)
			defer s.Exit()
			return fn(b, s)
		})
	}
	return g.Wait()
}
