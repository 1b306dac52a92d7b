//go:build unix

package model

import (
	"fmt"
	"os"
	"syscall"
)

// mapped is a read-only memory-mapped file. On unix the checkpoint is
// mapped rather than read, so the page cache serves the weights and a
// multi-gigabyte model never has to fit in the heap at load time.
type mapped struct {
	data []byte
	mm   []byte
}

func mapFile(path string) (*mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("empty checkpoint: %s", path)
	}

	mm, err := syscall.Mmap(int(f.Fd()), 0, int(st.Size()),
		syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	return &mapped{data: mm, mm: mm}, nil
}

func (m *mapped) Close() error {
	if m.mm == nil {
		return nil
	}
	err := syscall.Munmap(m.mm)
	m.mm = nil
	m.data = nil
	return err
}
