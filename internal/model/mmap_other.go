//go:build !unix

package model

import (
	"fmt"
	"os"
)

// mapped falls back to reading the whole checkpoint into memory on
// platforms without mmap.
type mapped struct {
	data []byte
}

func mapFile(path string) (*mapped, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty checkpoint: %s", path)
	}
	return &mapped{data: data}, nil
}

func (m *mapped) Close() error {
	m.data = nil
	return nil
}
