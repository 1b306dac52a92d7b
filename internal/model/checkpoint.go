// Package model loads transformer checkpoints and owns the weight and
// run-state tensors of the forward pass.
package model

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// headerBytes is seven little-endian int32 fields: dim, hidden_dim,
// n_layers, n_heads, n_kv_heads, vocab_size, seq_len.
const headerBytes = 7 * 4

// Checkpoint is a memory-mapped model file. Floats views the weight
// region in place; it stays valid until Close.
type Checkpoint struct {
	Config config.Config
	Floats []float32
	m      *mapped
}

// Open maps a checkpoint file and parses its header. A negative
// vocab_size in the header marks an unshared classifier matrix.
func Open(path string) (*Checkpoint, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	if len(m.data) < headerBytes {
		m.Close()
		return nil, fmt.Errorf("checkpoint %s too short for header: %d bytes", path, len(m.data))
	}

	hdr := make([]int32, 7)
	for i := range hdr {
		hdr[i] = int32(binary.LittleEndian.Uint32(m.data[i*4:]))
	}
	cfg := config.Config{
		Dim:              int(hdr[0]),
		HiddenDim:        int(hdr[1]),
		Layers:           int(hdr[2]),
		Heads:            int(hdr[3]),
		KVHeads:          int(hdr[4]),
		VocabSize:        int(hdr[5]),
		SeqLen:           int(hdr[6]),
		SharedClassifier: hdr[5] > 0,
	}
	if cfg.VocabSize < 0 {
		cfg.VocabSize = -cfg.VocabSize
	}
	if err := cfg.Validate(); err != nil {
		m.Close()
		return nil, fmt.Errorf("invalid checkpoint %s: %w", path, err)
	}

	body := m.data[headerBytes:]
	if len(body)%4 != 0 {
		m.Close()
		return nil, fmt.Errorf("checkpoint %s weight region not float-aligned: %d bytes", path, len(body))
	}
	floats := unsafe.Slice((*float32)(unsafe.Pointer(&body[0])), len(body)/4)

	logger.Log.Info("checkpoint mapped",
		"path", path,
		"dim", cfg.Dim,
		"hidden_dim", cfg.HiddenDim,
		"layers", cfg.Layers,
		"heads", cfg.Heads,
		"kv_heads", cfg.KVHeads,
		"vocab_size", cfg.VocabSize,
		"seq_len", cfg.SeqLen,
		"shared_classifier", cfg.SharedClassifier)

	return &Checkpoint{Config: cfg, Floats: floats, m: m}, nil
}

// WeightFloats returns the number of float32 elements the weight region
// must hold for cfg, including the legacy RoPE frequency tables that
// sit between the final norm and the classifier.
func WeightFloats(cfg config.Config) int {
	headSize := cfg.HeadSize()
	kvDim := cfg.KVDim()
	n := cfg.VocabSize * cfg.Dim              // token embedding
	n += cfg.Layers * cfg.Dim                 // attention norms
	n += cfg.Layers * cfg.Dim * cfg.Dim       // wq
	n += cfg.Layers * cfg.Dim * kvDim * 2     // wk, wv
	n += cfg.Layers * cfg.Dim * cfg.Dim       // wo
	n += cfg.Layers * cfg.Dim                 // ffn norms
	n += cfg.Layers * cfg.Dim * cfg.HiddenDim // w1
	n += cfg.Layers * cfg.HiddenDim * cfg.Dim // w2
	n += cfg.Layers * cfg.Dim * cfg.HiddenDim // w3
	n += cfg.Dim                              // final norm
	n += cfg.SeqLen * headSize                // legacy freq_cis tables
	if !cfg.SharedClassifier {
		n += cfg.VocabSize * cfg.Dim
	}
	return n
}

// Validate checks that the mapped weight region holds every tensor the
// header promises.
func (c *Checkpoint) Validate() error {
	want := WeightFloats(c.Config)
	if len(c.Floats) < want {
		return fmt.Errorf("checkpoint truncated: %d floats, need %d", len(c.Floats), want)
	}
	return nil
}

// Close unmaps the file. Weight views taken from Floats become invalid.
func (c *Checkpoint) Close() error {
	c.Floats = nil
	return c.m.Close()
}
