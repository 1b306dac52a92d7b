package config

import (
	"fmt"
)

// Config holds the transformer hyperparameters. It is read once from the
// checkpoint header and never mutated afterwards.
type Config struct {
	Dim       int // transformer embedding dimension
	HiddenDim int // ffn hidden dimension
	Layers    int
	Heads     int // query heads
	KVHeads   int // key/value heads, <= Heads under GQA
	VocabSize int
	SeqLen    int // maximum sequence length

	// SharedClassifier reports whether the classifier matrix is tied to the
	// token embedding table. Signalled by the sign of vocab_size in the
	// checkpoint header.
	SharedClassifier bool
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) must be divisible by kv_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("dim (%d) must be divisible by heads (%d)", c.Dim, c.Heads)
	}
	if c.HeadSize()%2 != 0 {
		return fmt.Errorf("head size (%d) must be even for rotary encoding", c.HeadSize())
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	return nil
}

// HeadSize is the per-head embedding width.
func (c *Config) HeadSize() int {
	return c.Dim / c.Heads
}

// KVDim is the width of one key or value row in the cache.
func (c *Config) KVDim() int {
	return c.Dim * c.KVHeads / c.Heads
}

// KVMul is the query-head to kv-head sharing multiplier under GQA.
func (c *Config) KVMul() int {
	return c.Heads / c.KVHeads
}

// Runtime holds the per-run options that come from the CLI rather than the
// checkpoint header.
type Runtime struct {
	Temperature  float32
	TopP         float32
	Seed         uint64
	Steps        int
	Prompt       string
	Tokenizer    string
	Mode         string // generate | chat
	SystemPrompt string

	RemoteAddr  string // Flight server address; empty selects the in-process store
	CacheBytes  int64  // page cache budget
	Workers     int
	MetricsAddr string
	LogLevel    string
}

func (r *Runtime) Validate() error {
	if r.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be non-negative)", r.Temperature)
	}
	if r.Steps < 0 {
		return fmt.Errorf("invalid steps: %d (must be non-negative)", r.Steps)
	}
	if r.Mode != "generate" && r.Mode != "chat" {
		return fmt.Errorf("unknown mode: %s", r.Mode)
	}
	if r.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", r.Workers)
	}
	if r.CacheBytes < 0 {
		return fmt.Errorf("invalid cache bytes: %d (must be non-negative)", r.CacheBytes)
	}
	return nil
}

func DefaultRuntime() Runtime {
	return Runtime{
		Temperature: 1.0,
		TopP:        0.9,
		Seed:        1,
		Steps:       256,
		Tokenizer:   "tokenizer.bin",
		Mode:        "generate",
		CacheBytes:  1 << 30,
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}
