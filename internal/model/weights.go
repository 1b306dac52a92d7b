package model

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/far"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Weights holds every parameter tensor as a far vector. Per-layer
// tensors are packed layer-major inside one vector, so layer l of Wq
// starts at l*dim*dim.
type Weights struct {
	TokenEmbedding *far.Vector // (vocab, dim)
	RMSAtt         *far.Vector // (layers, dim)
	Wq             *far.Vector // (layers, dim, dim)
	Wk             *far.Vector // (layers, kv_dim, dim)
	Wv             *far.Vector // (layers, kv_dim, dim)
	Wo             *far.Vector // (layers, dim, dim)
	RMSFfn         *far.Vector // (layers, dim)
	W1             *far.Vector // (layers, hidden, dim)
	W2             *far.Vector // (layers, dim, hidden)
	W3             *far.Vector // (layers, hidden, dim)
	RMSFinal       *far.Vector // (dim)
	Wcls           *far.Vector // (vocab, dim); aliases TokenEmbedding when shared
}

// BuildWeights carves the checkpoint's weight region into tensors. With
// a nil cache each vector aliases its mapped window directly; with a
// cache the tensors are pushed to the remote tier and the mapping can be
// closed afterwards.
func BuildWeights(ctx context.Context, ckpt *Checkpoint, cache *far.Cache) (*Weights, error) {
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	cfg := ckpt.Config
	kvDim := cfg.KVDim()
	headSize := cfg.HeadSize()

	w := &Weights{}
	off := 0
	take := func(dst **far.Vector, n int) error {
		window := ckpt.Floats[off : off+n]
		off += n
		v := far.NewVector(cache)
		if cache == nil {
			v.AssignSlice(window)
		} else {
			if err := v.Resize(ctx, n); err != nil {
				return err
			}
			if err := v.Upload(ctx, window); err != nil {
				return err
			}
		}
		*dst = v
		return nil
	}

	start := time.Now()
	if err := take(&w.TokenEmbedding, cfg.VocabSize*cfg.Dim); err != nil {
		return nil, fmt.Errorf("token embedding: %w", err)
	}
	if err := take(&w.RMSAtt, cfg.Layers*cfg.Dim); err != nil {
		return nil, fmt.Errorf("attention norms: %w", err)
	}
	if err := take(&w.Wq, cfg.Layers*cfg.Dim*cfg.Dim); err != nil {
		return nil, fmt.Errorf("wq: %w", err)
	}
	if err := take(&w.Wk, cfg.Layers*cfg.Dim*kvDim); err != nil {
		return nil, fmt.Errorf("wk: %w", err)
	}
	if err := take(&w.Wv, cfg.Layers*cfg.Dim*kvDim); err != nil {
		return nil, fmt.Errorf("wv: %w", err)
	}
	if err := take(&w.Wo, cfg.Layers*cfg.Dim*cfg.Dim); err != nil {
		return nil, fmt.Errorf("wo: %w", err)
	}
	if err := take(&w.RMSFfn, cfg.Layers*cfg.Dim); err != nil {
		return nil, fmt.Errorf("ffn norms: %w", err)
	}
	if err := take(&w.W1, cfg.Layers*cfg.Dim*cfg.HiddenDim); err != nil {
		return nil, fmt.Errorf("w1: %w", err)
	}
	if err := take(&w.W2, cfg.Layers*cfg.HiddenDim*cfg.Dim); err != nil {
		return nil, fmt.Errorf("w2: %w", err)
	}
	if err := take(&w.W3, cfg.Layers*cfg.Dim*cfg.HiddenDim); err != nil {
		return nil, fmt.Errorf("w3: %w", err)
	}
	if err := take(&w.RMSFinal, cfg.Dim); err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}

	// Legacy checkpoints carry precomputed RoPE frequency tables here;
	// skip them, the rotation is computed on the fly.
	off += cfg.SeqLen * headSize / 2 // freq_cis_real
	off += cfg.SeqLen * headSize / 2 // freq_cis_imag

	if cfg.SharedClassifier {
		w.Wcls = w.TokenEmbedding
	} else {
		if err := take(&w.Wcls, cfg.VocabSize*cfg.Dim); err != nil {
			return nil, fmt.Errorf("classifier: %w", err)
		}
	}

	logger.Log.Info("weights loaded",
		"floats", off,
		"remote", cache != nil,
		"elapsed", time.Since(start).String())
	return w, nil
}

// Release frees the remote allocations behind the weights.
func (w *Weights) Release(ctx context.Context) error {
	vecs := []*far.Vector{
		w.TokenEmbedding, w.RMSAtt, w.Wq, w.Wk, w.Wv, w.Wo,
		w.RMSFfn, w.W1, w.W2, w.W3, w.RMSFinal,
	}
	if w.Wcls != w.TokenEmbedding {
		vecs = append(vecs, w.Wcls)
	}
	for _, v := range vecs {
		if v == nil {
			continue
		}
		if err := v.Release(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunState is the per-step activation workspace. Activations live in
// local memory; the key and value caches are far vectors sized for the
// full context window.
type RunState struct {
	X      []float32 // (dim) residual stream
	Xb     []float32 // (dim) scratch
	Xb2    []float32 // (dim) scratch
	Hb     []float32 // (hidden_dim) ffn gate
	Hb2    []float32 // (hidden_dim) ffn up
	Q      []float32 // (dim) query
	Att    []float32 // (heads, seq_len) attention scores
	Logits []float32 // (vocab)

	KeyCache   *far.Vector // (layers, seq_len, kv_dim)
	ValueCache *far.Vector // (layers, seq_len, kv_dim)
}

// NewRunState allocates the workspace. The kv cache lands on the remote
// tier when cache is non-nil; an allocation shortfall there surfaces as
// an error rather than a partial cache.
func NewRunState(ctx context.Context, cfg config.Config, cache *far.Cache) (*RunState, error) {
	s := &RunState{
		X:      make([]float32, cfg.Dim),
		Xb:     make([]float32, cfg.Dim),
		Xb2:    make([]float32, cfg.Dim),
		Hb:     make([]float32, cfg.HiddenDim),
		Hb2:    make([]float32, cfg.HiddenDim),
		Q:      make([]float32, cfg.Dim),
		Att:    make([]float32, cfg.Heads*cfg.SeqLen),
		Logits: make([]float32, cfg.VocabSize),
	}
	kvFloats := cfg.Layers * cfg.SeqLen * cfg.KVDim()
	s.KeyCache = far.NewVector(cache)
	if err := s.KeyCache.Resize(ctx, kvFloats); err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	s.ValueCache = far.NewVector(cache)
	if err := s.ValueCache.Resize(ctx, kvFloats); err != nil {
		return nil, fmt.Errorf("value cache: %w", err)
	}
	return s, nil
}

// Release frees the kv cache allocations.
func (s *RunState) Release(ctx context.Context) error {
	if err := s.KeyCache.Release(ctx); err != nil {
		return err
	}
	return s.ValueCache.Release(ctx)
}
