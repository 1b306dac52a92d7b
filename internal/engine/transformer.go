// Package engine drives the forward pass and the generation loops.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/far"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/model"
)

// Transformer is a loaded model plus its run state. One Forward call
// advances the sequence by one position; the kv cache accumulates
// across calls until the context window fills.
type Transformer struct {
	Config  config.Config
	weights *model.Weights
	state   *model.RunState
	ckpt    *model.Checkpoint
	cache   *far.Cache
	profile Profile
}

// Profile accumulates wall time per kernel family across Forward calls.
type Profile struct {
	Matmul    time.Duration
	Attention time.Duration
	RMSNorm   time.Duration
	Other     time.Duration
	Steps     int
}

// Total returns the profiled wall time.
func (p Profile) Total() time.Duration {
	return p.Matmul + p.Attention + p.RMSNorm + p.Other
}

// New opens a checkpoint and builds the transformer. With a non-nil
// cache the weights and kv cache live on the remote tier; the mapping
// is released after upload. With a nil cache everything stays local and
// the mapping is held open for the transformer's lifetime.
func New(ctx context.Context, checkpointPath string, cache *far.Cache) (*Transformer, error) {
	ckpt, err := model.Open(checkpointPath)
	if err != nil {
		return nil, err
	}
	weights, err := model.BuildWeights(ctx, ckpt, cache)
	if err != nil {
		ckpt.Close()
		return nil, fmt.Errorf("failed to build weights: %w", err)
	}
	state, err := model.NewRunState(ctx, ckpt.Config, cache)
	if err != nil {
		weights.Release(ctx)
		ckpt.Close()
		return nil, fmt.Errorf("failed to build run state: %w", err)
	}

	t := &Transformer{
		Config:  ckpt.Config,
		weights: weights,
		state:   state,
		cache:   cache,
	}
	if cache == nil {
		// Weight vectors alias the mapping; keep it open.
		t.ckpt = ckpt
	} else {
		if err := ckpt.Close(); err != nil {
			logger.Log.Warn("failed to unmap checkpoint", "error", err)
		}
		kvBytes := int64(state.KeyCache.Len()+state.ValueCache.Len()) * 4
		metrics.RecordKVCacheStats(kvBytes, 0)
	}
	return t, nil
}

// Forward runs one step: token at position pos in, logits out. The
// returned slice is the internal logits buffer, valid until the next
// call.
func (t *Transformer) Forward(ctx context.Context, token, pos int) ([]float32, error) {
	cfg := t.Config
	if token < 0 || token >= cfg.VocabSize {
		return nil, fmt.Errorf("token %d out of range [0, %d)", token, cfg.VocabSize)
	}
	if pos < 0 || pos >= cfg.SeqLen {
		return nil, fmt.Errorf("position %d out of range [0, %d)", pos, cfg.SeqLen)
	}

	w, s := t.weights, t.state
	dim := cfg.Dim
	hidden := cfg.HiddenDim
	headSize := cfg.HeadSize()
	kvDim := cfg.KVDim()
	kvMul := cfg.KVMul()

	root := far.Root(ctx)
	defer root.Exit()

	// Embed the token into the residual stream.
	stepStart := time.Now()
	kernelBefore := t.profile.Matmul + t.profile.Attention + t.profile.RMSNorm
	if err := w.TokenEmbedding.CopyTo(ctx, s.X, token*dim); err != nil {
		return nil, fmt.Errorf("embedding of token %d: %w", token, err)
	}

	for l := 0; l < cfg.Layers; l++ {
		mark := time.Now()
		if err := kernels.RMSNorm(root, s.Xb, s.X, w.RMSAtt, l*dim); err != nil {
			return nil, fmt.Errorf("layer %d attention norm: %w", l, err)
		}
		t.profile.RMSNorm += time.Since(mark)

		// qkv projections; k and v land directly in the cache row for
		// this position.
		loff := l * cfg.SeqLen * kvDim
		kvOff := loff + pos*kvDim
		mark = time.Now()
		if err := kernels.MatVec(root, s.Q, w.Wq, l*dim*dim, s.Xb, dim, dim); err != nil {
			return nil, fmt.Errorf("layer %d wq: %w", l, err)
		}
		if err := kernels.MatVecStore(root, s.KeyCache, kvOff, w.Wk, l*dim*kvDim, s.Xb, dim, kvDim); err != nil {
			return nil, fmt.Errorf("layer %d wk: %w", l, err)
		}
		if err := kernels.MatVecStore(root, s.ValueCache, kvOff, w.Wv, l*dim*kvDim, s.Xb, dim, kvDim); err != nil {
			return nil, fmt.Errorf("layer %d wv: %w", l, err)
		}
		t.profile.Matmul += time.Since(mark)

		// Rotary embedding: the local query over the full dim, the
		// cached key row over kv_dim.
		mark = time.Now()
		kernels.Rotate(s.Q, pos, headSize)
		if err := kernels.RotateRange(root, s.KeyCache, kvOff, kvDim, pos, headSize); err != nil {
			return nil, fmt.Errorf("layer %d rope: %w", l, err)
		}

		if err := kernels.Attention(root, s.Xb, s.Q, s.Att, s.KeyCache, s.ValueCache,
			loff, pos, cfg.Heads, headSize, kvDim, kvMul); err != nil {
			return nil, fmt.Errorf("layer %d attention: %w", l, err)
		}
		t.profile.Attention += time.Since(mark)

		mark = time.Now()
		if err := kernels.MatVec(root, s.Xb2, w.Wo, l*dim*dim, s.Xb, dim, dim); err != nil {
			return nil, fmt.Errorf("layer %d wo: %w", l, err)
		}
		t.profile.Matmul += time.Since(mark)
		kernels.Add(s.X, s.Xb2)

		mark = time.Now()
		if err := kernels.RMSNorm(root, s.Xb, s.X, w.RMSFfn, l*dim); err != nil {
			return nil, fmt.Errorf("layer %d ffn norm: %w", l, err)
		}
		t.profile.RMSNorm += time.Since(mark)

		mark = time.Now()
		if err := kernels.MatVec(root, s.Hb, w.W1, l*dim*hidden, s.Xb, dim, hidden); err != nil {
			return nil, fmt.Errorf("layer %d w1: %w", l, err)
		}
		if err := kernels.MatVec(root, s.Hb2, w.W3, l*dim*hidden, s.Xb, dim, hidden); err != nil {
			return nil, fmt.Errorf("layer %d w3: %w", l, err)
		}
		kernels.SwiGLU(s.Hb, s.Hb2)
		if err := kernels.MatVec(root, s.Xb, w.W2, l*dim*hidden, s.Hb, hidden, dim); err != nil {
			return nil, fmt.Errorf("layer %d w2: %w", l, err)
		}
		t.profile.Matmul += time.Since(mark)
		kernels.Add(s.X, s.Xb)
	}

	mark := time.Now()
	if err := kernels.RMSNorm(root, s.X, s.X, w.RMSFinal, 0); err != nil {
		return nil, fmt.Errorf("final norm: %w", err)
	}
	t.profile.RMSNorm += time.Since(mark)

	mark = time.Now()
	if err := kernels.MatVec(root, s.Logits, w.Wcls, 0, s.X, dim, cfg.VocabSize); err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	t.profile.Matmul += time.Since(mark)

	t.profile.Steps++
	kernelThisStep := t.profile.Matmul + t.profile.Attention + t.profile.RMSNorm - kernelBefore
	if rest := time.Since(stepStart) - kernelThisStep; rest > 0 {
		t.profile.Other += rest
	}
	// One key row and one value row written per layer at this position.
	metrics.KVCacheUsedBytes.Set(float64(2 * cfg.Layers * (pos + 1) * kvDim * 4))
	return s.Logits, nil
}

// Profile returns the accumulated per-kernel timings.
func (t *Transformer) Profile() Profile { return t.profile }

// Close releases the run state, the weights, and the mapping.
func (t *Transformer) Close(ctx context.Context) error {
	var firstErr error
	if err := t.state.Release(ctx); err != nil {
		firstErr = err
	}
	if err := t.weights.Release(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if t.ckpt != nil {
		if err := t.ckpt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
