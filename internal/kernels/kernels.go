// Package kernels holds the compute primitives of the forward pass.
// Activations are local slices; weights and the kv cache are far vectors
// reached through pinned ranges. Row-parallel kernels partition their
// output dimension so each worker pins only the weight rows it reads.
package kernels

import (
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/far"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/parallel"
)

// RMSNorm writes w[wOff:wOff+n] * x / rms(x) into out. out and x may be
// the same slice.
func RMSNorm(parent *far.Scope, out, x []float32, w *far.Vector, wOff int) error {
	start := time.Now()
	n := len(x)

	ss := float32(0)
	for _, v := range x {
		ss += v * v
	}
	ss = ss/float32(n) + 1e-5
	inv := float32(1.0 / math.Sqrt(float64(ss)))

	s := far.Enter(parent)
	defer s.Exit()
	r, err := s.Read(w, wOff, wOff+n)
	if err != nil {
		return err
	}
	cur := r.Cursor()
	for j := 0; j < n; j++ {
		out[j] = cur.Next() * inv * x[j]
	}
	metrics.RecordKernel("rmsnorm", time.Since(start))
	return nil
}

// MatVec computes out = W x for a row-major (d, n) weight matrix starting
// at wOff. Rows are partitioned across the worker pool; each block pins
// its contiguous run of rows once.
func MatVec(parent *far.Scope, out []float32, w *far.Vector, wOff int, x []float32, n, d int) error {
	start := time.Now()
	err := parallel.For(d, parent, func(b parallel.Block, s *far.Scope) error {
		r, err := s.Read(w, wOff+b.Start*n, wOff+b.End*n)
		if err != nil {
			return err
		}
		cur := r.Cursor()
		for i := b.Start; i < b.End; i++ {
			sum := float32(0)
			for j := 0; j < n; j++ {
				sum += cur.Next() * x[j]
			}
			out[i] = sum
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordKernel("matmul", time.Since(start))
	return nil
}

// MatVecStore is MatVec with the output written to a far vector at
// outOff, the path that projects k and v straight into the cache.
func MatVecStore(parent *far.Scope, out *far.Vector, outOff int, w *far.Vector, wOff int, x []float32, n, d int) error {
	start := time.Now()
	err := parallel.For(d, parent, func(b parallel.Block, s *far.Scope) error {
		r, err := s.Read(w, wOff+b.Start*n, wOff+b.End*n)
		if err != nil {
			return err
		}
		wr, err := s.Write(out, outOff+b.Start, outOff+b.End)
		if err != nil {
			return err
		}
		cur := r.Cursor()
		for i := b.Start; i < b.End; i++ {
			sum := float32(0)
			for j := 0; j < n; j++ {
				sum += cur.Next() * x[j]
			}
			wr.Set(outOff+i, sum)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordKernel("matmul", time.Since(start))
	return nil
}

// Softmax normalizes x in place, subtracting the max for stability.
func Softmax(x []float32) {
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	sum := float32(0)
	for i, v := range x {
		e := float32(math.Exp(float64(v - max)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

// Rotate applies rotary position embedding in place to a local query
// vector of length dim. Adjacent pairs within each head are rotated by a
// frequency set by their position within the head.
func Rotate(q []float32, pos, headSize int) {
	for i := 0; i < len(q); i += 2 {
		headDim := i % headSize
		freq := 1.0 / math.Pow(10000.0, float64(headDim)/float64(headSize))
		val := float64(pos) * freq
		fcr := float32(math.Cos(val))
		fci := float32(math.Sin(val))
		v0, v1 := q[i], q[i+1]
		q[i] = v0*fcr - v1*fci
		q[i+1] = v0*fci + v1*fcr
	}
}

// RotateRange applies rotary position embedding to kvDim elements of a
// far vector starting at off, the key row for one position. Pairs are
// partitioned across the worker pool.
func RotateRange(parent *far.Scope, k *far.Vector, off, kvDim, pos, headSize int) error {
	start := time.Now()
	err := parallel.For(kvDim/2, parent, func(b parallel.Block, s *far.Scope) error {
		wr, err := s.Write(k, off+b.Start*2, off+b.End*2)
		if err != nil {
			return err
		}
		for p := b.Start; p < b.End; p++ {
			i := p * 2
			headDim := i % headSize
			freq := 1.0 / math.Pow(10000.0, float64(headDim)/float64(headSize))
			val := float64(pos) * freq
			fcr := float32(math.Cos(val))
			fci := float32(math.Sin(val))
			v0 := wr.At(off + i)
			v1 := wr.At(off + i + 1)
			wr.Set(off+i, v0*fcr-v1*fci)
			wr.Set(off+i+1, v0*fci+v1*fcr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordKernel("rope", time.Since(start))
	return nil
}

// Attention computes multihead attention for one position. q is the local
// query, keys and values are the layer's cache rows at loff, att is
// scratch of at least heads*(pos+1), out receives the concatenated head
// outputs. kvMul is the query-head to kv-head sharing factor.
func Attention(parent *far.Scope, out, q, att []float32, keys, values *far.Vector,
	loff, pos, heads, headSize, kvDim, kvMul int) error {
	start := time.Now()
	scale := float32(math.Sqrt(float64(headSize)))

	err := parallel.For(heads, parent, func(b parallel.Block, s *far.Scope) error {
		for h := b.Start; h < b.End; h++ {
			hq := q[h*headSize : (h+1)*headSize]
			hatt := att[h*(pos+1) : h*(pos+1)+pos+1]
			kvOff := (h / kvMul) * headSize

			for t := 0; t <= pos; t++ {
				rowOff := loff + t*kvDim + kvOff
				r, err := s.Read(keys, rowOff, rowOff+headSize)
				if err != nil {
					return err
				}
				cur := r.Cursor()
				score := float32(0)
				for i := 0; i < headSize; i++ {
					score += hq[i] * cur.Next()
				}
				r.Close()
				hatt[t] = score / scale
			}

			Softmax(hatt)

			hout := out[h*headSize : (h+1)*headSize]
			for i := range hout {
				hout[i] = 0
			}
			for t := 0; t <= pos; t++ {
				rowOff := loff + t*kvDim + kvOff
				r, err := s.Read(values, rowOff, rowOff+headSize)
				if err != nil {
					return err
				}
				cur := r.Cursor()
				a := hatt[t]
				for i := 0; i < headSize; i++ {
					hout[i] += a * cur.Next()
				}
				r.Close()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordKernel("attention", time.Since(start))
	return nil
}

// SwiGLU applies hb = silu(hb) * hb2 in place.
func SwiGLU(hb, hb2 []float32) {
	for i, v := range hb {
		// silu(x) = x * sigmoid(x)
		v *= float32(1.0 / (1.0 + math.Exp(float64(-v))))
		hb[i] = v * hb2[i]
	}
}

// Add accumulates src into dst, the residual connection.
func Add(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}
