// kernel_test.go - Korrektheits-Tests fuer den Online-Softmax-Kernel
//
// Die Referenz ist eine f32-Attention, die dieselben f16-quantisierten
// Eingaben konsumiert. Toleranz: mittlerer relativer Fehler < 0.5%,
// Maximum < 5% pro Element.
package paged

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/databloom/ollama-kv-cache-tiering/device"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
)

// gaussianF16 draws n Gaussian values scaled by 0.1 and quantizes them
// to f16 bytes.
func gaussianF16(rng *rand.Rand, n int) []byte {
	b := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := float32(rng.NormFloat64() * 0.1)
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
	}
	return b
}

func f16Decode(b []byte) []float64 {
	out := make([]float64, len(b)/2)
	for i := range out {
		out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32())
	}
	return out
}

// referenceAttention computes softmax(scale * Q K^T) V over the
// f16-quantized inputs, one query row at a time.
func referenceAttention(q, k, v []byte, batch, qHeads, kvHeads, headDim, totalSeq int, scale float32) []float64 {
	qf := f16Decode(q)
	kf := f16Decode(k)
	vf := f16Decode(v)

	rows := batch * qHeads
	out := make([]float64, rows*headDim)
	scores := make([]float64, totalSeq)

	for row := 0; row < rows; row++ {
		head := row % qHeads
		kvHead := head * kvHeads / qHeads

		for j := 0; j < totalSeq; j++ {
			kOff := (j*kvHeads + kvHead) * headDim
			dot := floats.Dot(qf[row*headDim:(row+1)*headDim], kf[kOff:kOff+headDim])
			scores[j] = float64(scale) * dot
		}

		m := floats.Max(scores)
		for j := range scores {
			scores[j] = math.Exp(scores[j] - m)
		}
		sum := floats.Sum(scores)

		for j := 0; j < totalSeq; j++ {
			w := scores[j] / sum
			vOff := (j*kvHeads + kvHead) * headDim
			for d := 0; d < headDim; d++ {
				out[row*headDim+d] += w * vf[vOff+d]
			}
		}
	}
	return out
}

// checkTolerance compares f16 output bytes against the reference.
func checkTolerance(t *testing.T, got []byte, want []float64) {
	t.Helper()

	gotf := f16Decode(got[:2*len(want)])
	var sumRel, maxRel float64
	for i := range want {
		denom := math.Abs(want[i])
		if denom < 1e-4 {
			denom = 1e-4
		}
		rel := math.Abs(gotf[i]-want[i]) / denom
		sumRel += rel
		if rel > maxRel {
			maxRel = rel
		}
	}

	meanRel := sumRel / float64(len(want))
	if meanRel > 0.005 {
		t.Errorf("mean relative error %.4f, want < 0.005", meanRel)
	}
	if maxRel > 0.05 {
		t.Errorf("max relative error %.4f, want < 0.05", maxRel)
	}
}

// runForward builds a context and executes one forward pass.
func runForward(t *testing.T, batch, qHeads, kvHeads, headDim, totalSeq, chunkSize int, q, k, v []byte) ([]byte, *Context) {
	t.Helper()

	ctx, err := NewContext(Key{NumKVHeads: kvHeads, HeadDim: headDim, ChunkSize: chunkSize})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })

	compute := device.NewStream("compute")
	t.Cleanup(func() { compute.Close() })

	dst := make([]byte, batch*qHeads*headDim*2)
	src := hostKV{k: k, v: v, rowBytes: kvHeads * headDim * 2}
	scale := float32(1 / math.Sqrt(float64(headDim)))

	if err := ctx.Forward(0, src, q, dst, batch, qHeads, totalSeq, scale, compute); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	return dst, ctx
}

func TestSingleChunkAttention(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	batch, qHeads, kvHeads, headDim, totalSeq := 1, 1, 1, 128, 64

	q := gaussianF16(rng, batch*qHeads*headDim)
	k := gaussianF16(rng, totalSeq*kvHeads*headDim)
	v := gaussianF16(rng, totalSeq*kvHeads*headDim)

	dst, _ := runForward(t, batch, qHeads, kvHeads, headDim, totalSeq, 64, q, k, v)

	scale := float32(1 / math.Sqrt(float64(headDim)))
	want := referenceAttention(q, k, v, batch, qHeads, kvHeads, headDim, totalSeq, scale)
	checkTolerance(t, dst, want)
}

func TestMultiChunkPartialTail(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	batch, qHeads, kvHeads, headDim, totalSeq := 1, 2, 2, 128, 300

	q := gaussianF16(rng, batch*qHeads*headDim)
	k := gaussianF16(rng, totalSeq*kvHeads*headDim)
	v := gaussianF16(rng, totalSeq*kvHeads*headDim)

	// chunk 128: 3 chunks, the last holding 44 positions.
	dst, ctx := runForward(t, batch, qHeads, kvHeads, headDim, totalSeq, 128, q, k, v)

	scale := float32(1 / math.Sqrt(float64(headDim)))
	want := referenceAttention(q, k, v, batch, qHeads, kvHeads, headDim, totalSeq, scale)
	checkTolerance(t, dst, want)

	if got := ctx.Stats().ChunksProcessed; got != 3 {
		t.Errorf("kernel invoked %d times, want 3", got)
	}
}

func TestGroupedQueryAttention(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	batch, qHeads, kvHeads, headDim, totalSeq := 1, 40, 8, 128, 512

	q := gaussianF16(rng, batch*qHeads*headDim)
	k := gaussianF16(rng, totalSeq*kvHeads*headDim)
	v := gaussianF16(rng, totalSeq*kvHeads*headDim)

	dst, _ := runForward(t, batch, qHeads, kvHeads, headDim, totalSeq, 256, q, k, v)

	// The reference reads kv-head floor(q * 8 / 40) for query head q.
	scale := float32(1 / math.Sqrt(float64(headDim)))
	want := referenceAttention(q, k, v, batch, qHeads, kvHeads, headDim, totalSeq, scale)
	checkTolerance(t, dst, want)
}

func TestChunkInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	batch, qHeads, kvHeads, headDim, totalSeq := 1, 4, 4, 64, 256

	q := gaussianF16(rng, batch*qHeads*headDim)
	k := gaussianF16(rng, totalSeq*kvHeads*headDim)
	v := gaussianF16(rng, totalSeq*kvHeads*headDim)

	var outputs [][]byte
	for _, chunkSize := range []int{128, 64, totalSeq} {
		dst, _ := runForward(t, batch, qHeads, kvHeads, headDim, totalSeq, chunkSize, q, k, v)
		outputs = append(outputs, dst)
	}

	base := f16Decode(outputs[0])
	for i, other := range outputs[1:] {
		got := f16Decode(other)
		for j := range base {
			diff := math.Abs(base[j] - got[j])
			tol := 1e-3 + 1e-2*math.Abs(base[j])
			if diff > tol {
				t.Fatalf("chunk size variant %d differs at element %d: %g vs %g", i+1, j, base[j], got[j])
			}
		}
	}
}

func TestEmptyInputIsZero(t *testing.T) {
	ctx, err := NewContext(Key{NumKVHeads: 1, HeadDim: 64, ChunkSize: 16})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	compute := device.NewStream("compute")
	defer compute.Close()

	q := gaussianF16(rand.New(rand.NewSource(5)), 64)
	dst := make([]byte, 64*2)
	for i := range dst {
		dst[i] = 0xff
	}

	src := hostKV{rowBytes: 64 * 2}
	if err := ctx.Forward(0, src, q, dst, 1, 1, 0, 0.125, compute); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for _, v := range f16Decode(dst) {
		if v != 0 {
			t.Fatalf("empty input produced nonzero output %g", v)
		}
	}
}

func TestUnsupportedHeadDim(t *testing.T) {
	if _, err := NewContext(Key{NumKVHeads: 1, HeadDim: 100, ChunkSize: 16}); err == nil {
		t.Fatal("head dim 100 should be rejected")
	}
}
