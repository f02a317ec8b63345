// kernel.go - Online-Softmax-Kernel fuer Chunk-Attention
//
// Dieses Modul enthaelt die Kernels des Paged-Attention-Pfads:
// - chunkKernel: Verarbeitet einen KV-Chunk gegen alle Query-Rows und
//   aktualisiert den laufenden (m, l, O)-Zustand
// - normalizeKernel: Finalisiert O / l und schreibt die Ausgabe als f16
//
// K, V und Q liegen als f16 vor und werden elementweise nach f32
// konvertiert; akkumuliert wird in f32 (Milakov & Gimelshein 2018).
// Ein Thread-Block entspricht hier einer (Batch x Query-Head)-Row.
package paged

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ErrUnsupportedHeadDim is returned when no kernel instantiation
// exists for the requested head dimension.
var ErrUnsupportedHeadDim = errors.New("unsupported head dimension")

// supportedHeadDims are the head dimensions with kernel instantiations.
var supportedHeadDims = map[int]bool{64: true, 80: true, 96: true, 128: true, 256: true}

// checkHeadDim validates the head dimension against the supported set.
func checkHeadDim(headDim int) error {
	if !supportedHeadDims[headDim] {
		return fmt.Errorf("%w: %d (supported: 64, 80, 96, 128, 256)", ErrUnsupportedHeadDim, headDim)
	}
	return nil
}

// f16At decodes the f16 element at index i of a raw byte buffer.
func f16At(b []byte, i int) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
}

// chunkKernel folds one KV chunk into the running state.
//
// Layout:
//
//	q:    f16 [rows, headDim], rows = batch * qHeads
//	k, v: f16 [chunkLen, kvHeads, headDim] (device chunk buffers)
//
// Each query row attends to its KV head kv(q) = q * kvHeads / qHeads
// (grouped-query attention). isFirst resets the state to (-inf, 0, 0)
// before accumulating.
func chunkKernel(st *runningState, q, k, v []byte, batch, qHeads, kvHeads, headDim, chunkLen int, scale float32, isFirst bool) {
	rows := batch * qHeads
	if isFirst {
		st.reset(rows, headDim)
	}
	if chunkLen == 0 {
		return
	}

	scores := make([]float32, chunkLen)

	for row := 0; row < rows; row++ {
		head := row % qHeads
		kvHead := head * kvHeads / qHeads

		qOff := row * headDim
		oOff := row * headDim

		// Scores for this chunk.
		mChunk := float32(math.Inf(-1))
		for j := 0; j < chunkLen; j++ {
			kOff := (j*kvHeads + kvHead) * headDim
			var dot float32
			for d := 0; d < headDim; d++ {
				dot += f16At(q, qOff+d) * f16At(k, kOff+d)
			}
			scores[j] = scale * dot
			if scores[j] > mChunk {
				mChunk = scores[j]
			}
		}

		mOld := st.m[row]
		mNew := mOld
		if mChunk > mNew {
			mNew = mChunk
		}

		var correction float32
		if !math.IsInf(float64(mOld), -1) {
			correction = float32(math.Exp(float64(mOld - mNew)))
		}

		st.l[row] *= correction
		for d := 0; d < headDim; d++ {
			st.o[oOff+d] *= correction
		}

		for j := 0; j < chunkLen; j++ {
			w := float32(math.Exp(float64(scores[j] - mNew)))
			st.l[row] += w
			vOff := (j*kvHeads + kvHead) * headDim
			for d := 0; d < headDim; d++ {
				st.o[oOff+d] += w * f16At(v, vOff+d)
			}
		}

		st.m[row] = mNew
	}
}

// normalizeKernel writes O / l to dst as f16. Rows with l == 0 (empty
// input) produce zeros.
func normalizeKernel(st *runningState, dst []byte, batch, qHeads, headDim int) {
	rows := batch * qHeads
	for row := 0; row < rows; row++ {
		inv := float32(0)
		if st.l[row] != 0 {
			inv = 1 / st.l[row]
		}
		oOff := row * headDim
		for d := 0; d < headDim; d++ {
			bits := float16.Fromfloat32(st.o[oOff+d] * inv).Bits()
			binary.LittleEndian.PutUint16(dst[2*(oOff+d):], bits)
		}
	}
}
