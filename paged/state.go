// state.go - Laufender Online-Softmax-Zustand
//
// Dieses Modul enthaelt die (m, l, O)-Zustandspuffer eines Forward
// Passes: pro (Batch x Query-Head) ein laufendes Maximum m, eine
// laufende Exponentialsumme l und ein Akkumulator O der Laenge
// head_dim, alles in f32.
package paged

import "math"

// runningState holds the device-resident online-softmax accumulators.
// Buffers are grown on demand and reused across forward calls.
type runningState struct {
	m []float32 // running max, one per (batch, q-head)
	l []float32 // running exp-sum, one per (batch, q-head)
	o []float32 // accumulator, headDim per (batch, q-head)
}

// ensure grows the buffers to cover rows (batch x q-heads) entries.
func (st *runningState) ensure(rows, headDim int) {
	if len(st.m) < rows {
		st.m = make([]float32, rows)
		st.l = make([]float32, rows)
	}
	if len(st.o) < rows*headDim {
		st.o = make([]float32, rows*headDim)
	}
}

// reset initializes rows entries to (-inf, 0, 0).
func (st *runningState) reset(rows, headDim int) {
	negInf := float32(math.Inf(-1))
	for i := 0; i < rows; i++ {
		st.m[i] = negInf
		st.l[i] = 0
	}
	for i := 0; i < rows*headDim; i++ {
		st.o[i] = 0
	}
}
