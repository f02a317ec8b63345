// Package kvcache - Causal Cache auf Host-Tensoren
//
// Dieses Modul enthaelt den zellenbasierten Causal Cache:
// - NewCausal/Init: Konstruktion und Allokation der K/V-Tensoren
// - Append: Schreibt KV-Zeilen eines Tokens in eine freie Zelle
// - findFreeCell: Findet eine freie Cache-Position
// - Close: Ressourcenfreigabe
//
// Jede Zelle haelt eine Token-Position mit den Sequenzen, die sie
// referenzieren. Die K/V-Daten liegen pro Layer in zusammenhaengenden
// Host-Tensoren der Form [headDim, kvHeads, capacity]; Zelle i belegt
// Zeile i.
package kvcache

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/databloom/ollama-kv-cache-tiering/ml"
)

var ErrKvCacheFull = errors.New("could not find a kv cache slot")

type cacheCell struct {
	pos       int32
	sequences []int
}

type cellRange struct {
	min int
	max int
}

func newRange() cellRange {
	return cellRange{
		min: math.MaxInt,
		max: 0,
	}
}

// Causal is a host-resident cell cache for per-layer KV rows. It
// mirrors the runtime cache the tiering wrapper intercepts: occupied
// cells carry (position, sequences) and the tensor bytes live at the
// cell's row index.
type Causal struct {
	DType ml.DType

	numLayers  int
	numKVHeads int
	headDim    int
	capacity   int

	cells      []cacheCell
	cellRanges map[int]cellRange

	keys   map[int]*ml.HostTensor
	values map[int]*ml.HostTensor
}

func NewCausal(numLayers, numKVHeads, headDim int) *Causal {
	return &Causal{
		numLayers:  numLayers,
		numKVHeads: numKVHeads,
		headDim:    headDim,
		keys:       make(map[int]*ml.HostTensor),
		values:     make(map[int]*ml.HostTensor),
	}
}

// Init allocates the cell array and the per-layer K/V tensors.
func (c *Causal) Init(dtype ml.DType, capacity int) {
	c.DType = dtype
	c.capacity = capacity
	c.cells = make([]cacheCell, capacity)
	c.cellRanges = make(map[int]cellRange)

	for layer := 0; layer < c.numLayers; layer++ {
		c.keys[layer] = ml.NewHostTensor(dtype, c.headDim, c.numKVHeads, capacity)
		c.values[layer] = ml.NewHostTensor(dtype, c.headDim, c.numKVHeads, capacity)
	}
}

// Append stores one token's KV rows (indexed by layer) into a free
// cell for the given sequence.
func (c *Causal) Append(seq int, pos int32, kRows, vRows [][]byte) error {
	if len(kRows) != c.numLayers || len(vRows) != c.numLayers {
		return fmt.Errorf("kvcache: %d k / %d v rows for %d layers", len(kRows), len(vRows), c.numLayers)
	}

	loc := c.findFreeCell()
	if loc < 0 {
		return fmt.Errorf("%w (cache: %v)", ErrKvCacheFull, c.capacity)
	}

	for layer := 0; layer < c.numLayers; layer++ {
		copy(c.keys[layer].Row(loc), kRows[layer])
		copy(c.values[layer].Row(loc), vRows[layer])
	}

	c.cells[loc] = cacheCell{pos: pos, sequences: []int{seq}}

	seqRange, ok := c.cellRanges[seq]
	if !ok {
		seqRange = newRange()
	}
	seqRange.min = min(seqRange.min, loc)
	seqRange.max = max(seqRange.max, loc)
	c.cellRanges[seq] = seqRange

	return nil
}

// findFreeCell returns the index of an unoccupied cell, or -1.
func (c *Causal) findFreeCell() int {
	for i := range c.cells {
		if len(c.cells[i].sequences) == 0 {
			return i
		}
	}
	return -1
}

// CellForPos returns the cell index holding (seq, pos), or -1.
func (c *Causal) CellForPos(seq int, pos int32) int {
	for i := range c.cells {
		if c.cells[i].pos == pos && slices.Contains(c.cells[i].sequences, seq) {
			return i
		}
	}
	return -1
}

// Keys returns the K tensor of a layer; its bytes are borrowed.
func (c *Causal) Keys(layer int) ml.Tensor { return c.keys[layer] }

// Values returns the V tensor of a layer; its bytes are borrowed.
func (c *Causal) Values(layer int) ml.Tensor { return c.values[layer] }

func (c *Causal) Close() {
	c.cells = nil
	c.cellRanges = nil
	c.keys = nil
	c.values = nil
}
