// Package kvcache - Sequenz-Operationen
//
// Dieses Modul verwaltet Sequenz-bezogene Operationen:
// - Remove: Entfernt Tokens aus einer Sequenz
// - CopyPrefix: Kopiert einen Praefix von einer Sequenz zu einer anderen
package kvcache

import "slices"

// Remove releases the cells of seq whose position lies in
// [beginIndex, endIndex). Cells shared with other sequences survive.
func (c *Causal) Remove(seq int, beginIndex, endIndex int32) error {
	seqRange := newRange()

	for i := range c.cells {
		if !slices.Contains(c.cells[i].sequences, seq) {
			continue
		}

		if c.cells[i].pos >= beginIndex && c.cells[i].pos < endIndex {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == seq })
		} else {
			seqRange.min = min(seqRange.min, i)
			seqRange.max = max(seqRange.max, i)
		}
	}

	if seqRange == newRange() {
		delete(c.cellRanges, seq)
		return nil
	}

	c.cellRanges[seq] = seqRange
	return nil
}

// CopyPrefix makes dstSeq share srcSeq's cells below len. Any previous
// contents of dstSeq are dropped first.
func (c *Causal) CopyPrefix(srcSeq, dstSeq int, len int32) {
	seqRange := newRange()

	for i := range c.cells {
		if slices.Contains(c.cells[i].sequences, dstSeq) {
			c.cells[i].sequences = slices.DeleteFunc(c.cells[i].sequences, func(s int) bool { return s == dstSeq })
		}

		if slices.Contains(c.cells[i].sequences, srcSeq) && c.cells[i].pos < len {
			c.cells[i].sequences = append(c.cells[i].sequences, dstSeq)
			seqRange.min = min(seqRange.min, i)
			seqRange.max = max(seqRange.max, i)
		}
	}

	if seqRange == newRange() {
		delete(c.cellRanges, dstSeq)
		return
	}
	c.cellRanges[dstSeq] = seqRange
}
