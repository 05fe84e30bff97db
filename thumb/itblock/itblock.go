// Package itblock edits Thumb-2 IT blocks. An IT header carries a base
// condition and a 4-bit mask; the lowest set mask bit terminates the block
// and every higher bit selects the base condition (0) or its opposite (1)
// for the 2nd, 3rd and 4th instruction.
package itblock

import (
	"fmt"

	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
)

// MaxSize is the longest IT block.
const MaxSize = 4

// Cond returns the base condition of an IT header.
func Cond(it *thumb.Instr) thumb.Cond { return thumb.Cond(it.Imm(0)) }

// Mask returns the 4-bit mask of an IT header.
func Mask(it *thumb.Instr) uint8 { return uint8(it.Imm(1)) & 0xf }

// NewIT builds a header for the flag list dq, where dq[i] tells whether
// instruction i runs under cond (true) or its opposite.
func NewIT(cond thumb.Cond, dq []bool) (*thumb.Instr, error) {
	mask, err := EncodeMask(dq)
	if err != nil {
		return nil, err
	}
	return thumb.New(thumb.T2IT, thumb.C(cond), thumb.I(int64(mask))), nil
}

// sizeOf returns the block length encoded by mask.
func sizeOf(mask uint8) (int, error) {
	switch {
	case mask&0x1 != 0:
		return 4, nil
	case mask&0x2 != 0:
		return 3, nil
	case mask&0x4 != 0:
		return 2, nil
	case mask&0x8 != 0:
		return 1, nil
	}
	return 0, fmt.Errorf("mask %#x: %w", mask, silerrors.ErrBadITMask)
}

// BlockSize returns how many instructions it governs.
func BlockSize(it *thumb.Instr) (int, error) {
	if it.Op != thumb.T2IT {
		return 0, fmt.Errorf("%s: %w", it, silerrors.ErrNotIT)
	}
	return sizeOf(Mask(it))
}

// DecodeMask expands mask into its flag list; the first flag is always true.
func DecodeMask(mask uint8) ([]bool, error) {
	n, err := sizeOf(mask & 0xf)
	if err != nil {
		return nil, err
	}
	dq := make([]bool, 1, n)
	dq[0] = true
	for i := 3; i > 4-n; i-- {
		dq = append(dq, mask&(1<<i) == 0)
	}
	return dq, nil
}

// EncodeMask is the inverse of DecodeMask.
func EncodeMask(dq []bool) (uint8, error) {
	n := len(dq)
	if n == 0 || n > MaxSize || !dq[0] {
		return 0, fmt.Errorf("flags %v: %w", dq, silerrors.ErrBadITList)
	}
	var m uint8
	for i := 1; i < n; i++ {
		if !dq[i] {
			m |= 1
		}
		m <<= 1
	}
	m |= 1
	m <<= 4 - n
	return m, nil
}

// condAt is the condition rank r (1-based) of a block runs under.
func condAt(base thumb.Cond, dq []bool, r int) thumb.Cond {
	if dq[r-1] {
		return base
	}
	return base.Opposite()
}

// FindIT locates the header governing mi. It walks back over at most four
// real instructions; debug instructions neither count nor stop the walk.
// It returns a nil header for an ungoverned instruction and the 1-based rank
// of mi otherwise.
func FindIT(mi *thumb.Instr) (*thumb.Instr, int, error) {
	if mi.IsDebug() {
		return nil, 0, nil
	}
	dist := 0
	for p := mi.Prev(); p != nil; p = p.Prev() {
		if p.IsDebug() {
			continue
		}
		dist++
		if p.Op == thumb.T2IT {
			dq, err := DecodeMask(Mask(p))
			if err != nil {
				return nil, 0, err
			}
			if len(dq) < dist {
				return nil, 0, nil
			}
			if want := condAt(Cond(p), dq, dist); want != mi.Cond {
				return nil, 0, fmt.Errorf("%s at rank %d of %s wants %s: %w", mi, dist, p, want, silerrors.ErrITMismatch)
			}
			return p, dist, nil
		}
		if dist == MaxSize {
			break
		}
	}
	return nil, 0, nil
}

// governed returns the real instructions following it, n of them.
func governed(it *thumb.Instr, n int) []*thumb.Instr {
	out := make([]*thumb.Instr, 0, n)
	for p := it.Next(); p != nil && len(out) < n; p = p.Next() {
		if !p.IsDebug() {
			out = append(out, p)
		}
	}
	return out
}

// InsertBefore splices seq in front of mi. When mi is governed the new
// instructions take mi's condition and the IT block is rebuilt around them.
func InsertBefore(mi *thumb.Instr, seq ...*thumb.Instr) error {
	return insert(mi, seq, false)
}

// InsertAfter splices seq behind mi, with the same predication rules.
func InsertAfter(mi *thumb.Instr, seq ...*thumb.Instr) error {
	return insert(mi, seq, true)
}

// insert grows the governed run in place and hands it to rebuild, which
// chunks greedily from the front: a full block gaining one instruction
// at rank 4 comes out as 4+1, not as a 3+1 split ahead of the insert.
// Every instruction keeps its effective condition either way.
func insert(mi *thumb.Instr, seq []*thumb.Instr, after bool) error {
	if len(seq) == 0 {
		return nil
	}
	it, rank, err := FindIT(mi)
	if err != nil {
		return err
	}
	b := mi.Parent()
	pos := mi
	for _, n := range seq {
		if it != nil {
			n.Cond = mi.Cond
		}
		if after {
			b.InsertAfter(pos, n)
			pos = n
		} else {
			b.InsertBefore(mi, n)
		}
	}
	if it == nil {
		return nil
	}
	dq, _ := DecodeMask(Mask(it))
	at := rank - 1
	if after {
		at = rank
	}
	same := dq[rank-1]
	grown := make([]bool, 0, len(dq)+len(seq))
	grown = append(grown, dq[:at]...)
	for range seq {
		grown = append(grown, same)
	}
	grown = append(grown, dq[at:]...)
	log.Trace(log.ITMonitoring, "grow IT block", "it", it.String(), "rank", rank, "from", len(dq), "to", len(grown))
	return rebuild(it, grown)
}

// rebuild replaces header it with one header per run of at most four
// governed instructions, flipping any chunk that would start with an else.
func rebuild(it *thumb.Instr, dq []bool) error {
	b := it.Parent()
	base := Cond(it)
	span := governed(it, len(dq))
	if len(span) != len(dq) {
		return fmt.Errorf("IT block of %d runs past the end of %s: %w", len(dq), b.Name, silerrors.ErrInvariant)
	}
	for start := 0; start < len(dq); start += MaxSize {
		end := min(start+MaxSize, len(dq))
		chunk := append([]bool(nil), dq[start:end]...)
		c := base
		if !chunk[0] {
			c = base.Opposite()
			for i := range chunk {
				chunk[i] = !chunk[i]
			}
		}
		hdr, err := NewIT(c, chunk)
		if err != nil {
			return err
		}
		b.InsertBefore(span[start], hdr)
	}
	b.Remove(it)
	return nil
}

// Remove erases mi, shrinking (or deleting) the IT block that governs it.
func Remove(mi *thumb.Instr) error {
	it, rank, err := FindIT(mi)
	if err != nil {
		return err
	}
	b := mi.Parent()
	if it == nil {
		b.Remove(mi)
		return nil
	}
	dq, _ := DecodeMask(Mask(it))
	dq = append(dq[:rank-1:rank-1], dq[rank:]...)
	if len(dq) == 0 {
		b.Remove(it)
		b.Remove(mi)
		return nil
	}
	base := Cond(it)
	if !dq[0] {
		base = base.Opposite()
		for i := range dq {
			dq[i] = !dq[i]
		}
	}
	mask, err := EncodeMask(dq)
	if err != nil {
		return err
	}
	it.Operands[0] = thumb.C(base)
	it.Operands[1] = thumb.I(int64(mask))
	b.Remove(mi)
	return nil
}

// Replace splices seq in place of mi, inheriting mi's predication.
func Replace(mi *thumb.Instr, seq ...*thumb.Instr) error {
	if err := InsertBefore(mi, seq...); err != nil {
		return err
	}
	return Remove(mi)
}
