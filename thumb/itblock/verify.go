package itblock

import (
	"fmt"

	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
)

// Effective replays every IT header of b and returns the condition each
// governed instruction runs under. Ungoverned instructions are absent.
func Effective(b *thumb.Block) (map[*thumb.Instr]thumb.Cond, error) {
	out := make(map[*thumb.Instr]thumb.Cond)
	var pending []thumb.Cond
	for mi := b.First(); mi != nil; mi = mi.Next() {
		if mi.IsDebug() {
			continue
		}
		if len(pending) > 0 {
			if mi.Op == thumb.T2IT {
				return nil, fmt.Errorf("%s: IT header inside an IT block: %w", b.Name, silerrors.ErrInvariant)
			}
			out[mi] = pending[0]
			pending = pending[1:]
			if len(pending) > 0 && mi.IsControlTransfer() {
				return nil, fmt.Errorf("%s: %s is not last in its IT block: %w", b.Name, mi, silerrors.ErrInvariant)
			}
			continue
		}
		if mi.Op == thumb.T2IT {
			dq, err := DecodeMask(Mask(mi))
			if err != nil {
				return nil, err
			}
			for r := range dq {
				pending = append(pending, condAt(Cond(mi), dq, r+1))
			}
		}
	}
	if len(pending) > 0 {
		return nil, fmt.Errorf("%s: IT block crosses the block end: %w", b.Name, silerrors.ErrInvariant)
	}
	return out, nil
}

// Verify checks that every instruction's Cond agrees with the IT headers.
func Verify(b *thumb.Block) error {
	eff, err := Effective(b)
	if err != nil {
		return err
	}
	for mi := b.First(); mi != nil; mi = mi.Next() {
		if mi.IsDebug() {
			continue
		}
		want, governed := eff[mi]
		switch {
		case governed && mi.Cond != want:
			return fmt.Errorf("%s: %s should run under %s: %w", b.Name, mi, want, silerrors.ErrITMismatch)
		case !governed && mi.Cond != thumb.AL && !mi.Op.Has(thumb.OwnCond):
			return fmt.Errorf("%s: %s is predicated outside an IT block: %w", b.Name, mi, silerrors.ErrITMismatch)
		}
	}
	return nil
}

// VerifyFunction runs Verify on every block.
func VerifyFunction(fn *thumb.Function) error {
	for _, b := range fn.Blocks {
		if err := Verify(b); err != nil {
			return fmt.Errorf("%s: %w", fn.Name, err)
		}
	}
	return nil
}
