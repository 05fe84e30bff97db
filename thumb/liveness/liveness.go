// Package liveness answers which registers are live around an instruction
// and which ones a rewrite may clobber.
package liveness

import (
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/thumb"
)

// LiveOuts is the union of the successors' live-ins. A block that leaves
// the function also keeps the return values, the callee-saved registers
// and sp, whatever its last instruction declares.
func LiveOuts(b *thumb.Block) thumb.RegSet {
	var live thumb.RegSet
	for _, s := range b.Succs {
		live |= s.LiveIns
	}
	if len(b.Succs) == 0 && b.IsReturnBlock() {
		live |= thumb.CalleeSaved | thumb.ReturnValues.Add(thumb.SP)
	}
	return live
}

// StepBackward moves live across mi. A predicated definition may not
// execute, so it does not kill.
func StepBackward(live thumb.RegSet, mi *thumb.Instr) thumb.RegSet {
	if mi.IsDebug() {
		return live
	}
	if !mi.Predicated() {
		live &^= mi.Defs()
	}
	return live | mi.Uses()
}

// LiveAfter returns the registers live immediately after mi.
func LiveAfter(mi *thumb.Instr) thumb.RegSet {
	b := mi.Parent()
	live := LiveOuts(b)
	for p := b.Last(); p != nil && p != mi; p = p.Prev() {
		live = StepBackward(live, p)
	}
	return live
}

// LiveBefore returns the registers live immediately before mi.
func LiveBefore(mi *thumb.Instr) thumb.RegSet {
	return StepBackward(LiveAfter(mi), mi)
}

// FlagsLiveAfter reports whether a later instruction reads the flags mi leaves.
func FlagsLiveAfter(mi *thumb.Instr) bool {
	return LiveAfter(mi).Has(thumb.CPSR)
}

// FlagsLiveBefore reports whether clobbering the flags in front of mi is unsafe.
func FlagsLiveBefore(mi *thumb.Instr) bool {
	return LiveBefore(mi).Has(thumb.CPSR)
}

type Options struct {
	// LowOnly restricts the search to r0-r7.
	LowOnly bool
	// AllowLR lets lr be returned last.
	AllowLR bool
	// Exclude removes extra registers from consideration.
	Exclude thumb.RegSet
}

var (
	lowOrder  = []thumb.Reg{thumb.R0, thumb.R1, thumb.R2, thumb.R3, thumb.R4, thumb.R5, thumb.R6, thumb.R7}
	highOrder = []thumb.Reg{thumb.R8, thumb.R9, thumb.R10, thumb.R11, thumb.R12}
)

// FreeRegisters returns the registers that mi neither reads nor writes and
// that are dead after it, in r0..r7, r8..r12, lr order. sp and pc are never
// free. An empty result means the caller has to spill.
func FreeRegisters(mi *thumb.Instr, opts Options) []thumb.Reg {
	busy := LiveAfter(mi) | mi.Uses() | mi.Defs() | opts.Exclude
	var free []thumb.Reg
	pick := func(rs []thumb.Reg) {
		for _, r := range rs {
			if !busy.Has(r) {
				free = append(free, r)
			}
		}
	}
	pick(lowOrder)
	if !opts.LowOnly {
		pick(highOrder)
		if opts.AllowLR {
			pick([]thumb.Reg{thumb.LR})
		}
	}
	log.Trace(log.LivenessMonitoring, "free registers", "at", mi.String(), "busy", busy.String(), "free", len(free))
	return free
}

// Compute fills in LiveIns of every block of fn by iterating to a fixed
// point. Existing live-ins are kept as a lower bound.
func Compute(fn *thumb.Function) {
	for changed := true; changed; {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			live := LiveOuts(b)
			for p := b.Last(); p != nil; p = p.Prev() {
				live = StepBackward(live, p)
			}
			live |= b.LiveIns
			if live != b.LiveIns {
				b.LiveIns = live
				changed = true
			}
		}
	}
}
