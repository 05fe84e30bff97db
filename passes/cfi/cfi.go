// Package cfi guards indirect calls and jumps. In bit-mask mode every
// target is forced onto a 4-byte boundary; in label mode the halfword at
// the target must be the call or jump label, or the target is zeroed.
package cfi

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
	"github.com/colorfulnotion/silhouette/thumb/liveness"
)

const (
	// LabelCall encodes movs r3, r3.
	LabelCall = 0x001b
	// LabelJump encodes mov r0, r0.
	LabelJump = 0x4600
)

// alignment is log2 of the boundary guarded targets sit on.
const alignment = 2

type Pass struct {
	*instrument.Instrumentor
}

func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	return &Pass{instrument.New(cfg, sink, log.CFIMonitoring, telemetry.CodeSizeCFI)}
}

func (p *Pass) Name() string { return "cfi" }

func (p *Pass) Run(ctx context.Context, fn *thumb.Function) error {
	if p.Cfg.CFI == config.CFINone || p.Skip(fn) {
		return nil
	}
	done := p.Measure(fn)
	var transfers []*thumb.Instr
	jumps := false
	for _, mi := range fn.Instrs() {
		switch {
		case mi.Op.Has(thumb.IsJumpTable):
			p.Gap(fn, mi, telemetry.GapJumpTable)
			p.Sink.RecordJumpTable(fn.Name)
			jumps = true
		case mi.Op.Has(thumb.IsIndirect):
			transfers = append(transfers, mi)
			jumps = jumps || mi.Op.Has(thumb.IsBranch)
		}
	}
	var err error
	switch p.Cfg.CFI {
	case config.CFIBitmask:
		err = p.bitmask(ctx, fn, transfers, jumps)
	case config.CFILabel:
		err = p.label(ctx, fn, transfers)
	}
	if err != nil {
		return err
	}
	done()
	return nil
}

// Visible reports a function that may be reached through a pointer.
func Visible(fn *thumb.Function) bool {
	return fn.Linkage == thumb.External || fn.AddressTaken
}

// IsJumpTransfer tells indirect jumps, whose successors get jump labels,
// from indirect calls and tail calls.
func IsJumpTransfer(mi *thumb.Instr) bool {
	return mi.Op.Has(thumb.IsIndirect) && mi.Op.Has(thumb.IsBranch) && !mi.Op.Has(thumb.IsJumpTable)
}

func bfc(r thumb.Reg, lsb, width int64) *thumb.Instr {
	return thumb.New(thumb.T2BFC, thumb.R(r), thumb.I(lsb), thumb.I(width))
}

// bitmask masks each target in place. A mask landing in a full IT block
// regrows it as 4+1 (see itblock.InsertBefore).
func (p *Pass) bitmask(ctx context.Context, fn *thumb.Function, transfers []*thumb.Instr, jumps bool) error {
	if jumps {
		for _, b := range fn.Blocks {
			b.Align = max(b.Align, alignment)
		}
	}
	if Visible(fn) {
		fn.Align = max(fn.Align, alignment)
	}
	for _, mi := range transfers {
		if err := ctx.Err(); err != nil {
			return err
		}
		// bit 0 selects Thumb state and stays
		if err := itblock.InsertBefore(mi, bfc(mi.Reg(0), 1, 1)); err != nil {
			return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
		}
		log.Trace(p.Module, "masked target", "fn", fn.Name, "instr", mi.String())
	}
	return nil
}

// CallLabel and JumpLabel build the marker instructions.
func CallLabel() *thumb.Instr {
	return thumb.New(thumb.TMOVSr, thumb.R(thumb.R3), thumb.R(thumb.R3)).Set(thumb.CFILabel)
}

func JumpLabel() *thumb.Instr {
	return thumb.New(thumb.TMOVr, thumb.R(thumb.R0), thumb.R(thumb.R0)).Set(thumb.CFILabel)
}

// LabelOf returns the label value a marker instruction encodes.
func LabelOf(mi *thumb.Instr) (uint16, bool) {
	if mi == nil || !mi.Has(thumb.CFILabel) {
		return 0, false
	}
	switch mi.Op {
	case thumb.TMOVSr:
		return LabelCall, true
	case thumb.TMOVr:
		return LabelJump, true
	}
	return 0, false
}

func hasLabel(b *thumb.Block, want uint16) bool {
	for mi := b.First(); mi != nil && mi.Has(thumb.CFILabel); mi = mi.Next() {
		if l, _ := LabelOf(mi); l == want {
			return true
		}
	}
	return false
}

func (p *Pass) label(ctx context.Context, fn *thumb.Function, transfers []*thumb.Instr) error {
	for _, mi := range transfers {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := uint16(LabelCall)
		if IsJumpTransfer(mi) {
			want = LabelJump
			for _, s := range mi.Parent().Succs {
				if !hasLabel(s, LabelJump) {
					s.InsertBefore(s.First(), JumpLabel())
				}
			}
		}
		if err := p.check(fn, mi, want); err != nil {
			return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
		}
	}
	// the call label goes last so it ends up at offset 0
	if entry := fn.Entry(); entry != nil && Visible(fn) && !hasLabel(entry, LabelCall) {
		entry.InsertBefore(entry.First(), CallLabel())
	}
	return nil
}

// check splices the label comparison in front of mi. Inside an IT block,
// or when the flags survive mi, the comparison is computed without
// touching the flags.
func (p *Pass) check(fn *thumb.Function, mi *thumb.Instr, want uint16) error {
	reg := mi.Reg(0)
	s, spilled := thumb.R4, false
	if free := liveness.FreeRegisters(mi, liveness.Options{}); len(free) > 0 {
		s = free[0]
	} else {
		if reg == thumb.R4 {
			s = thumb.R5
		}
		spilled = true
		log.Debug(p.Module, "no free register for label check, spilling", "fn", fn.Name, "instr", mi.String(), "scratch", thumb.RegName(s))
	}
	flagFree := mi.Predicated() || liveness.FlagsLiveAfter(mi)
	thumbBit := mi.Op != thumb.TBRIND

	var seq []*thumb.Instr
	if spilled {
		seq = append(seq, p.Backup(s)...)
	}
	if thumbBit {
		seq = append(seq, bfc(reg, 0, 1))
	}
	seq = append(seq, thumb.New(thumb.T2LDRHi12, thumb.R(s), thumb.R(reg), thumb.I(0)))
	if flagFree {
		// s = (ldrh == want) ? ~0 : 0
		seq = append(seq,
			thumb.New(thumb.T2SUBri, thumb.R(s), thumb.R(s), thumb.I(int64(want))),
			thumb.New(thumb.T2CLZ, thumb.R(s), thumb.R(s)),
			thumb.New(thumb.T2LSRri, thumb.R(s), thumb.R(s), thumb.I(5)),
			thumb.New(thumb.T2RSBri, thumb.R(s), thumb.R(s), thumb.I(0)),
			thumb.New(thumb.T2ANDrr, thumb.R(reg), thumb.R(reg), thumb.R(s)),
		)
	} else {
		it, err := itblock.NewIT(thumb.NE, []bool{true})
		if err != nil {
			return err
		}
		clear := bfc(reg, 0, 32)
		clear.Cond = thumb.NE
		seq = append(seq, thumb.New(thumb.T2CMPri, thumb.R(s), thumb.I(int64(want))), it, clear)
	}
	if thumbBit {
		seq = append(seq, thumb.New(thumb.T2ORRri, thumb.R(reg), thumb.R(reg), thumb.I(1)))
	}
	if spilled {
		seq = append(seq, instrument.Restore(s))
	}
	log.Trace(p.Module, "label check", "fn", fn.Name, "instr", mi.String(), "label", want, "flagfree", flagFree, "scratch", thumb.RegName(s))
	return itblock.InsertBefore(mi, seq...)
}
