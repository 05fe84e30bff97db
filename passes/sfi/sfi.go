// Package sfi confines stores to the unprivileged address range by
// clearing the address bits that select privileged memory before every
// store, or before the heavyweight ones only in selective mode.
package sfi

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
)

const (
	Mask1 = 0xC0000000
	Mask2 = 0x00800000
	// smallImm bounds offsets the guard region absorbs after masking.
	smallImm = 256
)

// Masked reports whether addr can be produced by a masked base.
func Masked(addr uint32) bool { return addr&(Mask1|Mask2) == 0 }

type Pass struct {
	*instrument.Instrumentor
}

func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	return &Pass{instrument.New(cfg, sink, log.SFIMonitoring, telemetry.CodeSizeSFI)}
}

func (p *Pass) Name() string { return "sfi" }

func (p *Pass) Run(ctx context.Context, fn *thumb.Function) error {
	if p.Skip(fn) {
		return nil
	}
	done := p.Measure(fn)
	for _, mi := range instrument.Stores(fn) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.rewrite(fn, mi); err != nil {
			return err
		}
	}
	done()
	return nil
}

// Mask clears the privileged address bits of r.
func Mask(r thumb.Reg) []*thumb.Instr {
	return []*thumb.Instr{
		thumb.New(thumb.T2BICri, thumb.R(r), thumb.R(r), thumb.I(Mask1)),
		thumb.New(thumb.T2BICri, thumb.R(r), thumb.R(r), thumb.I(Mask2)),
	}
}

// operand positions of base and immediate in the forms rewritten in place
var layout = map[instrument.Family]struct{ base, imm int }{
	instrument.FamSPRel:    {1, 2},
	instrument.FamImm12:    {1, 2},
	instrument.FamVSTR:     {1, 2},
	instrument.FamDual:     {2, 3},
	instrument.FamDualPre:  {3, 4},
	instrument.FamDualPost: {3, 4},
}

// wideImm gives the [rn, #imm12] store for a width; narrow forms cannot
// take a high scratch register.
var wideImm = map[int]thumb.Opcode{4: thumb.T2STRi12, 2: thumb.T2STRHi12, 1: thumb.T2STRBi12}

func (p *Pass) rewrite(fn *thumb.Function, mi *thumb.Instr) error {
	d, err := instrument.DescribeStore(mi)
	if err != nil {
		return p.Unknown(fn, mi)
	}
	if p.Cfg.SFIScope == config.SFISelective && !d.Heavy {
		return nil
	}
	small := d.Imm > -smallImm && d.Imm < smallImm
	var before, after []*thumb.Instr
	switch d.Family {
	case instrument.FamT1, instrument.FamNegImm8, instrument.FamPre, instrument.FamPost,
		instrument.FamDualPost, instrument.FamMulti, instrument.FamPush, instrument.FamVMulti:
		before = Mask(d.Base)
	case instrument.FamDualPre:
		if !small {
			// the pre-index moves the base anyway; move it first and store at #0
			fwd, err := instrument.AddImm(d.Base, d.Base, d.Imm)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
			}
			before = append(before, fwd)
			mi.Operands[layout[d.Family].imm] = thumb.I(0)
		}
		before = append(before, Mask(d.Base)...)
	case instrument.FamSPRel, instrument.FamImm12, instrument.FamDual, instrument.FamVSTR:
		switch {
		case small:
			before = Mask(d.Base)
		case d.Base == thumb.SP || d.Aliased():
			before, after, err = p.viaScratch(mi, d)
		default:
			before, after, err = moveBase(mi, d)
		}
	case instrument.FamReg, instrument.FamShiftedReg:
		if d.Base == thumb.SP || d.Aliased() {
			before, after, err = p.viaScratch(mi, d)
		} else {
			before, after, err = moveBase(mi, d)
		}
	default:
		return p.Unknown(fn, mi)
	}
	if err != nil {
		return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
	}
	log.Trace(p.Module, "masked store", "fn", fn.Name, "instr", mi.String(), "family", d.Family.String())
	if err := itblock.InsertBefore(mi, before...); err != nil {
		return err
	}
	return itblock.InsertAfter(mi, after...)
}

// toImm rewrites a register-offset store as op src, base, #off.
func toImm(mi *thumb.Instr, op thumb.Opcode, base thumb.Reg, off int64) {
	tail := mi.Operands[mi.NumExplicit():]
	ops := []thumb.Operand{mi.Operands[0], thumb.R(base), thumb.I(off)}
	mi.Op = op
	mi.Operands = append(ops, tail...)
}

// moveBase adds the offset into the base, masks it, stores at #0 and
// subtracts the offset again.
func moveBase(mi *thumb.Instr, d instrument.StoreDesc) (before, after []*thumb.Instr, err error) {
	if d.HasOffset {
		before = append(before, instrument.AddReg(d.Base, d.Base, d.Offset, d.Shift, false))
		after = append(after, instrument.AddReg(d.Base, d.Base, d.Offset, d.Shift, true))
		toImm(mi, d.ImmForm, d.Base, 0)
	} else {
		fwd, err := instrument.AddImm(d.Base, d.Base, d.Imm)
		if err != nil {
			return nil, nil, err
		}
		back, _ := instrument.AddImm(d.Base, d.Base, -d.Imm)
		before, after = append(before, fwd), append(after, back)
		mi.Operands[layout[d.Family].imm] = thumb.I(0)
	}
	return append(before, Mask(d.Base)...), after, nil
}

// viaScratch computes the address in a scratch register, masks that and
// stores through it. A spill stores through sp, so sp is masked first.
func (p *Pass) viaScratch(mi *thumb.Instr, d instrument.StoreDesc) (before, after []*thumb.Instr, err error) {
	s, err := p.Scratch(mi, 1, 0)
	if err != nil {
		return nil, nil, err
	}
	x := s.Regs[0]
	var comp int64
	if d.Base == thumb.SP {
		comp = s.Comp()
	}
	if len(s.Spilled) > 0 {
		before = Mask(thumb.SP)
	}
	var body []*thumb.Instr
	if d.HasOffset {
		body = append(body, instrument.AddReg(x, d.Base, d.Offset, d.Shift, false))
		body = append(body, Mask(x)...)
		toImm(mi, wideImm[d.Width], x, comp)
	} else {
		if body, err = instrument.Address(x, d.Base, d.Imm+comp); err != nil {
			return nil, nil, err
		}
		body = append(body, Mask(x)...)
		if mi.Op == thumb.TSTRspi {
			mi.Op = thumb.T2STRi12
		}
		l := layout[d.Family]
		mi.Operands[l.base] = thumb.R(x)
		mi.Operands[l.imm] = thumb.I(0)
	}
	pre, post := p.Wrap(s, body)
	return append(before, pre...), post, nil
}
