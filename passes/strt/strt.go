// Package strt demotes every regular store to its unprivileged form
// (t2STRT, t2STRHT, t2STRBT), so that a store executed by privileged code
// is still checked against the unprivileged MPU view.
package strt

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

// maxImm is the largest offset t2STRT encodes.
const maxImm = 255

type Pass struct {
	*instrument.Instrumentor
}

func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	return &Pass{instrument.New(cfg, sink, log.STRTMonitoring, telemetry.CodeSizeSTRT)}
}

func (p *Pass) Name() string { return "strt" }

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

func (p *Pass) rewrite(fn *thumb.Function, mi *thumb.Instr) error {
	d, err := instrument.DescribeStore(mi)
	if err != nil {
		return p.Unknown(fn, mi)
	}
	var seq []*thumb.Instr
	switch d.Family {
	case instrument.FamDualPre, instrument.FamDualPost:
		p.Gap(fn, mi, telemetry.GapSTRDWriteback)
		return nil
	case instrument.FamT1, instrument.FamSPRel, instrument.FamImm12, instrument.FamNegImm8:
		seq, err = p.lower(mi, plan{
			base: d.Base, imm: d.Imm, aliased: d.Aliased(),
			emit: func(_ []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr {
				return []*thumb.Instr{store(d.Unpriv, d.Src, addr, off)}
			},
		})
	case instrument.FamDual:
		seq, err = p.lower(mi, plan{
			base: d.Base, imm: d.Imm, span: 4, aliased: d.Aliased(),
			emit: func(_ []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr {
				return []*thumb.Instr{store(d.Unpriv, d.Src, addr, off), store(d.Unpriv, d.Src2, addr, off+4)}
			},
		})
	case instrument.FamPre, instrument.FamPost:
		seq, err = indexed(d)
	case instrument.FamReg, instrument.FamShiftedReg:
		seq, err = p.register(mi, d)
	case instrument.FamMulti, instrument.FamPush:
		if d.Base == thumb.SP && d.Down && d.WB == instrument.WBNone &&
			len(liveness.FreeRegisters(mi, liveness.Options{AllowLR: true})) == 0 {
			p.Gap(fn, mi, telemetry.GapSPNoScratch)
			return nil
		}
		seq, err = p.multiple(mi, d)
	case instrument.FamVSTR:
		seq, err = p.vstr(mi, d)
	case instrument.FamVMulti:
		seq, err = p.vmultiple(mi, d)
	default:
		return p.Unknown(fn, mi)
	}
	if err != nil {
		return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
	}
	log.Trace(p.Module, "demoted store", "fn", fn.Name, "instr", mi.String(), "family", d.Family.String(), "emitted", len(seq))
	return itblock.Replace(mi, seq...)
}

func store(op thumb.Opcode, src, base thumb.Reg, off int64) *thumb.Instr {
	return thumb.New(op, thumb.R(src), thumb.R(base), thumb.I(off))
}

// update moves a base register, using the sp forms for sp.
func update(base thumb.Reg, delta int64) (*thumb.Instr, error) {
	if base == thumb.SP {
		return instrument.AdjustSP(delta), nil
	}
	return instrument.AddImm(base, base, delta)
}

// plan describes a group of demoted stores at base+imm. emit produces the
// stores relative to addr at off, after pre and after any spill.
type plan struct {
	base thumb.Reg
	imm  int64
	// span is the offset of the last element from the first.
	span    int64
	aliased bool
	// vals is the number of scratch registers emit needs for values.
	vals      int
	pre, post []*thumb.Instr
	emit      func(vals []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr
}

// lower picks one of three shapes: stores straight off the base when the
// offsets fit, the base moved in place and back, or a scratch address
// register when the base is sp or must not move.
func (p *Pass) lower(mi *thumb.Instr, pl plan) ([]*thumb.Instr, error) {
	scratch := func(n int) (instrument.Scratch, error) {
		if n == 0 {
			return instrument.Scratch{}, nil
		}
		return p.Scratch(mi, n, 0)
	}
	comp := func(s instrument.Scratch) int64 {
		if pl.base == thumb.SP {
			return s.Comp()
		}
		return 0
	}
	s, err := scratch(pl.vals)
	if err != nil {
		return nil, err
	}
	var body []*thumb.Instr
	lo := pl.imm + comp(s)
	switch {
	case lo >= 0 && lo+pl.span <= maxImm:
		body = pl.emit(s.Regs, pl.base, lo)
	case pl.base == thumb.SP || pl.aliased:
		if s, err = scratch(pl.vals + 1); err != nil {
			return nil, err
		}
		addr := s.Regs[pl.vals]
		if body, err = instrument.Address(addr, pl.base, pl.imm+comp(s)); err != nil {
			return nil, err
		}
		body = append(body, pl.emit(s.Regs[:pl.vals], addr, 0)...)
	default:
		fwd, err := instrument.AddImm(pl.base, pl.base, pl.imm)
		if err != nil {
			return nil, err
		}
		back, _ := instrument.AddImm(pl.base, pl.base, -pl.imm)
		body = append([]*thumb.Instr{fwd}, pl.emit(s.Regs, pl.base, 0)...)
		body = append(body, back)
	}
	before, after := p.Wrap(s, body)
	seq := append(append([]*thumb.Instr{}, pl.pre...), before...)
	seq = append(seq, after...)
	return append(seq, pl.post...), nil
}

// indexed handles pre- and post-indexed single stores. The base update
// keeps its place relative to the store, so sp never rises over live data.
func indexed(d instrument.StoreDesc) ([]*thumb.Instr, error) {
	upd, err := update(d.Base, d.Imm)
	if err != nil {
		return nil, err
	}
	st := store(d.Unpriv, d.Src, d.Base, 0)
	if d.WB == instrument.WBPre {
		return []*thumb.Instr{upd, st}, nil
	}
	return []*thumb.Instr{st, upd}, nil
}

func (p *Pass) register(mi *thumb.Instr, d instrument.StoreDesc) ([]*thumb.Instr, error) {
	if d.Base != thumb.SP && !d.Aliased() {
		return []*thumb.Instr{
			instrument.AddReg(d.Base, d.Base, d.Offset, d.Shift, false),
			store(d.Unpriv, d.Src, d.Base, 0),
			instrument.AddReg(d.Base, d.Base, d.Offset, d.Shift, true),
		}, nil
	}
	s, err := p.Scratch(mi, 1, 0)
	if err != nil {
		return nil, err
	}
	addr := s.Regs[0]
	var comp int64
	if d.Base == thumb.SP {
		comp = s.Comp()
	}
	before, after := p.Wrap(s, []*thumb.Instr{
		instrument.AddReg(addr, d.Base, d.Offset, d.Shift, false),
		store(d.Unpriv, d.Src, addr, comp),
	})
	return append(before, after...), nil
}

// multiple splits stm and push into one demoted store per register.
func (p *Pass) multiple(mi *thumb.Instr, d instrument.StoreDesc) ([]*thumb.Instr, error) {
	n := int64(len(d.List))
	pl := plan{
		base: d.Base,
		span: 4 * (n - 1),
		emit: func(_ []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr {
			out := make([]*thumb.Instr, 0, n)
			for i, r := range d.List {
				out = append(out, store(d.Unpriv, r, addr, off+4*int64(i)))
			}
			return out
		},
	}
	switch {
	case d.WB == instrument.WBPre:
		dec, err := update(d.Base, -4*n)
		if err != nil {
			return nil, err
		}
		pl.pre = []*thumb.Instr{dec}
	case d.WB == instrument.WBPost:
		inc, err := update(d.Base, 4*n)
		if err != nil {
			return nil, err
		}
		pl.post = []*thumb.Instr{inc}
	case d.Down && (d.Base == thumb.SP || d.Sources().Has(d.Base)):
		pl.imm, pl.aliased = -4*n, true
	case d.Down:
		dec, err := update(d.Base, -4*n)
		if err != nil {
			return nil, err
		}
		inc, _ := update(d.Base, 4*n)
		pl.pre, pl.post = []*thumb.Instr{dec}, []*thumb.Instr{inc}
	}
	return p.lower(mi, pl)
}

// vmoves copies a VFP register into core registers.
func vmoves(v thumb.Reg, vals []thumb.Reg) *thumb.Instr {
	if thumb.IsDReg(v) {
		return thumb.New(thumb.VMOVRRD, thumb.R(vals[0]), thumb.R(vals[1]), thumb.R(v))
	}
	return thumb.New(thumb.VMOVRS, thumb.R(vals[0]), thumb.R(v))
}

// words is the core-register count one VFP register needs.
func words(v thumb.Reg) int {
	if thumb.IsDReg(v) {
		return 2
	}
	return 1
}

func (p *Pass) vstr(mi *thumb.Instr, d instrument.StoreDesc) ([]*thumb.Instr, error) {
	w := words(d.Src)
	return p.lower(mi, plan{
		base: d.Base,
		imm:  d.Imm,
		span: 4 * int64(w-1),
		vals: w,
		emit: func(vals []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr {
			out := []*thumb.Instr{vmoves(d.Src, vals)}
			for i := 0; i < w; i++ {
				out = append(out, store(d.Unpriv, vals[i], addr, off+4*int64(i)))
			}
			return out
		},
	})
}

// vmultiple decomposes vstm and vpush, reusing one or two value scratch
// registers for every element.
func (p *Pass) vmultiple(mi *thumb.Instr, d instrument.StoreDesc) ([]*thumb.Instr, error) {
	w := d.Width / 4
	bytes := d.Bytes()
	pl := plan{
		base: d.Base,
		span: bytes - 4,
		vals: w,
		emit: func(vals []thumb.Reg, addr thumb.Reg, off int64) []*thumb.Instr {
			var out []*thumb.Instr
			for i, v := range d.List {
				out = append(out, vmoves(v, vals))
				for k := 0; k < w; k++ {
					out = append(out, store(d.Unpriv, vals[k], addr, off+int64(i*d.Width+4*k)))
				}
			}
			return out
		},
	}
	switch d.WB {
	case instrument.WBPre:
		dec, err := update(d.Base, -bytes)
		if err != nil {
			return nil, err
		}
		pl.pre = []*thumb.Instr{dec}
	case instrument.WBPost:
		inc, err := update(d.Base, bytes)
		if err != nil {
			return nil, err
		}
		pl.post = []*thumb.Instr{inc}
	}
	return p.lower(mi, pl)
}
