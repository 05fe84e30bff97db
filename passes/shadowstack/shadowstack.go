// Package shadowstack keeps a copy of every return address at a fixed
// displacement above the stack pointer, and returns through that copy
// instead of the slot on the ordinary stack.
package shadowstack

import (
	"context"
	"fmt"
	"slices"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/instrument"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
)

const (
	maxImm12 = 4095
	maxImm8  = 255
)

type Pass struct {
	*instrument.Instrumentor
}

func New(cfg config.Config, sink *telemetry.Sink) *Pass {
	return &Pass{instrument.New(cfg, sink, log.SSMonitoring, telemetry.CodeSizeSS)}
}

func (p *Pass) Name() string { return "shadowstack" }

func (p *Pass) Run(ctx context.Context, fn *thumb.Function) error {
	if !p.Cfg.ShadowStack || p.Skip(fn) {
		return nil
	}
	off := p.Cfg.ShadowOffset
	if off < 0 {
		return fmt.Errorf("%s: shadow offset %d: %w", fn.Name, off, silerrors.ErrNegativeShadowOffset)
	}
	if off%4 != 0 {
		return fmt.Errorf("%s: shadow offset %d: %w", fn.Name, off, silerrors.ErrMisalignedShadowOffset)
	}
	if fn.HasVarSizedObjects {
		log.Warn(p.Module, "variable-sized stack frame, shadow slots may overlap the frame", "fn", fn.Name, "offset", off)
	}
	done := p.Measure(fn)
	var pushes, pops []*thumb.Instr
	for _, mi := range fn.Instrs() {
		switch {
		case IsPrologue(mi):
			pushes = append(pushes, mi)
		case IsEpilogue(mi):
			pops = append(pops, mi)
		}
	}
	for _, mi := range pushes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.setup(mi, off); err != nil {
			return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
		}
	}
	for _, mi := range pops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.teardown(mi, off); err != nil {
			return fmt.Errorf("%s: %s: %w", fn.Name, mi, err)
		}
	}
	log.Debug(p.Module, "shadow stack", "fn", fn.Name, "prologues", len(pushes), "epilogues", len(pops))
	done()
	return nil
}

func spBased(mi *thumb.Instr) bool {
	switch mi.Op {
	case thumb.TPUSH, thumb.TPOP, thumb.TPOP_RET:
		return true
	case thumb.T2STMDB_UPD, thumb.T2LDMIA_UPD, thumb.T2LDMIA_RET:
		return mi.Reg(1) == thumb.SP
	}
	return false
}

// IsPrologue reports a frame-setup push that saves lr.
func IsPrologue(mi *thumb.Instr) bool {
	if !mi.Has(thumb.FrameSetup) || (mi.Op != thumb.TPUSH && mi.Op != thumb.T2STMDB_UPD) {
		return false
	}
	return spBased(mi) && slices.Contains(mi.RegList(), thumb.LR)
}

// IsEpilogue reports a frame-destroy pop that reloads pc, or lr ahead of
// a tail call.
func IsEpilogue(mi *thumb.Instr) bool {
	if !mi.Has(thumb.FrameDestroy) || !spBased(mi) {
		return false
	}
	list := mi.RegList()
	switch mi.Op {
	case thumb.TPOP_RET, thumb.T2LDMIA_RET:
		return slices.Contains(list, thumb.PC)
	case thumb.TPOP, thumb.T2LDMIA_UPD:
		return slices.Contains(list, thumb.PC) || slices.Contains(list, thumb.LR)
	}
	return false
}

func tag(seq []*thumb.Instr) []*thumb.Instr {
	return instrument.Tag(thumb.ShadowStack, seq...)
}

// setup stores lr at sp+off in front of the push.
func (p *Pass) setup(push *thumb.Instr, off int64) error {
	unpriv := p.Cfg.ShadowUnprivileged
	switch {
	case unpriv && off <= maxImm8:
		return itblock.InsertBefore(push, tag([]*thumb.Instr{
			thumb.New(thumb.T2STRT, thumb.R(thumb.LR), thumb.R(thumb.SP), thumb.I(off)),
		})...)
	case !unpriv && off <= maxImm12:
		return itblock.InsertBefore(push, tag([]*thumb.Instr{
			thumb.New(thumb.T2STRi12, thumb.R(thumb.LR), thumb.R(thumb.SP), thumb.I(off)),
		})...)
	}
	s, err := p.Scratch(push, 1, thumb.MakeRegSet(thumb.LR))
	if err != nil {
		return err
	}
	x := s.Regs[0]
	// a spill has moved sp down by the time the offset is used
	body := instrument.MaterializeImm(x, uint32(off+s.Comp()))
	if unpriv {
		body = append(body,
			thumb.New(thumb.T2ADDrr, thumb.R(x), thumb.R(thumb.SP), thumb.R(x)),
			thumb.New(thumb.T2STRT, thumb.R(thumb.LR), thumb.R(x), thumb.I(0)),
		)
	} else {
		body = append(body, thumb.New(thumb.T2STRs, thumb.R(thumb.LR), thumb.R(thumb.SP), thumb.R(x), thumb.I(0)))
	}
	before, after := p.Wrap(s, body)
	if len(s.Spilled) > 0 {
		log.Debug(p.Module, "no free register for shadow store, spilling", "instr", push.String(), "scratch", thumb.RegName(x))
	}
	return itblock.InsertBefore(push, tag(append(before, after...))...)
}

// teardown drops the return register from the pop, steps over its slot
// and reloads it from the shadow copy.
func (p *Pass) teardown(pop *thumb.Instr, off int64) error {
	list := pop.RegList()
	ret := thumb.LR
	if slices.Contains(list, thumb.PC) {
		ret = thumb.PC
	}
	list = slices.DeleteFunc(list, func(r thumb.Reg) bool { return r == ret })
	switch pop.Op {
	case thumb.TPOP_RET:
		pop.Op = thumb.TPOP
	case thumb.T2LDMIA_RET:
		pop.Op = thumb.T2LDMIA_UPD
	}
	pop.SetRegList(list)

	seq := []*thumb.Instr{instrument.AdjustSP(4)}
	if off <= maxImm12 {
		seq = append(seq, thumb.New(thumb.T2LDRi12, thumb.R(ret), thumb.R(thumb.SP), thumb.I(off)))
	} else {
		// lr is dead at a return and about to be reloaded otherwise
		seq = append(seq, instrument.MaterializeImm(thumb.LR, uint32(off))...)
		seq = append(seq, thumb.New(thumb.T2LDRs, thumb.R(ret), thumb.R(thumb.SP), thumb.R(thumb.LR), thumb.I(0)))
	}
	if ret == thumb.PC {
		// the reload is now the return and carries the pop's result registers
		last := seq[len(seq)-1]
		for _, r := range thumb.ReturnValues.Regs() {
			last.Operands = append(last.Operands, thumb.ImplicitUse(r))
		}
	}
	seq = tag(seq)
	if len(list) == 0 {
		return itblock.Replace(pop, seq...)
	}
	return itblock.InsertAfter(pop, seq...)
}
