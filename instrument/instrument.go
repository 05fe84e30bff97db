// Package instrument holds the machinery shared by the rewriting passes:
// the store shape table, scratch-register allocation with spilling, and
// the immediate and telemetry helpers.
package instrument

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/liveness"
)

// Pass rewrites one function in place.
type Pass interface {
	Name() string
	Run(ctx context.Context, fn *thumb.Function) error
}

// Instrumentor carries what every rewriting pass needs: the configuration,
// the stat sink, and the log module and stat file the pass reports under.
type Instrumentor struct {
	Cfg      config.Config
	Sink     *telemetry.Sink
	Module   string
	StatFile string
}

func New(cfg config.Config, sink *telemetry.Sink, module, statFile string) *Instrumentor {
	if sink == nil {
		sink = telemetry.NewNoOpSink()
	}
	return &Instrumentor{Cfg: cfg, Sink: sink, Module: module, StatFile: statFile}
}

// Skip reports a function the deny or allow list keeps unchanged.
func (in *Instrumentor) Skip(fn *thumb.Function) bool {
	if in.Cfg.Instruments(fn.Name, fn.Section) {
		return false
	}
	log.Debug(in.Module, "skipping function", "fn", fn.Name, "section", fn.Section)
	return true
}

// Measure snapshots fn's size; the returned func records old and new size.
func (in *Instrumentor) Measure(fn *thumb.Function) func() {
	before := fn.Size()
	return func() {
		after := fn.Size()
		if in.StatFile != "" {
			in.Sink.RecordSize(in.StatFile, fn.Name, before, after)
		}
		log.Debug(in.Module, "function rewritten", "fn", fn.Name, "old", before, "new", after)
	}
}

// Gap records an instruction deliberately left as is.
func (in *Instrumentor) Gap(fn *thumb.Function, mi *thumb.Instr, reason string) {
	log.Warn(in.Module, "instruction left unprotected", "fn", fn.Name, "instr", mi.String(), "reason", reason)
	in.Sink.RecordGap(fn.Name, mi.Op.String(), reason)
}

// Unknown applies Config.UnknownOpcodes to an instruction with no rule.
func (in *Instrumentor) Unknown(fn *thumb.Function, mi *thumb.Instr) error {
	if in.Cfg.UnknownOpcodes == config.UnknownFatal {
		return fmt.Errorf("%s: %s: %w", fn.Name, mi, silerrors.ErrUnknownOpcode)
	}
	log.Error(in.Module, "unidentified instruction left unmodified", "fn", fn.Name, "instr", mi.String())
	in.Sink.RecordGap(fn.Name, mi.Op.String(), telemetry.GapUnknownOpcode)
	return nil
}

// Stores collects the stores a store pass must look at, before any edit.
// Shadow-stack and already demoted stores are left out.
func Stores(fn *thumb.Function) []*thumb.Instr {
	var out []*thumb.Instr
	for _, mi := range fn.Instrs() {
		if !mi.Op.Has(thumb.MayStore) || mi.Has(thumb.ShadowStack) || IsUnprivileged(mi.Op) {
			continue
		}
		out = append(out, mi)
	}
	return out
}

// Backup saves r below sp. With demoted stores the save itself must be
// unprivileged, so it is spelled as an sp decrement plus strt.
func (in *Instrumentor) Backup(r thumb.Reg) []*thumb.Instr {
	if in.Cfg.UseSTRTSpill() {
		return []*thumb.Instr{
			AdjustSP(-4),
			thumb.New(thumb.T2STRT, thumb.R(r), thumb.R(thumb.SP), thumb.I(0)),
		}
	}
	return []*thumb.Instr{thumb.NewList(thumb.TPUSH, nil, r)}
}

// Restore reloads a register saved by Backup.
func Restore(r thumb.Reg) *thumb.Instr {
	return thumb.NewList(thumb.TPOP, nil, r)
}

// Scratch is a set of registers a rewrite may clobber. Spilled ones must
// be saved around the rewrite with Wrap.
type Scratch struct {
	Regs    []thumb.Reg
	Spilled []thumb.Reg
}

// Comp is how far the spills moved sp.
func (s Scratch) Comp() int64 { return 4 * int64(len(s.Spilled)) }

var spillOrder = []thumb.Reg{thumb.R4, thumb.R5, thumb.R6, thumb.R7, thumb.R0, thumb.R1, thumb.R2, thumb.R3}

// Scratch finds n registers that may be clobbered around mi. Dead
// registers come first; the rest are low registers that get spilled.
func (in *Instrumentor) Scratch(mi *thumb.Instr, n int, exclude thumb.RegSet) (Scratch, error) {
	var s Scratch
	free := liveness.FreeRegisters(mi, liveness.Options{AllowLR: true, Exclude: exclude})
	if len(free) >= n {
		s.Regs = free[:n]
		return s, nil
	}
	s.Regs = append(s.Regs, free...)
	busy := mi.Uses() | mi.Defs() | exclude | thumb.MakeRegSet(free...)
	for _, r := range spillOrder {
		if len(s.Regs) == n {
			break
		}
		if busy.Has(r) {
			continue
		}
		s.Regs = append(s.Regs, r)
		s.Spilled = append(s.Spilled, r)
		busy = busy.Add(r)
	}
	if len(s.Regs) < n {
		return Scratch{}, fmt.Errorf("%s: need %d scratch registers: %w", mi, n, silerrors.ErrNoScratch)
	}
	log.Debug(in.Module, "spilling scratch registers", "at", mi.String(), "spilled", thumb.MakeRegSet(s.Spilled...).String())
	return s, nil
}

// Wrap surrounds body with the backups and restores of s's spills.
func (in *Instrumentor) Wrap(s Scratch, body []*thumb.Instr) (before, after []*thumb.Instr) {
	for _, r := range s.Spilled {
		before = append(before, in.Backup(r)...)
	}
	before = append(before, body...)
	for i := len(s.Spilled) - 1; i >= 0; i-- {
		after = append(after, Restore(s.Spilled[i]))
	}
	return before, after
}

// AddImm emits dst = src + imm without touching the flags.
func AddImm(dst, src thumb.Reg, imm int64) (*thumb.Instr, error) {
	op := thumb.T2ADDri12
	if imm < 0 {
		op, imm = thumb.T2SUBri12, -imm
	}
	if !thumb.FitsUnsigned(imm, 12) {
		return nil, fmt.Errorf("add #%d: %w", imm, silerrors.ErrImmediateRange)
	}
	return thumb.New(op, thumb.R(dst), thumb.R(src), thumb.I(imm)), nil
}

// Address emits dst = base + imm for any 32-bit imm. dst must differ from
// base when imm does not fit twelve bits.
func Address(dst, base thumb.Reg, imm int64) ([]*thumb.Instr, error) {
	if mi, err := AddImm(dst, base, imm); err == nil {
		return []*thumb.Instr{mi}, nil
	}
	if dst == base {
		return nil, fmt.Errorf("address %s%+d in place: %w", thumb.RegName(base), imm, silerrors.ErrImmediateRange)
	}
	sub := imm < 0
	if sub {
		imm = -imm
	}
	seq := MaterializeImm(dst, uint32(imm))
	return append(seq, AddReg(dst, base, dst, 0, sub)), nil
}

// AdjustSP moves sp by a multiple of four, preferring the narrow forms.
func AdjustSP(bytes int64) *thumb.Instr {
	op := thumb.TADDspi
	if bytes < 0 {
		op, bytes = thumb.TSUBspi, -bytes
	}
	if bytes%4 == 0 && bytes/4 <= 127 {
		return thumb.New(op, thumb.R(thumb.SP), thumb.R(thumb.SP), thumb.I(bytes/4))
	}
	wide := thumb.T2ADDri12
	if op == thumb.TSUBspi {
		wide = thumb.T2SUBri12
	}
	return thumb.New(wide, thumb.R(thumb.SP), thumb.R(thumb.SP), thumb.I(bytes))
}

// AddReg emits dst = base +/- (rm << shift).
func AddReg(dst, base, rm thumb.Reg, shift int64, sub bool) *thumb.Instr {
	switch {
	case shift == 0 && !sub:
		return thumb.New(thumb.T2ADDrr, thumb.R(dst), thumb.R(base), thumb.R(rm))
	case shift == 0:
		return thumb.New(thumb.T2SUBrr, thumb.R(dst), thumb.R(base), thumb.R(rm))
	case !sub:
		return thumb.New(thumb.T2ADDrs, thumb.R(dst), thumb.R(base), thumb.R(rm), thumb.I(shift))
	}
	return thumb.New(thumb.T2SUBrs, thumb.R(dst), thumb.R(base), thumb.R(rm), thumb.I(shift))
}

// MaterializeImm loads v into r with the shortest flag-free sequence.
func MaterializeImm(r thumb.Reg, v uint32) []*thumb.Instr {
	switch {
	case thumb.IsT2SOImm(v):
		return []*thumb.Instr{thumb.New(thumb.T2MOVi, thumb.R(r), thumb.I(int64(v)))}
	case v <= 0xffff:
		return []*thumb.Instr{thumb.New(thumb.T2MOVi16, thumb.R(r), thumb.I(int64(v)))}
	}
	return []*thumb.Instr{
		thumb.New(thumb.T2MOVi16, thumb.R(r), thumb.I(int64(v&0xffff))),
		thumb.New(thumb.T2MOVTi16, thumb.R(r), thumb.I(int64(v>>16))),
	}
}

// Tag sets f on every instruction of seq.
func Tag(f thumb.MIFlag, seq ...*thumb.Instr) []*thumb.Instr {
	for _, mi := range seq {
		mi.Set(f)
	}
	return seq
}
