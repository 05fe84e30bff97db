package thumb

import (
	"fmt"
	"strings"
)

type OperandKind uint8

const (
	KindReg OperandKind = iota
	KindImm
	KindBlock
	KindSym
	KindCond
)

type Operand struct {
	Kind     OperandKind
	Reg      Reg
	Imm      int64
	Name     string // block or symbol name
	Implicit bool
	Def      bool // only meaningful for implicit operands
}

func R(r Reg) Operand           { return Operand{Kind: KindReg, Reg: r} }
func I(v int64) Operand         { return Operand{Kind: KindImm, Imm: v} }
func C(c Cond) Operand          { return Operand{Kind: KindCond, Imm: int64(c)} }
func B(name string) Operand     { return Operand{Kind: KindBlock, Name: name} }
func S(name string) Operand     { return Operand{Kind: KindSym, Name: name} }
func ImplicitUse(r Reg) Operand { return Operand{Kind: KindReg, Reg: r, Implicit: true} }
func ImplicitDef(r Reg) Operand {
	return Operand{Kind: KindReg, Reg: r, Implicit: true, Def: true}
}

// Regs wraps a register list as operands.
func Regs(rs ...Reg) []Operand {
	out := make([]Operand, len(rs))
	for i, r := range rs {
		out[i] = R(r)
	}
	return out
}

func (o Operand) String() string {
	var s string
	switch o.Kind {
	case KindReg:
		s = RegName(o.Reg)
	case KindImm:
		s = fmt.Sprintf("#%d", o.Imm)
	case KindBlock:
		s = "%" + o.Name
	case KindSym:
		s = "$" + o.Name
	case KindCond:
		s = Cond(o.Imm).String()
	}
	if o.Implicit {
		if o.Def {
			return "implicit-def " + s
		}
		return "implicit " + s
	}
	return s
}

// MIFlag marks instructions with their origin in the frame lowering or in a pass.
type MIFlag uint8

const (
	FrameSetup MIFlag = 1 << iota
	FrameDestroy
	ShadowStack
	CFILabel
)

var miFlagNames = []struct {
	f    MIFlag
	name string
}{
	{FrameSetup, "frame-setup"},
	{FrameDestroy, "frame-destroy"},
	{ShadowStack, "shadow-stack"},
	{CFILabel, "cfi-label"},
}

// ParseMIFlag maps a listing keyword to its flag.
func ParseMIFlag(s string) (MIFlag, bool) {
	for _, n := range miFlagNames {
		if n.name == s {
			return n.f, true
		}
	}
	return 0, false
}

// Instr is one machine instruction, linked into its block.
type Instr struct {
	Op       Opcode
	Operands []Operand
	// Cond is the effective predicate: AL when unconditional, otherwise the
	// condition the governing IT header (or, for branches, the encoding) gives.
	Cond  Cond
	Flags MIFlag

	parent     *Block
	prev, next *Instr
}

// New builds a detached, unconditional instruction.
func New(op Opcode, ops ...Operand) *Instr {
	return &Instr{Op: op, Operands: ops, Cond: AL}
}

// NewList builds op with leading operands followed by a register list.
func NewList(op Opcode, lead []Operand, list ...Reg) *Instr {
	ops := append(append([]Operand{}, lead...), Regs(list...)...)
	return New(op, ops...)
}

func (mi *Instr) Info() *Info       { return mi.Op.Info() }
func (mi *Instr) Parent() *Block    { return mi.parent }
func (mi *Instr) Next() *Instr      { return mi.next }
func (mi *Instr) Prev() *Instr      { return mi.prev }
func (mi *Instr) Size() int         { return mi.Info().Size }
func (mi *Instr) IsDebug() bool     { return mi.Op.Has(IsDebug) }
func (mi *Instr) Has(f MIFlag) bool { return mi.Flags&f != 0 }

func (mi *Instr) Set(f MIFlag) *Instr {
	mi.Flags |= f
	return mi
}

// Reg returns register operand i.
func (mi *Instr) Reg(i int) Reg { return mi.Operands[i].Reg }

// Imm returns immediate operand i.
func (mi *Instr) Imm(i int) int64 { return mi.Operands[i].Imm }

// Predicated reports a condition that comes from an IT block.
func (mi *Instr) Predicated() bool {
	return mi.Cond != AL && !mi.Op.Has(OwnCond)
}

// NumExplicit counts operands up to the first implicit one.
func (mi *Instr) NumExplicit() int {
	for i, o := range mi.Operands {
		if o.Implicit {
			return i
		}
	}
	return len(mi.Operands)
}

// RegList returns the register-list operands, or nil.
func (mi *Instr) RegList() []Reg {
	info := mi.Info()
	if info.List < 0 {
		return nil
	}
	n := mi.NumExplicit()
	var out []Reg
	for i := info.List; i < n; i++ {
		if mi.Operands[i].Kind == KindReg {
			out = append(out, mi.Operands[i].Reg)
		}
	}
	return out
}

// SetRegList replaces the register list, keeping implicit operands.
func (mi *Instr) SetRegList(list []Reg) {
	info := mi.Info()
	n := mi.NumExplicit()
	ops := append([]Operand{}, mi.Operands[:info.List]...)
	ops = append(ops, Regs(list...)...)
	ops = append(ops, mi.Operands[n:]...)
	mi.Operands = ops
}

// Uses returns the registers read, including flags for predicated instructions.
func (mi *Instr) Uses() RegSet {
	if mi.IsDebug() {
		return 0
	}
	info := mi.Info()
	var s RegSet
	for i, o := range mi.Operands {
		if o.Kind != KindReg {
			continue
		}
		if o.Implicit {
			if !o.Def {
				s = s.Add(o.Reg)
			}
			continue
		}
		if i < info.Defs {
			if i == 0 && info.Tied {
				s = s.Add(o.Reg)
			}
			continue
		}
		if info.ListDefs && i >= info.List {
			continue
		}
		s = s.Add(o.Reg)
	}
	s |= info.ImpUses
	if mi.Cond != AL {
		s = s.Add(CPSR)
	}
	return s
}

// Defs returns the registers written, including flags.
func (mi *Instr) Defs() RegSet {
	if mi.IsDebug() {
		return 0
	}
	info := mi.Info()
	var s RegSet
	for i, o := range mi.Operands {
		if o.Kind != KindReg {
			continue
		}
		if o.Implicit {
			if o.Def {
				s = s.Add(o.Reg)
			}
			continue
		}
		if i < info.Defs || (info.ListDefs && i >= info.List) {
			s = s.Add(o.Reg)
		}
	}
	s |= info.ImpDefs
	if info.Flag&SetsFlags != 0 || (info.Flag&SetsFlagsOutsideIT != 0 && !mi.Predicated()) {
		s = s.Add(CPSR)
	}
	return s
}

// IsControlTransfer reports branches, calls, returns and writes to pc.
func (mi *Instr) IsControlTransfer() bool {
	if mi.Op.Has(IsBranch | IsCall | IsReturn) {
		return mi.Op != TSVC
	}
	return mi.Defs().Has(PC)
}

// Clone returns a detached copy.
func (mi *Instr) Clone() *Instr {
	c := &Instr{Op: mi.Op, Cond: mi.Cond, Flags: mi.Flags}
	c.Operands = append([]Operand(nil), mi.Operands...)
	return c
}

func (mi *Instr) String() string {
	var sb strings.Builder
	for _, n := range miFlagNames {
		if mi.Flags&n.f != 0 {
			sb.WriteString(n.name)
			sb.WriteByte(' ')
		}
	}
	sb.WriteString(mi.Op.String())
	for i, o := range mi.Operands {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	if mi.Cond != AL {
		sb.WriteString(" ?")
		sb.WriteString(mi.Cond.String())
	}
	return sb.String()
}
