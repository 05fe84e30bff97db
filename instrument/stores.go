package instrument

import (
	"fmt"

	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
)

// Family groups store opcodes by addressing form.
type Family uint8

const (
	FamT1         Family = iota + 1 // [rn, #imm5]
	FamSPRel                        // [sp, #imm8]
	FamImm12                        // [rn, #imm12]
	FamNegImm8                      // [rn, #-imm8]
	FamPre                          // [rn, #+/-imm8]!
	FamPost                         // [rn], #+/-imm8
	FamReg                          // [rn, rm]
	FamShiftedReg                   // [rn, rm, lsl #n]
	FamDual                         // strd [rn, #+/-imm8]
	FamDualPre
	FamDualPost
	FamMulti // stm
	FamPush
	FamVSTR
	FamVMulti // vstm, vpush
)

var familyNames = map[Family]string{
	FamT1:         "imm5",
	FamSPRel:      "sp-rel",
	FamImm12:      "imm12",
	FamNegImm8:    "neg-imm8",
	FamPre:        "pre",
	FamPost:       "post",
	FamReg:        "reg",
	FamShiftedReg: "shifted-reg",
	FamDual:       "dual",
	FamDualPre:    "dual-pre",
	FamDualPost:   "dual-post",
	FamMulti:      "multi",
	FamPush:       "push",
	FamVSTR:       "vstr",
	FamVMulti:     "vmulti",
}

func (f Family) String() string {
	if s, ok := familyNames[f]; ok {
		return s
	}
	return fmt.Sprintf("family(%d)", f)
}

// WriteBack says when a store updates its base.
type WriteBack uint8

const (
	WBNone WriteBack = iota
	WBPre
	WBPost
)

// Shape is the static rewrite description of a store opcode.
type Shape struct {
	Family Family
	// Width is the bytes written per element: 1, 2, 4, or 8 for dual and
	// double-precision forms.
	Width int
	// Scale turns the encoded immediate into bytes.
	Scale int64
	// Heavy stores are the ones selective SFI still masks.
	Heavy bool
	// Unpriv is the demoted opcode for one element.
	Unpriv thumb.Opcode
	// ImmForm is the [rn, #imm] counterpart of a register-offset store.
	ImmForm thumb.Opcode
	// Down is set for decrement-before multiple stores.
	Down bool
	WB   WriteBack
}

var storeShapes = map[thumb.Opcode]Shape{
	thumb.TSTRi:   {Family: FamT1, Width: 4, Scale: 4, Unpriv: thumb.T2STRT},
	thumb.TSTRHi:  {Family: FamT1, Width: 2, Scale: 2, Unpriv: thumb.T2STRHT},
	thumb.TSTRBi:  {Family: FamT1, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT},
	thumb.TSTRspi: {Family: FamSPRel, Width: 4, Scale: 4, Unpriv: thumb.T2STRT},

	thumb.T2STRi12:  {Family: FamImm12, Width: 4, Scale: 1, Unpriv: thumb.T2STRT},
	thumb.T2STRHi12: {Family: FamImm12, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT},
	thumb.T2STRBi12: {Family: FamImm12, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT},
	thumb.T2STRi8:   {Family: FamNegImm8, Width: 4, Scale: 1, Unpriv: thumb.T2STRT},
	thumb.T2STRHi8:  {Family: FamNegImm8, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT},
	thumb.T2STRBi8:  {Family: FamNegImm8, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT},

	thumb.T2STR_PRE:   {Family: FamPre, Width: 4, Scale: 1, Unpriv: thumb.T2STRT, WB: WBPre},
	thumb.T2STRH_PRE:  {Family: FamPre, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT, WB: WBPre},
	thumb.T2STRB_PRE:  {Family: FamPre, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT, WB: WBPre},
	thumb.T2STR_POST:  {Family: FamPost, Width: 4, Scale: 1, Unpriv: thumb.T2STRT, WB: WBPost},
	thumb.T2STRH_POST: {Family: FamPost, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT, WB: WBPost},
	thumb.T2STRB_POST: {Family: FamPost, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT, WB: WBPost},

	thumb.TSTRr:   {Family: FamReg, Width: 4, Scale: 1, Unpriv: thumb.T2STRT, ImmForm: thumb.TSTRi},
	thumb.TSTRHr:  {Family: FamReg, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT, ImmForm: thumb.TSTRHi},
	thumb.TSTRBr:  {Family: FamReg, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT, ImmForm: thumb.TSTRBi},
	thumb.T2STRs:  {Family: FamShiftedReg, Width: 4, Scale: 1, Unpriv: thumb.T2STRT, ImmForm: thumb.T2STRi12},
	thumb.T2STRHs: {Family: FamShiftedReg, Width: 2, Scale: 1, Unpriv: thumb.T2STRHT, ImmForm: thumb.T2STRHi12},
	thumb.T2STRBs: {Family: FamShiftedReg, Width: 1, Scale: 1, Unpriv: thumb.T2STRBT, ImmForm: thumb.T2STRBi12},

	thumb.T2STRDi8:    {Family: FamDual, Width: 8, Scale: 1, Unpriv: thumb.T2STRT},
	thumb.T2STRD_PRE:  {Family: FamDualPre, Width: 8, Scale: 1, Unpriv: thumb.T2STRT, WB: WBPre},
	thumb.T2STRD_POST: {Family: FamDualPost, Width: 8, Scale: 1, Unpriv: thumb.T2STRT, WB: WBPost},

	thumb.TSTMIA_UPD:  {Family: FamMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, WB: WBPost},
	thumb.T2STMIA:     {Family: FamMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT},
	thumb.T2STMIA_UPD: {Family: FamMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, WB: WBPost},
	thumb.T2STMDB:     {Family: FamMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, Down: true},
	thumb.T2STMDB_UPD: {Family: FamMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, Down: true, WB: WBPre},
	thumb.TPUSH:       {Family: FamPush, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, Down: true, WB: WBPre},

	thumb.VSTRS:       {Family: FamVSTR, Width: 4, Scale: 4, Heavy: true, Unpriv: thumb.T2STRT},
	thumb.VSTRD:       {Family: FamVSTR, Width: 8, Scale: 4, Heavy: true, Unpriv: thumb.T2STRT},
	thumb.VSTMSIA:     {Family: FamVMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT},
	thumb.VSTMSIA_UPD: {Family: FamVMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, WB: WBPost},
	thumb.VSTMSDB_UPD: {Family: FamVMulti, Width: 4, Heavy: true, Unpriv: thumb.T2STRT, Down: true, WB: WBPre},
	thumb.VSTMDIA:     {Family: FamVMulti, Width: 8, Heavy: true, Unpriv: thumb.T2STRT},
	thumb.VSTMDIA_UPD: {Family: FamVMulti, Width: 8, Heavy: true, Unpriv: thumb.T2STRT, WB: WBPost},
	thumb.VSTMDDB_UPD: {Family: FamVMulti, Width: 8, Heavy: true, Unpriv: thumb.T2STRT, Down: true, WB: WBPre},
}

// LookupStore returns the shape of a rewritable store.
func LookupStore(op thumb.Opcode) (Shape, bool) {
	sh, ok := storeShapes[op]
	return sh, ok
}

// IsUnprivileged reports the demoted store forms, which no pass touches again.
func IsUnprivileged(op thumb.Opcode) bool {
	switch op {
	case thumb.T2STRT, thumb.T2STRHT, thumb.T2STRBT:
		return true
	}
	return false
}

// StoreDesc is a store's operands in canonical form.
type StoreDesc struct {
	Shape
	Op thumb.Opcode
	// Src is a core register, or the VFP register of a VSTR.
	Src  thumb.Reg
	Src2 thumb.Reg
	Base thumb.Reg
	// Offset and Shift are set for register-offset forms.
	Offset    thumb.Reg
	HasOffset bool
	Shift     int64
	// Imm is the signed byte offset.
	Imm  int64
	List []thumb.Reg
}

// DescribeStore decodes mi through the shape table.
func DescribeStore(mi *thumb.Instr) (StoreDesc, error) {
	sh, ok := storeShapes[mi.Op]
	if !ok {
		return StoreDesc{}, fmt.Errorf("%s: %w", mi, silerrors.ErrUnknownOpcode)
	}
	d := StoreDesc{Shape: sh, Op: mi.Op}
	switch sh.Family {
	case FamT1, FamSPRel, FamImm12, FamNegImm8, FamVSTR:
		d.Src, d.Base, d.Imm = mi.Reg(0), mi.Reg(1), mi.Imm(2)*sh.Scale
	case FamPre, FamPost:
		d.Src, d.Base, d.Imm = mi.Reg(1), mi.Reg(2), mi.Imm(3)*sh.Scale
	case FamReg:
		d.Src, d.Base, d.Offset, d.HasOffset = mi.Reg(0), mi.Reg(1), mi.Reg(2), true
	case FamShiftedReg:
		d.Src, d.Base, d.Offset, d.HasOffset = mi.Reg(0), mi.Reg(1), mi.Reg(2), true
		if mi.NumExplicit() > 3 {
			d.Shift = mi.Imm(3)
		}
	case FamDual:
		d.Src, d.Src2, d.Base, d.Imm = mi.Reg(0), mi.Reg(1), mi.Reg(2), mi.Imm(3)
	case FamDualPre, FamDualPost:
		d.Src, d.Src2, d.Base, d.Imm = mi.Reg(1), mi.Reg(2), mi.Reg(3), mi.Imm(4)
	case FamMulti, FamVMulti:
		d.Base = mi.Reg(0)
		if sh.WB != WBNone {
			d.Base = mi.Reg(1)
		}
		d.List = mi.RegList()
	case FamPush:
		d.Base = thumb.SP
		d.List = mi.RegList()
	}
	return d, nil
}

// Bytes is the total size written.
func (d StoreDesc) Bytes() int64 {
	if d.List != nil {
		return int64(len(d.List) * d.Width)
	}
	return int64(d.Width)
}

// Sources is the set of core registers whose values are stored.
func (d StoreDesc) Sources() thumb.RegSet {
	var s thumb.RegSet
	switch d.Family {
	case FamVSTR, FamVMulti:
		return 0
	case FamMulti, FamPush:
		return thumb.MakeRegSet(d.List...)
	case FamDual, FamDualPre, FamDualPost:
		s = s.Add(d.Src2)
	}
	return s.Add(d.Src)
}

// Aliased reports a base that a rewrite must not move in place: it is
// stored itself, or it doubles as the offset register.
func (d StoreDesc) Aliased() bool {
	if d.Sources().Has(d.Base) {
		return true
	}
	return d.HasOffset && d.Offset == d.Base
}
