package thumb

// Thumb-2 opcodes, spelled after their LLVM machine-instruction names.
// Operand layouts are given in the comment of each group; the predicate is
// never an operand (see Instr.Cond).
type Opcode uint16

const (
	INVALID Opcode = iota

	// Narrow stores: src, base, #imm (imm scaled by width) or src, base, rm.
	TSTRi
	TSTRHi
	TSTRBi
	TSTRspi
	TSTRr
	TSTRHr
	TSTRBr

	// Wide stores: src, base, #imm.
	T2STRi12
	T2STRHi12
	T2STRBi12
	T2STRi8
	T2STRHi8
	T2STRBi8

	// Write-back stores: base_wb, src, base, #imm.
	T2STR_PRE
	T2STRH_PRE
	T2STRB_PRE
	T2STR_POST
	T2STRH_POST
	T2STRB_POST

	// Shifted-register stores: src, base, rm, #lsl.
	T2STRs
	T2STRHs
	T2STRBs

	// Dual stores: src, src2, base, #imm; write-back forms lead with base_wb.
	T2STRDi8
	T2STRD_PRE
	T2STRD_POST

	// Multiple stores: [base_wb,] base, reglist.
	TSTMIA_UPD
	T2STMIA
	T2STMIA_UPD
	T2STMDB
	T2STMDB_UPD
	TPUSH // reglist

	// VFP stores: vreg, base, #imm (words), or [base_wb,] base, vreglist.
	VSTRS
	VSTRD
	VSTMSIA
	VSTMSIA_UPD
	VSTMSDB_UPD
	VSTMDIA
	VSTMDIA_UPD
	VSTMDDB_UPD

	// Unprivileged stores: src, base, #imm8.
	T2STRT
	T2STRHT
	T2STRBT

	// Exclusive store: status, src, base, #imm.
	T2STREX

	// Loads: dst, base, #imm | dst, base, rm [, #lsl].
	TLDRi
	TLDRspi
	TLDRr
	T2LDRi12
	T2LDRi8
	T2LDRHi12
	T2LDRBi12
	T2LDRs
	VLDRS
	VLDRD

	// Multiple loads: reglist | base_wb, base, reglist.
	TPOP
	TPOP_RET
	T2LDMIA_UPD
	T2LDMIA_RET

	// Narrow data processing.
	TMOVr   // rd, rm
	TMOVSr  // rd, rm
	TMOVi8  // rd, #imm
	TADDi3  // rd, rn, #imm
	TADDi8  // rd, rn, #imm
	TSUBi3  // rd, rn, #imm
	TSUBi8  // rd, rn, #imm
	TADDrr  // rd, rn, rm
	TSUBrr  // rd, rn, rm
	TANDrr  // rd, rn, rm
	TLSLri  // rd, rm, #imm
	TLSRri  // rd, rm, #imm
	TADDspi // sp, sp, #imm (words)
	TSUBspi // sp, sp, #imm (words)
	TADDrSPi
	TCMPi8 // rn, #imm
	TCMPr  // rn, rm

	// Wide data processing, flags untouched.
	T2ADDri   // rd, rn, #modimm
	T2ADDri12 // rd, rn, #imm12
	T2SUBri   // rd, rn, #modimm
	T2SUBri12 // rd, rn, #imm12
	T2ADDrr   // rd, rn, rm
	T2SUBrr   // rd, rn, rm
	T2ADDrs   // rd, rn, rm, #lsl
	T2SUBrs   // rd, rn, rm, #lsl
	T2RSBri   // rd, rn, #modimm
	T2ANDrr   // rd, rn, rm
	T2ORRrr   // rd, rn, rm
	T2ANDri   // rd, rn, #modimm
	T2ORRri   // rd, rn, #modimm
	T2BICri   // rd, rn, #modimm
	T2BFC     // rd, #lsb, #width
	T2CLZ     // rd, rm
	T2LSLri   // rd, rm, #imm
	T2LSRri   // rd, rm, #imm
	T2MOVi    // rd, #modimm
	T2MOVi16  // rd, #imm16
	T2MOVTi16 // rd, #imm16
	T2MOVr    // rd, rm
	T2CMPri   // rn, #modimm
	T2CMPrr   // rn, rm

	// System and VFP transfers.
	T2MSR_M // #sysm, rn
	T2MRS_M // rd, #sysm
	VMOVRS  // rd, sn
	VMOVSR  // sn, rn
	VMOVRRD // rd, rd2, dn
	TSVC    // #imm

	// Branches and calls.
	TB          // %bb
	TBcc        // %bb
	T2B         // %bb
	T2Bcc       // %bb
	TBL         // $sym
	TBLXi       // $sym
	TBLXr       // rm
	TBLXNSr     // rm
	TBX_CALL    // rm
	TBX         // rm
	TBXNS       // rm
	TBRIND      // rm
	TBX_RET     //
	TTAILJMPr   // rm
	TTAILJMPd   // $sym
	TTAILJMPdND // $sym

	// Jump-table branches.
	TBR_JTr  // rm, $jt
	TTBB_JT  // rn, rm, $jt
	TTBH_JT  // rn, rm, $jt
	T2BR_JT  // rm, rindex, $jt
	T2TBB_JT // rn, rm, $jt
	T2TBH_JT // rn, rm, $jt

	// Predication.
	T2IT // cond, #mask

	// Debug pseudo-instructions; never emitted, never counted.
	DBG_VALUE

	numOpcodes
)

// Flag describes static properties of an opcode.
type Flag uint32

const (
	MayStore Flag = 1 << iota
	MayLoad
	IsCall
	IsBranch
	IsReturn
	IsTerminator
	IsIndirect
	IsJumpTable
	SetsFlags
	SetsFlagsOutsideIT // narrow ALU: sets flags only when not predicated
	OwnCond            // carries its own condition outside an IT block
	IsDebug
)

// Info is the static description of an opcode.
type Info struct {
	Name string
	Size int
	Flag Flag
	// Defs leading explicit register operands are definitions.
	Defs int
	// Tied marks the first def as also read (bfc, movt).
	Tied bool
	// List is the index of the first register-list operand, or -1.
	List int
	// ListDefs marks the register list as definitions (pop, ldm).
	ListDefs bool
	ImpDefs  RegSet
	ImpUses  RegSet
}

var (
	spSet     = MakeRegSet(SP)
	callUses  = argRegs.Add(SP)
	retUses   = retRegs.Add(SP)
	noList    = -1
	narrowALU = SetsFlagsOutsideIT
)

var opInfo = [numOpcodes]Info{
	INVALID: {Name: "INVALID", List: noList},

	TSTRi:   {Name: "tSTRi", Size: 2, Flag: MayStore, List: noList},
	TSTRHi:  {Name: "tSTRHi", Size: 2, Flag: MayStore, List: noList},
	TSTRBi:  {Name: "tSTRBi", Size: 2, Flag: MayStore, List: noList},
	TSTRspi: {Name: "tSTRspi", Size: 2, Flag: MayStore, List: noList},
	TSTRr:   {Name: "tSTRr", Size: 2, Flag: MayStore, List: noList},
	TSTRHr:  {Name: "tSTRHr", Size: 2, Flag: MayStore, List: noList},
	TSTRBr:  {Name: "tSTRBr", Size: 2, Flag: MayStore, List: noList},

	T2STRi12:  {Name: "t2STRi12", Size: 4, Flag: MayStore, List: noList},
	T2STRHi12: {Name: "t2STRHi12", Size: 4, Flag: MayStore, List: noList},
	T2STRBi12: {Name: "t2STRBi12", Size: 4, Flag: MayStore, List: noList},
	T2STRi8:   {Name: "t2STRi8", Size: 4, Flag: MayStore, List: noList},
	T2STRHi8:  {Name: "t2STRHi8", Size: 4, Flag: MayStore, List: noList},
	T2STRBi8:  {Name: "t2STRBi8", Size: 4, Flag: MayStore, List: noList},

	T2STR_PRE:   {Name: "t2STR_PRE", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STRH_PRE:  {Name: "t2STRH_PRE", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STRB_PRE:  {Name: "t2STRB_PRE", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STR_POST:  {Name: "t2STR_POST", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STRH_POST: {Name: "t2STRH_POST", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STRB_POST: {Name: "t2STRB_POST", Size: 4, Flag: MayStore, Defs: 1, List: noList},

	T2STRs:  {Name: "t2STRs", Size: 4, Flag: MayStore, List: noList},
	T2STRHs: {Name: "t2STRHs", Size: 4, Flag: MayStore, List: noList},
	T2STRBs: {Name: "t2STRBs", Size: 4, Flag: MayStore, List: noList},

	T2STRDi8:    {Name: "t2STRDi8", Size: 4, Flag: MayStore, List: noList},
	T2STRD_PRE:  {Name: "t2STRD_PRE", Size: 4, Flag: MayStore, Defs: 1, List: noList},
	T2STRD_POST: {Name: "t2STRD_POST", Size: 4, Flag: MayStore, Defs: 1, List: noList},

	TSTMIA_UPD:  {Name: "tSTMIA_UPD", Size: 2, Flag: MayStore, Defs: 1, List: 2},
	T2STMIA:     {Name: "t2STMIA", Size: 4, Flag: MayStore, List: 1},
	T2STMIA_UPD: {Name: "t2STMIA_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},
	T2STMDB:     {Name: "t2STMDB", Size: 4, Flag: MayStore, List: 1},
	T2STMDB_UPD: {Name: "t2STMDB_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},
	TPUSH:       {Name: "tPUSH", Size: 2, Flag: MayStore, List: 0, ImpDefs: spSet, ImpUses: spSet},

	VSTRS:       {Name: "VSTRS", Size: 4, Flag: MayStore, List: noList},
	VSTRD:       {Name: "VSTRD", Size: 4, Flag: MayStore, List: noList},
	VSTMSIA:     {Name: "VSTMSIA", Size: 4, Flag: MayStore, List: 1},
	VSTMSIA_UPD: {Name: "VSTMSIA_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},
	VSTMSDB_UPD: {Name: "VSTMSDB_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},
	VSTMDIA:     {Name: "VSTMDIA", Size: 4, Flag: MayStore, List: 1},
	VSTMDIA_UPD: {Name: "VSTMDIA_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},
	VSTMDDB_UPD: {Name: "VSTMDDB_UPD", Size: 4, Flag: MayStore, Defs: 1, List: 2},

	T2STRT:  {Name: "t2STRT", Size: 4, Flag: MayStore, List: noList},
	T2STRHT: {Name: "t2STRHT", Size: 4, Flag: MayStore, List: noList},
	T2STRBT: {Name: "t2STRBT", Size: 4, Flag: MayStore, List: noList},
	T2STREX: {Name: "t2STREX", Size: 4, Flag: MayStore | MayLoad, Defs: 1, List: noList},

	TLDRi:     {Name: "tLDRi", Size: 2, Flag: MayLoad, Defs: 1, List: noList},
	TLDRspi:   {Name: "tLDRspi", Size: 2, Flag: MayLoad, Defs: 1, List: noList},
	TLDRr:     {Name: "tLDRr", Size: 2, Flag: MayLoad, Defs: 1, List: noList},
	T2LDRi12:  {Name: "t2LDRi12", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	T2LDRi8:   {Name: "t2LDRi8", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	T2LDRHi12: {Name: "t2LDRHi12", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	T2LDRBi12: {Name: "t2LDRBi12", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	T2LDRs:    {Name: "t2LDRs", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	VLDRS:     {Name: "VLDRS", Size: 4, Flag: MayLoad, Defs: 1, List: noList},
	VLDRD:     {Name: "VLDRD", Size: 4, Flag: MayLoad, Defs: 1, List: noList},

	TPOP:        {Name: "tPOP", Size: 2, Flag: MayLoad, List: 0, ListDefs: true, ImpDefs: spSet, ImpUses: spSet},
	TPOP_RET:    {Name: "tPOP_RET", Size: 2, Flag: MayLoad | IsReturn | IsTerminator, List: 0, ListDefs: true, ImpDefs: spSet, ImpUses: retUses},
	T2LDMIA_UPD: {Name: "t2LDMIA_UPD", Size: 4, Flag: MayLoad, Defs: 1, List: 2, ListDefs: true},
	T2LDMIA_RET: {Name: "t2LDMIA_RET", Size: 4, Flag: MayLoad | IsReturn | IsTerminator, Defs: 1, List: 2, ListDefs: true, ImpUses: retRegs},

	TMOVr:    {Name: "tMOVr", Size: 2, Defs: 1, List: noList},
	TMOVSr:   {Name: "tMOVSr", Size: 2, Flag: SetsFlags, Defs: 1, List: noList},
	TMOVi8:   {Name: "tMOVi8", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TADDi3:   {Name: "tADDi3", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TADDi8:   {Name: "tADDi8", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TSUBi3:   {Name: "tSUBi3", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TSUBi8:   {Name: "tSUBi8", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TADDrr:   {Name: "tADDrr", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TSUBrr:   {Name: "tSUBrr", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TANDrr:   {Name: "tANDrr", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TLSLri:   {Name: "tLSLri", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TLSRri:   {Name: "tLSRri", Size: 2, Flag: narrowALU, Defs: 1, List: noList},
	TADDspi:  {Name: "tADDspi", Size: 2, Defs: 1, List: noList},
	TSUBspi:  {Name: "tSUBspi", Size: 2, Defs: 1, List: noList},
	TADDrSPi: {Name: "tADDrSPi", Size: 2, Defs: 1, List: noList},
	TCMPi8:   {Name: "tCMPi8", Size: 2, Flag: SetsFlags, List: noList},
	TCMPr:    {Name: "tCMPr", Size: 2, Flag: SetsFlags, List: noList},

	T2ADDri:   {Name: "t2ADDri", Size: 4, Defs: 1, List: noList},
	T2ADDri12: {Name: "t2ADDri12", Size: 4, Defs: 1, List: noList},
	T2SUBri:   {Name: "t2SUBri", Size: 4, Defs: 1, List: noList},
	T2SUBri12: {Name: "t2SUBri12", Size: 4, Defs: 1, List: noList},
	T2ADDrr:   {Name: "t2ADDrr", Size: 4, Defs: 1, List: noList},
	T2SUBrr:   {Name: "t2SUBrr", Size: 4, Defs: 1, List: noList},
	T2ADDrs:   {Name: "t2ADDrs", Size: 4, Defs: 1, List: noList},
	T2SUBrs:   {Name: "t2SUBrs", Size: 4, Defs: 1, List: noList},
	T2RSBri:   {Name: "t2RSBri", Size: 4, Defs: 1, List: noList},
	T2ANDrr:   {Name: "t2ANDrr", Size: 4, Defs: 1, List: noList},
	T2ORRrr:   {Name: "t2ORRrr", Size: 4, Defs: 1, List: noList},
	T2ANDri:   {Name: "t2ANDri", Size: 4, Defs: 1, List: noList},
	T2ORRri:   {Name: "t2ORRri", Size: 4, Defs: 1, List: noList},
	T2BICri:   {Name: "t2BICri", Size: 4, Defs: 1, List: noList},
	T2BFC:     {Name: "t2BFC", Size: 4, Defs: 1, Tied: true, List: noList},
	T2CLZ:     {Name: "t2CLZ", Size: 4, Defs: 1, List: noList},
	T2LSLri:   {Name: "t2LSLri", Size: 4, Defs: 1, List: noList},
	T2LSRri:   {Name: "t2LSRri", Size: 4, Defs: 1, List: noList},
	T2MOVi:    {Name: "t2MOVi", Size: 4, Defs: 1, List: noList},
	T2MOVi16:  {Name: "t2MOVi16", Size: 4, Defs: 1, List: noList},
	T2MOVTi16: {Name: "t2MOVTi16", Size: 4, Defs: 1, Tied: true, List: noList},
	T2MOVr:    {Name: "t2MOVr", Size: 4, Defs: 1, List: noList},
	T2CMPri:   {Name: "t2CMPri", Size: 4, Flag: SetsFlags, List: noList},
	T2CMPrr:   {Name: "t2CMPrr", Size: 4, Flag: SetsFlags, List: noList},

	T2MSR_M: {Name: "t2MSR_M", Size: 4, List: noList},
	T2MRS_M: {Name: "t2MRS_M", Size: 4, Defs: 1, List: noList},
	VMOVRS:  {Name: "VMOVRS", Size: 4, Defs: 1, List: noList},
	VMOVSR:  {Name: "VMOVSR", Size: 4, Defs: 1, List: noList},
	VMOVRRD: {Name: "VMOVRRD", Size: 4, Defs: 2, List: noList},
	TSVC:    {Name: "tSVC", Size: 2, Flag: IsCall, List: noList, ImpUses: callUses},

	TB:          {Name: "tB", Size: 2, Flag: IsBranch | IsTerminator, List: noList},
	TBcc:        {Name: "tBcc", Size: 2, Flag: IsBranch | IsTerminator | OwnCond, List: noList},
	T2B:         {Name: "t2B", Size: 4, Flag: IsBranch | IsTerminator, List: noList},
	T2Bcc:       {Name: "t2Bcc", Size: 4, Flag: IsBranch | IsTerminator | OwnCond, List: noList},
	TBL:         {Name: "tBL", Size: 4, Flag: IsCall, List: noList, ImpDefs: CallClobbered, ImpUses: callUses},
	TBLXi:       {Name: "tBLXi", Size: 4, Flag: IsCall, List: noList, ImpDefs: CallClobbered, ImpUses: callUses},
	TBLXr:       {Name: "tBLXr", Size: 2, Flag: IsCall | IsIndirect, List: noList, ImpDefs: CallClobbered, ImpUses: callUses},
	TBLXNSr:     {Name: "tBLXNSr", Size: 2, Flag: IsCall | IsIndirect, List: noList, ImpDefs: CallClobbered, ImpUses: callUses},
	TBX_CALL:    {Name: "tBX_CALL", Size: 2, Flag: IsCall | IsIndirect, List: noList, ImpDefs: CallClobbered, ImpUses: callUses},
	TBX:         {Name: "tBX", Size: 2, Flag: IsBranch | IsTerminator | IsIndirect, List: noList},
	TBXNS:       {Name: "tBXNS", Size: 2, Flag: IsBranch | IsTerminator | IsIndirect, List: noList},
	TBRIND:      {Name: "tBRIND", Size: 2, Flag: IsBranch | IsTerminator | IsIndirect, List: noList},
	TBX_RET:     {Name: "tBX_RET", Size: 2, Flag: IsReturn | IsTerminator, List: noList, ImpUses: retRegs.Add(LR)},
	TTAILJMPr:   {Name: "tTAILJMPr", Size: 2, Flag: IsCall | IsReturn | IsTerminator | IsIndirect, List: noList, ImpUses: callUses},
	TTAILJMPd:   {Name: "tTAILJMPd", Size: 4, Flag: IsCall | IsReturn | IsTerminator, List: noList, ImpUses: callUses},
	TTAILJMPdND: {Name: "tTAILJMPdND", Size: 4, Flag: IsCall | IsReturn | IsTerminator, List: noList, ImpUses: callUses},

	TBR_JTr:  {Name: "tBR_JTr", Size: 2, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},
	TTBB_JT:  {Name: "tTBB_JT", Size: 4, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},
	TTBH_JT:  {Name: "tTBH_JT", Size: 4, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},
	T2BR_JT:  {Name: "t2BR_JT", Size: 2, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},
	T2TBB_JT: {Name: "t2TBB_JT", Size: 4, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},
	T2TBH_JT: {Name: "t2TBH_JT", Size: 4, Flag: IsBranch | IsTerminator | IsIndirect | IsJumpTable, List: noList},

	T2IT: {Name: "t2IT", Size: 2, List: noList},

	DBG_VALUE: {Name: "DBG_VALUE", Flag: IsDebug, List: noList},
}

var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(1); op < numOpcodes; op++ {
		m[opInfo[op].Name] = op
	}
	return m
}()

// Info returns the static description of op.
func (op Opcode) Info() *Info {
	if op >= numOpcodes {
		return &opInfo[INVALID]
	}
	return &opInfo[op]
}

func (op Opcode) String() string { return op.Info().Name }

func (op Opcode) Has(f Flag) bool { return op.Info().Flag&f != 0 }

// LookupOpcode resolves an LLVM-style opcode name.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// Opcodes lists every valid opcode.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, numOpcodes-1)
	for op := Opcode(1); op < numOpcodes; op++ {
		out = append(out, op)
	}
	return out
}
