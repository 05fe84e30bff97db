package telemetry

// Stat files written under the stat directory. Size files hold one
// "fn:old:new" line per rewritten function.
const (
	CodeSizeCFI   = "code_size_cfi.stat"
	CodeSizeSFI   = "code_size_sfi.stat"
	CodeSizeSTRT  = "code_size_strt.stat"
	CodeSizeSS    = "code_size_ss.stat"
	JumpTableJump = "jump_table_jump.stat" // one function name per unguarded jump-table branch
	Gaps          = "gaps.stat"            // fn:opcode:reason
)

// SizeFiles lists the code-size files in report order.
var SizeFiles = []string{CodeSizeCFI, CodeSizeSFI, CodeSizeSTRT, CodeSizeSS}

// Gap reasons.
const (
	GapJumpTable     = "jump-table"
	GapUnknownOpcode = "unknown-opcode"
	GapSTRDWriteback = "strd-writeback"
	GapSPNoScratch   = "sp-no-scratch" // a store below sp with no dead register to address it
)
