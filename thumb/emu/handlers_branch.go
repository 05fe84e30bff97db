package emu

import (
	"github.com/colorfulnotion/silhouette/thumb"
)

func init() {
	register(execDirect, thumb.TB, thumb.TBcc, thumb.T2B, thumb.T2Bcc)
	register(execCall, thumb.TBL, thumb.TBLXi, thumb.TBLXr, thumb.TBLXNSr, thumb.TBX_CALL, thumb.TSVC)
	register(execIndirect, thumb.TBX, thumb.TBXNS, thumb.TBRIND, thumb.TTAILJMPr)
	register(execRet, thumb.TBX_RET)
	register(execTailDirect, thumb.TTAILJMPd, thumb.TTAILJMPdND)
	register(execJumpTable, thumb.TBR_JTr, thumb.TTBB_JT, thumb.TTBH_JT, thumb.T2BR_JT, thumb.T2TBB_JT, thumb.T2TBH_JT)
}

// execDirect follows a branch to a block of the running function. A branch
// to an unknown block leaves the function.
func execDirect(m *Machine, mi *thumb.Instr) error {
	name := mi.Operands[0].Name
	if b := m.fn.Block(name); b != nil {
		m.jump = b
		return nil
	}
	m.leave(mi, 0, name)
	return nil
}

func execCall(m *Machine, mi *thumb.Instr) error {
	t := Transfer{Op: mi.Op}
	switch o := mi.Operands[0]; o.Kind {
	case thumb.KindSym:
		t.Sym = o.Name
	case thumb.KindReg:
		t.Target = m.Reg(o.Reg)
	case thumb.KindImm:
		t.Target = uint32(o.Imm)
	}
	m.Calls = append(m.Calls, t)
	if mi.Op == thumb.TSVC {
		return nil
	}
	if !m.StepOverCalls {
		m.Transfer = &t
		m.halted = true
		return nil
	}
	m.R[14] = ReturnMarker
	return nil
}

func execIndirect(m *Machine, mi *thumb.Instr) error {
	m.leave(mi, m.Reg(mi.Reg(0)), "")
	return nil
}

func execRet(m *Machine, mi *thumb.Instr) error {
	m.leave(mi, m.R[14], "")
	return nil
}

func execTailDirect(m *Machine, mi *thumb.Instr) error {
	m.leave(mi, 0, mi.Operands[0].Name)
	return nil
}

// Jump tables are not modelled; the run stops at the dispatch.
func execJumpTable(m *Machine, mi *thumb.Instr) error {
	m.leave(mi, m.Reg(mi.Reg(0)), "")
	return nil
}
