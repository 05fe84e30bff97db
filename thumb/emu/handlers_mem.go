package emu

import (
	"fmt"

	"github.com/colorfulnotion/silhouette/thumb"
)

type handler func(m *Machine, mi *thumb.Instr) error

var handlers = map[thumb.Opcode]handler{}

func register(h handler, ops ...thumb.Opcode) {
	for _, op := range ops {
		handlers[op] = h
	}
}

func init() {
	register(execIT, thumb.T2IT)

	// src, base, #imm scaled
	register(storeImm(4, 4), thumb.TSTRi, thumb.TSTRspi)
	register(storeImm(2, 2), thumb.TSTRHi)
	register(storeImm(1, 1), thumb.TSTRBi)
	register(storeImm(4, 1), thumb.T2STRi12, thumb.T2STRi8, thumb.T2STRT)
	register(storeImm(2, 1), thumb.T2STRHi12, thumb.T2STRHi8, thumb.T2STRHT)
	register(storeImm(1, 1), thumb.T2STRBi12, thumb.T2STRBi8, thumb.T2STRBT)

	register(storeReg(4), thumb.TSTRr, thumb.T2STRs)
	register(storeReg(2), thumb.TSTRHr, thumb.T2STRHs)
	register(storeReg(1), thumb.TSTRBr, thumb.T2STRBs)

	register(storeIndexed(4, true), thumb.T2STR_PRE)
	register(storeIndexed(2, true), thumb.T2STRH_PRE)
	register(storeIndexed(1, true), thumb.T2STRB_PRE)
	register(storeIndexed(4, false), thumb.T2STR_POST)
	register(storeIndexed(2, false), thumb.T2STRH_POST)
	register(storeIndexed(1, false), thumb.T2STRB_POST)

	register(execSTRD, thumb.T2STRDi8, thumb.T2STRD_PRE, thumb.T2STRD_POST)
	register(execSTM, thumb.TSTMIA_UPD, thumb.T2STMIA, thumb.T2STMIA_UPD, thumb.T2STMDB, thumb.T2STMDB_UPD, thumb.TPUSH)
	register(execVSTR, thumb.VSTRS, thumb.VSTRD)
	register(execVSTM, thumb.VSTMSIA, thumb.VSTMSIA_UPD, thumb.VSTMSDB_UPD, thumb.VSTMDIA, thumb.VSTMDIA_UPD, thumb.VSTMDDB_UPD)
	register(execSTREX, thumb.T2STREX)

	register(loadImm(4, 4), thumb.TLDRi, thumb.TLDRspi)
	register(loadImm(4, 1), thumb.T2LDRi12, thumb.T2LDRi8)
	register(loadImm(2, 1), thumb.T2LDRHi12)
	register(loadImm(1, 1), thumb.T2LDRBi12)
	register(loadReg, thumb.TLDRr, thumb.T2LDRs)
	register(execVLDR, thumb.VLDRS, thumb.VLDRD)
	register(execLDM, thumb.TPOP, thumb.TPOP_RET, thumb.T2LDMIA_UPD, thumb.T2LDMIA_RET)
}

func storeImm(size int, scale int64) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		addr := m.Reg(mi.Reg(1)) + uint32(mi.Imm(2)*scale)
		m.store(mi, addr, size, uint64(m.Reg(mi.Reg(0))))
		return nil
	}
}

// shiftOperand reads the optional #lsl at index i.
func shiftOperand(mi *thumb.Instr, i int) uint32 {
	if i < mi.NumExplicit() && mi.Operands[i].Kind == thumb.KindImm {
		return uint32(mi.Imm(i))
	}
	return 0
}

func storeReg(size int) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		addr := m.Reg(mi.Reg(1)) + m.Reg(mi.Reg(2))<<shiftOperand(mi, 3)
		m.store(mi, addr, size, uint64(m.Reg(mi.Reg(0))))
		return nil
	}
}

// base_wb, src, base, #imm
func storeIndexed(size int, pre bool) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		base := m.Reg(mi.Reg(2))
		next := base + uint32(mi.Imm(3))
		addr := base
		if pre {
			addr = next
		}
		m.store(mi, addr, size, uint64(m.Reg(mi.Reg(1))))
		m.SetReg(mi.Reg(0), next)
		return nil
	}
}

func execSTRD(m *Machine, mi *thumb.Instr) error {
	lead := 0
	if mi.Op != thumb.T2STRDi8 {
		lead = 1
	}
	src, src2, baseReg := mi.Reg(lead), mi.Reg(lead+1), mi.Reg(lead+2)
	base := m.Reg(baseReg)
	next := base + uint32(mi.Imm(lead+3))
	addr := next
	if mi.Op == thumb.T2STRD_POST {
		addr = base
	}
	m.store(mi, addr, 4, uint64(m.Reg(src)))
	m.store(mi, addr+4, 4, uint64(m.Reg(src2)))
	if lead == 1 {
		m.SetReg(mi.Reg(0), next)
	}
	return nil
}

// multiBase returns the base register, whether it is written back, and
// whether the block grows down.
func multiBase(mi *thumb.Instr) (thumb.Reg, bool, bool) {
	switch mi.Op {
	case thumb.TPUSH:
		return thumb.SP, true, true
	case thumb.TPOP, thumb.TPOP_RET:
		return thumb.SP, true, false
	case thumb.T2STMIA, thumb.VSTMSIA, thumb.VSTMDIA:
		return mi.Reg(0), false, false
	case thumb.T2STMDB:
		return mi.Reg(0), false, true
	case thumb.T2STMDB_UPD, thumb.VSTMSDB_UPD, thumb.VSTMDDB_UPD:
		return mi.Reg(1), true, true
	}
	return mi.Reg(1), true, false
}

func execSTM(m *Machine, mi *thumb.Instr) error {
	base, wb, down := multiBase(mi)
	list := mi.RegList()
	start := m.Reg(base)
	bytes := uint32(4 * len(list))
	if down {
		start -= bytes
	}
	// values are read before sp moves
	vals := make([]uint32, len(list))
	for i, r := range list {
		vals[i] = m.Reg(r)
	}
	if base == thumb.SP && down {
		m.R[13] = start
	}
	for i := range list {
		m.store(mi, start+uint32(4*i), 4, uint64(vals[i]))
	}
	if wb {
		if down {
			m.SetReg(base, start)
		} else {
			m.SetReg(base, start+bytes)
		}
	}
	return nil
}

func execVSTR(m *Machine, mi *thumb.Instr) error {
	addr := m.Reg(mi.Reg(1)) + uint32(mi.Imm(2)*4)
	if mi.Op == thumb.VSTRD {
		lo, hi := m.D(mi.Reg(0))
		m.store(mi, addr, 8, uint64(lo)|uint64(hi)<<32)
		return nil
	}
	m.store(mi, addr, 4, uint64(m.Reg(mi.Reg(0))))
	return nil
}

func execVSTM(m *Machine, mi *thumb.Instr) error {
	base, wb, down := multiBase(mi)
	list := mi.RegList()
	width := uint32(4)
	if mi.Op == thumb.VSTMDIA || mi.Op == thumb.VSTMDIA_UPD || mi.Op == thumb.VSTMDDB_UPD {
		width = 8
	}
	bytes := width * uint32(len(list))
	start := m.Reg(base)
	if down {
		start -= bytes
	}
	if base == thumb.SP && down {
		m.R[13] = start
	}
	for i, r := range list {
		addr := start + width*uint32(i)
		if width == 8 {
			lo, hi := m.D(r)
			m.store(mi, addr, 8, uint64(lo)|uint64(hi)<<32)
		} else {
			m.store(mi, addr, 4, uint64(m.Reg(r)))
		}
	}
	if wb {
		if down {
			m.SetReg(base, start)
		} else {
			m.SetReg(base, start+bytes)
		}
	}
	return nil
}

// status, src, base, #imm; the monitor always succeeds.
func execSTREX(m *Machine, mi *thumb.Instr) error {
	addr := m.Reg(mi.Reg(2)) + uint32(mi.Imm(3))
	m.store(mi, addr, 4, uint64(m.Reg(mi.Reg(1))))
	m.SetReg(mi.Reg(0), 0)
	return nil
}

func (m *Machine) writeLoaded(mi *thumb.Instr, rd thumb.Reg, v uint32) {
	if rd == thumb.PC {
		m.leave(mi, v, "")
		return
	}
	m.SetReg(rd, v)
}

func loadImm(size int, scale int64) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		addr := m.Reg(mi.Reg(1)) + uint32(mi.Imm(2)*scale)
		m.writeLoaded(mi, mi.Reg(0), m.Load(addr, size))
		return nil
	}
}

func loadReg(m *Machine, mi *thumb.Instr) error {
	addr := m.Reg(mi.Reg(1)) + m.Reg(mi.Reg(2))<<shiftOperand(mi, 3)
	m.writeLoaded(mi, mi.Reg(0), m.Load(addr, 4))
	return nil
}

func execVLDR(m *Machine, mi *thumb.Instr) error {
	addr := m.Reg(mi.Reg(1)) + uint32(mi.Imm(2)*4)
	if mi.Op == thumb.VLDRD {
		m.SetD(mi.Reg(0), m.Load(addr, 4), m.Load(addr+4, 4))
		return nil
	}
	m.SetReg(mi.Reg(0), m.Load(addr, 4))
	return nil
}

func execLDM(m *Machine, mi *thumb.Instr) error {
	base, _, _ := multiBase(mi)
	list := mi.RegList()
	if len(list) == 0 {
		return fmt.Errorf("empty register list")
	}
	addr := m.Reg(base)
	var pc *uint32
	for i, r := range list {
		v := m.Load(addr+uint32(4*i), 4)
		if r == thumb.PC {
			pc = &v
			continue
		}
		m.SetReg(r, v)
	}
	m.SetReg(base, addr+uint32(4*len(list)))
	if pc != nil {
		m.leave(mi, *pc, "")
	}
	return nil
}
