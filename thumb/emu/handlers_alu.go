package emu

import (
	"math/bits"

	"github.com/colorfulnotion/silhouette/thumb"
)

func init() {
	register(execMov, thumb.TMOVr, thumb.TMOVSr, thumb.T2MOVr)
	register(execMovImm, thumb.TMOVi8, thumb.T2MOVi, thumb.T2MOVi16)
	register(execMovt, thumb.T2MOVTi16)

	register(arith(false, immOperand), thumb.TADDi3, thumb.TADDi8, thumb.T2ADDri, thumb.T2ADDri12)
	register(arith(true, immOperand), thumb.TSUBi3, thumb.TSUBi8, thumb.T2SUBri, thumb.T2SUBri12)
	register(arith(false, regOperand), thumb.TADDrr, thumb.T2ADDrr, thumb.T2ADDrs)
	register(arith(true, regOperand), thumb.TSUBrr, thumb.T2SUBrr, thumb.T2SUBrs)
	register(execRSB, thumb.T2RSBri)
	register(execSPAdjust, thumb.TADDspi, thumb.TSUBspi)
	register(execAddrSP, thumb.TADDrSPi)
	register(logic(func(a, b uint32) uint32 { return a & b }, regOperand), thumb.TANDrr, thumb.T2ANDrr)
	register(logic(func(a, b uint32) uint32 { return a & b }, immOperand), thumb.T2ANDri)
	register(logic(func(a, b uint32) uint32 { return a | b }, regOperand), thumb.T2ORRrr)
	register(logic(func(a, b uint32) uint32 { return a | b }, immOperand), thumb.T2ORRri)
	register(logic(func(a, b uint32) uint32 { return a &^ b }, immOperand), thumb.T2BICri)
	register(execShift, thumb.TLSLri, thumb.TLSRri, thumb.T2LSLri, thumb.T2LSRri)
	register(execBFC, thumb.T2BFC)
	register(execCLZ, thumb.T2CLZ)
	register(execCmp(immOperand), thumb.TCMPi8, thumb.T2CMPri)
	register(execCmp(regOperand), thumb.TCMPr, thumb.T2CMPrr)

	register(execMSR, thumb.T2MSR_M)
	register(execMRS, thumb.T2MRS_M)
	register(execVMov, thumb.VMOVRS, thumb.VMOVSR)
	register(execVMovRRD, thumb.VMOVRRD)
}

type operandFn func(m *Machine, mi *thumb.Instr, i int) uint32

func immOperand(m *Machine, mi *thumb.Instr, i int) uint32 { return uint32(mi.Imm(i)) }

// regOperand reads rm at i, shifted by an optional #lsl at i+1.
func regOperand(m *Machine, mi *thumb.Instr, i int) uint32 {
	return m.Reg(mi.Reg(i)) << shiftOperand(mi, i+1)
}

func setsFlags(mi *thumb.Instr) bool {
	info := mi.Info()
	return info.Flag&thumb.SetsFlags != 0 || info.Flag&thumb.SetsFlagsOutsideIT != 0 && !mi.Predicated()
}

func (m *Machine) setNZ(v uint32) {
	m.N = int32(v) < 0
	m.Z = v == 0
}

func (m *Machine) addWithCarry(a, b, carry uint32, flags bool) uint32 {
	sum, c1 := bits.Add32(a, b, carry)
	if flags {
		m.setNZ(sum)
		m.C = c1 != 0
		m.V = (^(a ^ b))&(a^sum)&0x80000000 != 0
	}
	return sum
}

func execMov(m *Machine, mi *thumb.Instr) error {
	v := m.Reg(mi.Reg(1))
	if setsFlags(mi) {
		m.setNZ(v)
	}
	m.SetReg(mi.Reg(0), v)
	return nil
}

func execMovImm(m *Machine, mi *thumb.Instr) error {
	v := uint32(mi.Imm(1))
	if setsFlags(mi) {
		m.setNZ(v)
	}
	m.SetReg(mi.Reg(0), v)
	return nil
}

func execMovt(m *Machine, mi *thumb.Instr) error {
	rd := mi.Reg(0)
	m.SetReg(rd, m.Reg(rd)&0xffff|uint32(mi.Imm(1))<<16)
	return nil
}

// rd, rn, op2
func arith(sub bool, op2 operandFn) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		a, b := m.Reg(mi.Reg(1)), op2(m, mi, 2)
		var r uint32
		if sub {
			r = m.addWithCarry(a, ^b, 1, setsFlags(mi))
		} else {
			r = m.addWithCarry(a, b, 0, setsFlags(mi))
		}
		m.SetReg(mi.Reg(0), r)
		return nil
	}
}

func execRSB(m *Machine, mi *thumb.Instr) error {
	m.SetReg(mi.Reg(0), uint32(mi.Imm(2))-m.Reg(mi.Reg(1)))
	return nil
}

// sp, sp, #words
func execSPAdjust(m *Machine, mi *thumb.Instr) error {
	d := uint32(mi.Imm(2) * 4)
	if mi.Op == thumb.TSUBspi {
		m.R[13] -= d
	} else {
		m.R[13] += d
	}
	return nil
}

func execAddrSP(m *Machine, mi *thumb.Instr) error {
	m.SetReg(mi.Reg(0), m.R[13]+uint32(mi.Imm(2)*4))
	return nil
}

func logic(f func(a, b uint32) uint32, op2 operandFn) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		r := f(m.Reg(mi.Reg(1)), op2(m, mi, 2))
		if setsFlags(mi) {
			m.setNZ(r)
		}
		m.SetReg(mi.Reg(0), r)
		return nil
	}
}

func execShift(m *Machine, mi *thumb.Instr) error {
	v, n := m.Reg(mi.Reg(1)), uint32(mi.Imm(2))
	var r uint32
	left := mi.Op == thumb.TLSLri || mi.Op == thumb.T2LSLri
	if left {
		r = v << n
	} else {
		r = v >> n
	}
	if setsFlags(mi) {
		m.setNZ(r)
		if n > 0 && n <= 32 {
			if left {
				m.C = v>>(32-n)&1 != 0
			} else {
				m.C = v>>(n-1)&1 != 0
			}
		}
	}
	m.SetReg(mi.Reg(0), r)
	return nil
}

// rd, #lsb, #width
func execBFC(m *Machine, mi *thumb.Instr) error {
	lsb, width := uint32(mi.Imm(1)), uint32(mi.Imm(2))
	var mask uint32 = 0xffffffff
	if width < 32 {
		mask = (1<<width - 1) << lsb
	}
	rd := mi.Reg(0)
	m.SetReg(rd, m.Reg(rd)&^mask)
	return nil
}

func execCLZ(m *Machine, mi *thumb.Instr) error {
	m.SetReg(mi.Reg(0), uint32(bits.LeadingZeros32(m.Reg(mi.Reg(1)))))
	return nil
}

func execCmp(op2 operandFn) handler {
	return func(m *Machine, mi *thumb.Instr) error {
		m.addWithCarry(m.Reg(mi.Reg(0)), ^op2(m, mi, 1), 1, true)
		return nil
	}
}

func execMSR(m *Machine, mi *thumb.Instr) error {
	m.SysWrites = append(m.SysWrites, SysWrite{SYSm: mi.Imm(0), Value: m.Reg(mi.Reg(1))})
	return nil
}

func execMRS(m *Machine, mi *thumb.Instr) error {
	m.SetReg(mi.Reg(0), 0)
	return nil
}

func execVMov(m *Machine, mi *thumb.Instr) error {
	m.SetReg(mi.Reg(0), m.Reg(mi.Reg(1)))
	return nil
}

func execVMovRRD(m *Machine, mi *thumb.Instr) error {
	lo, hi := m.D(mi.Reg(2))
	m.SetReg(mi.Reg(0), lo)
	m.SetReg(mi.Reg(1), hi)
	return nil
}
