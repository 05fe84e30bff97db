package thumb

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"golang.org/x/arch/arm/armasm"
)

// Reg is an ARM register identifier. Core registers, VFP single and double
// registers and the flags pseudo-register share one numbering.
type Reg = armasm.Reg

const (
	R0  Reg = armasm.R0
	R1  Reg = armasm.R1
	R2  Reg = armasm.R2
	R3  Reg = armasm.R3
	R4  Reg = armasm.R4
	R5  Reg = armasm.R5
	R6  Reg = armasm.R6
	R7  Reg = armasm.R7
	R8  Reg = armasm.R8
	R9  Reg = armasm.R9
	R10 Reg = armasm.R10
	R11 Reg = armasm.R11
	R12 Reg = armasm.R12
	SP  Reg = armasm.SP
	LR  Reg = armasm.LR
	PC  Reg = armasm.PC

	// CPSR stands in for the condition flags in liveness sets.
	CPSR Reg = armasm.APSR
)

func IsGPR(r Reg) bool    { return r >= armasm.R0 && r <= armasm.R15 }
func IsLowReg(r Reg) bool { return r >= armasm.R0 && r <= armasm.R7 }
func IsSReg(r Reg) bool   { return r >= armasm.S0 && r <= armasm.S31 }
func IsDReg(r Reg) bool   { return r >= armasm.D0 && r <= armasm.D31 }

// SReg returns s<n>.
func SReg(n int) Reg { return armasm.S0 + Reg(n) }

// DReg returns d<n>.
func DReg(n int) Reg { return armasm.D0 + Reg(n) }

// GPRIndex returns 0..15 for r0..pc.
func GPRIndex(r Reg) int { return int(r - armasm.R0) }

// VFPIndex returns n for s<n> and d<n>.
func VFPIndex(r Reg) int {
	if IsDReg(r) {
		return int(r - armasm.D0)
	}
	return int(r - armasm.S0)
}

// RegName prints registers the way listings spell them.
func RegName(r Reg) string {
	switch {
	case r == SP:
		return "sp"
	case r == LR:
		return "lr"
	case r == PC:
		return "pc"
	case r == CPSR:
		return "cpsr"
	case IsGPR(r):
		return fmt.Sprintf("r%d", GPRIndex(r))
	case IsSReg(r):
		return fmt.Sprintf("s%d", VFPIndex(r))
	case IsDReg(r):
		return fmt.Sprintf("d%d", VFPIndex(r))
	}
	return strings.ToLower(r.String())
}

// ParseReg accepts r0-r15, sp, lr, pc, ip, fp, s0-s31, d0-d31 and cpsr.
func ParseReg(s string) (Reg, bool) {
	s = strings.ToLower(s)
	switch s {
	case "sp":
		return SP, true
	case "lr":
		return LR, true
	case "pc":
		return PC, true
	case "ip":
		return R12, true
	case "fp":
		return R11, true
	case "cpsr", "apsr":
		return CPSR, true
	}
	if len(s) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || strconv.Itoa(n) != s[1:] {
		return 0, false
	}
	switch s[0] {
	case 'r':
		if n <= 15 {
			return armasm.R0 + Reg(n), true
		}
	case 's':
		if n <= 31 {
			return SReg(n), true
		}
	case 'd':
		if n <= 31 {
			return DReg(n), true
		}
	}
	return 0, false
}

// RegSet tracks core registers in bits 0-15 and the flags in bit 16.
// VFP registers are not tracked.
type RegSet uint32

const cpsrBit = 16

func bitOf(r Reg) (uint, bool) {
	switch {
	case IsGPR(r):
		return uint(GPRIndex(r)), true
	case r == CPSR:
		return cpsrBit, true
	}
	return 0, false
}

func MakeRegSet(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

func (s RegSet) Add(r Reg) RegSet {
	if b, ok := bitOf(r); ok {
		return s | 1<<b
	}
	return s
}

func (s RegSet) Remove(r Reg) RegSet {
	if b, ok := bitOf(r); ok {
		return s &^ (1 << b)
	}
	return s
}

func (s RegSet) Has(r Reg) bool {
	b, ok := bitOf(r)
	return ok && s&(1<<b) != 0
}

func (s RegSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Regs lists members in numbering order, flags last.
func (s RegSet) Regs() []Reg {
	var out []Reg
	for i := 0; i < 16; i++ {
		if s&(1<<i) != 0 {
			out = append(out, armasm.R0+Reg(i))
		}
	}
	if s&(1<<cpsrBit) != 0 {
		out = append(out, CPSR)
	}
	return out
}

func (s RegSet) String() string {
	names := make([]string, 0, s.Len())
	for _, r := range s.Regs() {
		names = append(names, RegName(r))
	}
	return "{" + strings.Join(names, ",") + "}"
}

var (
	// CalleeSaved is r4-r11 under AAPCS.
	CalleeSaved = MakeRegSet(R4, R5, R6, R7, R8, R9, R10, R11)
	// CallClobbered is what a call may overwrite.
	CallClobbered = MakeRegSet(R0, R1, R2, R3, R12, LR, CPSR)
	// ReturnValues may carry a result out of any return.
	ReturnValues = MakeRegSet(R0, R1)
	argRegs      = MakeRegSet(R0, R1, R2, R3)
	retRegs      = ReturnValues
)
