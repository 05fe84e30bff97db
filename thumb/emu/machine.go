// Package emu is a small reference interpreter for the instruction model.
// It runs a function from a block, honours IT predication, records every
// memory write and stops at the first transfer that leaves the function.
package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
)

const DefaultMaxSteps = 100000

// ReturnMarker is the value a stepped-over call leaves in lr's place.
const ReturnMarker = 0xfffffff1

// Write is one store as the memory system sees it.
type Write struct {
	Addr         uint32
	Size         int
	Value        uint64
	Unprivileged bool
	// SP is the stack pointer at the time of the store.
	SP uint32
}

// Transfer is a control transfer to outside the function: a return, an
// indirect branch, a tail call, or a call when calls are not stepped over.
type Transfer struct {
	Op     thumb.Opcode
	Target uint32
	Sym    string
}

func (t *Transfer) String() string {
	if t.Sym != "" {
		return fmt.Sprintf("%s $%s", t.Op, t.Sym)
	}
	return fmt.Sprintf("%s %#x", t.Op, t.Target)
}

type SysWrite struct {
	SYSm  int64
	Value uint32
}

// Machine holds the architectural state.
type Machine struct {
	R          [16]uint32
	S          [32]uint32
	N, Z, C, V bool
	Mem        map[uint32]byte

	Writes    []Write
	SysWrites []SysWrite
	Calls     []Transfer
	Transfer  *Transfer
	// Violations lists stores that landed below sp.
	Violations []string
	MaxSP      uint32
	MinSP      uint32
	Steps      int

	// StepOverCalls continues after a call instead of stopping there.
	StepOverCalls bool
	MaxSteps      int

	fn     *thumb.Function
	itq    []thumb.Cond
	jump   *thumb.Block
	halted bool
}

func New() *Machine {
	return &Machine{Mem: make(map[uint32]byte), MaxSteps: DefaultMaxSteps}
}

// Clone copies registers, flags and memory; the trace is not copied.
func (m *Machine) Clone() *Machine {
	c := New()
	c.R, c.S = m.R, m.S
	c.N, c.Z, c.C, c.V = m.N, m.Z, m.C, m.V
	for a, v := range m.Mem {
		c.Mem[a] = v
	}
	c.StepOverCalls = m.StepOverCalls
	c.MaxSteps = m.MaxSteps
	return c
}

func (m *Machine) Reg(r thumb.Reg) uint32 {
	if thumb.IsSReg(r) {
		return m.S[thumb.VFPIndex(r)]
	}
	return m.R[thumb.GPRIndex(r)]
}

func (m *Machine) SetReg(r thumb.Reg, v uint32) {
	if thumb.IsSReg(r) {
		m.S[thumb.VFPIndex(r)] = v
		return
	}
	m.R[thumb.GPRIndex(r)] = v
}

// D returns double register d<n> as two single halves, low word first.
func (m *Machine) D(r thumb.Reg) (uint32, uint32) {
	n := thumb.VFPIndex(r)
	return m.S[2*n], m.S[2*n+1]
}

func (m *Machine) SetD(r thumb.Reg, lo, hi uint32) {
	n := thumb.VFPIndex(r)
	m.S[2*n], m.S[2*n+1] = lo, hi
}

func (m *Machine) Load(addr uint32, size int) uint32 {
	var buf [4]byte
	for i := 0; i < size; i++ {
		buf[i] = m.Mem[addr+uint32(i)]
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Poke seeds memory without recording a write.
func (m *Machine) Poke(addr uint32, size int, v uint32) {
	for i := 0; i < size; i++ {
		m.Mem[addr+uint32(i)] = byte(v >> (8 * i))
	}
}

func (m *Machine) store(mi *thumb.Instr, addr uint32, size int, v uint64) {
	sp := m.R[13]
	if addr < sp {
		m.Violations = append(m.Violations, fmt.Sprintf("%s: store to %#x below sp %#x", mi, addr, sp))
	}
	for i := 0; i < size; i++ {
		m.Mem[addr+uint32(i)] = byte(v >> (8 * i))
	}
	m.Writes = append(m.Writes, Write{
		Addr:         addr,
		Size:         size,
		Value:        v,
		Unprivileged: isUnprivileged(mi.Op),
		SP:           sp,
	})
}

func isUnprivileged(op thumb.Opcode) bool {
	return op == thumb.T2STRT || op == thumb.T2STRHT || op == thumb.T2STRBT
}

// Written folds the write trace into the final byte image.
func (m *Machine) Written() map[uint32]byte {
	out := map[uint32]byte{}
	for _, w := range m.Writes {
		for i := 0; i < w.Size; i++ {
			out[w.Addr+uint32(i)] = byte(w.Value >> (8 * i))
		}
	}
	return out
}

// PrivilegedWrites returns the stores that were not unprivileged.
func (m *Machine) PrivilegedWrites() []Write {
	var out []Write
	for _, w := range m.Writes {
		if !w.Unprivileged {
			out = append(out, w)
		}
	}
	return out
}

// Run executes fn from its entry block.
func (m *Machine) Run(fn *thumb.Function) error {
	return m.RunFrom(fn.Entry())
}

// RunFrom executes from the top of b, following direct branches and
// fall-through inside b's function, until a transfer leaves it or the
// last block falls off the end.
func (m *Machine) RunFrom(b *thumb.Block) error {
	if b == nil {
		return fmt.Errorf("emu: no block")
	}
	m.fn = b.Parent()
	m.MaxSP, m.MinSP = m.R[13], m.R[13]
	max := m.MaxSteps
	if max == 0 {
		max = DefaultMaxSteps
	}
	for b != nil {
		m.itq = nil
		m.jump = nil
		for mi := b.First(); mi != nil; mi = mi.Next() {
			if mi.IsDebug() {
				continue
			}
			if m.Steps++; m.Steps > max {
				return fmt.Errorf("emu: step limit %d reached in %s", max, b.Name)
			}
			if err := m.step(mi); err != nil {
				return fmt.Errorf("emu: %s/%s: %s: %w", m.fn.Name, b.Name, mi, err)
			}
			m.trackSP()
			if m.halted || m.jump != nil {
				break
			}
		}
		if m.halted {
			return nil
		}
		if m.jump != nil {
			b = m.jump
			continue
		}
		b = m.layoutNext(b)
	}
	return nil
}

func (m *Machine) layoutNext(b *thumb.Block) *thumb.Block {
	for i, x := range m.fn.Blocks {
		if x == b && i+1 < len(m.fn.Blocks) {
			return m.fn.Blocks[i+1]
		}
	}
	return nil
}

func (m *Machine) trackSP() {
	sp := m.R[13]
	if sp > m.MaxSP {
		m.MaxSP = sp
	}
	if sp < m.MinSP {
		m.MinSP = sp
	}
}

// step checks predication, then dispatches.
func (m *Machine) step(mi *thumb.Instr) error {
	h, ok := handlers[mi.Op]
	if !ok {
		return silerrors.ErrUnknownOpcode
	}
	if mi.Op == thumb.T2IT {
		if len(m.itq) > 0 {
			return silerrors.ErrInvariant
		}
		return h(m, mi)
	}
	cond := thumb.AL
	switch {
	case len(m.itq) > 0:
		cond = m.itq[0]
		m.itq = m.itq[1:]
		if mi.Cond != cond {
			return fmt.Errorf("IT gives %s, instruction says %s: %w", cond, mi.Cond, silerrors.ErrITMismatch)
		}
	case mi.Cond != thumb.AL && mi.Op.Has(thumb.OwnCond):
		cond = mi.Cond
	case mi.Cond != thumb.AL:
		return fmt.Errorf("predicated outside IT: %w", silerrors.ErrITMismatch)
	}
	if !cond.Holds(m.N, m.Z, m.C, m.V) {
		return nil
	}
	return h(m, mi)
}

func execIT(m *Machine, mi *thumb.Instr) error {
	dq, err := itblock.DecodeMask(itblock.Mask(mi))
	if err != nil {
		return err
	}
	base := itblock.Cond(mi)
	m.itq = m.itq[:0]
	for _, same := range dq {
		if same {
			m.itq = append(m.itq, base)
		} else {
			m.itq = append(m.itq, base.Opposite())
		}
	}
	return nil
}

// leave stops the run with a transfer out of the function.
func (m *Machine) leave(mi *thumb.Instr, target uint32, sym string) {
	m.Transfer = &Transfer{Op: mi.Op, Target: target, Sym: sym}
	m.halted = true
}
