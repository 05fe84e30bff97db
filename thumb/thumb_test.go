package thumb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestT2SOImm(t *testing.T) {
	for _, v := range []uint32{0, 0xab, 0x00ab00ab, 0xab00ab00, 0xabababab, 0xC0000000, 0x00800000, 0x4600, 0x1000, 0xE00000, 0xff000000} {
		assert.True(t, IsT2SOImm(v), "%#x", v)
	}
	for _, v := range []uint32{0x101, 0x12344, 0x123458, 0xffff, 0x00ab00ac} {
		assert.False(t, IsT2SOImm(v), "%#x", v)
	}
}

func TestRegSet(t *testing.T) {
	s := MakeRegSet(R0, R4, LR, CPSR, SReg(3))
	assert.True(t, s.Has(R4))
	assert.True(t, s.Has(CPSR))
	assert.False(t, s.Has(SReg(3)))
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, "{r0,r4,lr,cpsr}", s.String())
	assert.Equal(t, []Reg{R0, LR, CPSR}, s.Remove(R4).Regs())
}

func TestParseReg(t *testing.T) {
	cases := map[string]Reg{"r0": R0, "R12": R12, "ip": R12, "sp": SP, "r13": SP, "s31": SReg(31), "d2": DReg(2), "cpsr": CPSR}
	for in, want := range cases {
		got, ok := ParseReg(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"r16", "r-1", "x1", "s32", "r01", ""} {
		_, ok := ParseReg(bad)
		assert.False(t, ok, bad)
	}
}

func TestCondOpposite(t *testing.T) {
	assert.Equal(t, NE, EQ.Opposite())
	assert.Equal(t, GE, LT.Opposite())
	assert.Equal(t, AL, AL.Opposite())
	for c := EQ; c < AL; c++ {
		for flags := 0; flags < 16; flags++ {
			n, z, cf, v := flags&8 != 0, flags&4 != 0, flags&2 != 0, flags&1 != 0
			assert.NotEqual(t, c.Holds(n, z, cf, v), c.Opposite().Holds(n, z, cf, v), "%s", c)
		}
	}
}

func TestUsesDefs(t *testing.T) {
	// write-back: base is both read and written
	pre := New(T2STR_PRE, R(R1), R(R0), R(R1), I(-8))
	assert.Equal(t, MakeRegSet(R0, R1), pre.Uses())
	assert.Equal(t, MakeRegSet(R1), pre.Defs())

	pop := NewList(TPOP_RET, nil, R4, PC)
	assert.True(t, pop.Defs().Has(PC))
	assert.True(t, pop.Defs().Has(SP))
	assert.False(t, pop.Uses().Has(R4))
	assert.True(t, pop.IsControlTransfer())

	bfc := New(T2BFC, R(R2), I(0), I(1))
	assert.True(t, bfc.Uses().Has(R2))

	// narrow ALU sets flags only outside IT
	add := New(TADDi8, R(R0), R(R0), I(1))
	assert.True(t, add.Defs().Has(CPSR))
	add.Cond = EQ
	assert.False(t, add.Defs().Has(CPSR))
	assert.True(t, add.Uses().Has(CPSR))

	call := New(TBLXr, R(R3), ImplicitUse(R0), ImplicitDef(R0))
	assert.True(t, call.Defs().Has(LR))
	assert.True(t, call.Uses().Has(R3))
	assert.Equal(t, 1, call.NumExplicit())
	assert.True(t, New(DBG_VALUE, R(R0)).Uses() == 0)
}

func TestRegList(t *testing.T) {
	stm := NewList(T2STMDB_UPD, []Operand{R(SP), R(SP)}, R4, R5, LR)
	assert.Equal(t, []Reg{R4, R5, LR}, stm.RegList())
	stm.SetRegList([]Reg{R4})
	assert.Equal(t, "t2STMDB_UPD sp, sp, r4", stm.String())
}

func TestBlockEditing(t *testing.T) {
	fn := NewFunction("f")
	b := fn.AddBlock("entry")
	a, c := New(TMOVr, R(R0), R(R1)), New(TBX_RET)
	b.Append(a, c)
	mid := New(TMOVr, R(R2), R(R3))
	b.InsertAfter(a, mid)
	head := New(TMOVr, R(R4), R(R5))
	b.InsertBefore(a, head)
	assert.Equal(t, []*Instr{head, a, mid, c}, b.Instrs())
	b.Remove(mid)
	assert.Equal(t, []*Instr{head, a, c}, b.Instrs())
	assert.Nil(t, mid.Parent())
	assert.Equal(t, 6, b.Size())
	assert.True(t, b.IsReturnBlock())
	assert.Panics(t, func() { b.Append(a) })
}

func TestCloneRemapsCFG(t *testing.T) {
	fn := NewFunction("f")
	e, x := fn.AddBlock("entry"), fn.AddBlock("exit")
	e.Append(New(TB, B("exit")))
	x.Append(New(TBX_RET))
	e.AddSucc(x)
	x.LiveIns = MakeRegSet(R0)

	c := fn.Clone()
	require.Len(t, c.Blocks, 2)
	assert.Same(t, c.Blocks[1], c.Blocks[0].Succs[0])
	assert.Same(t, c.Blocks[0], c.Blocks[1].Preds[0])
	assert.NotSame(t, fn.Blocks[0].First(), c.Blocks[0].First())
	c.Blocks[0].First().Operands[0].Name = "elsewhere"
	assert.Equal(t, "exit", fn.Blocks[0].First().Operands[0].Name)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"live_ins":"{r0}"`)
}

func TestOpcodeNames(t *testing.T) {
	for _, op := range Opcodes() {
		back, ok := LookupOpcode(op.String())
		require.True(t, ok, op.String())
		assert.Equal(t, op, back)
	}
}
