package cfi

import (
	"context"
	"slices"
	"testing"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/passes/passtest"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/emu"
	"github.com/colorfulnotion/silhouette/thumb/itblock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfiConfig(mode config.CFIMode) config.Config {
	cfg := config.Default()
	cfg.CFI = mode
	return cfg
}

func run(t *testing.T, mode config.CFIMode, sink *telemetry.Sink, src string) *thumb.Function {
	t.Helper()
	fn := passtest.Parse(t, src)
	require.NoError(t, New(cfiConfig(mode), sink).Run(context.Background(), fn))
	require.NoError(t, itblock.VerifyFunction(fn))
	return fn
}

const target = 0x20000400

func TestBitmaskShapes(t *testing.T) {
	fn := run(t, config.CFIBitmask, nil, `
func f
block entry livein=r4,lr
  tBLXr r4
  tBX_RET
end
`)
	assert.Equal(t, []thumb.Opcode{thumb.T2BFC, thumb.TBLXr, thumb.TBX_RET}, passtest.Ops(fn.Entry()))
	mask := fn.Entry().First()
	assert.Equal(t, int64(1), mask.Imm(1))
	assert.Equal(t, int64(1), mask.Imm(2))
	assert.Equal(t, uint(2), fn.Align)
	assert.Equal(t, uint(0), fn.Entry().Align)

	m := passtest.Exec(t, fn, func(m *emu.Machine) { m.R[4] = target | 3 })
	require.NotNil(t, m.Transfer)
	assert.Equal(t, uint32(target|1), m.Transfer.Target)
}

func TestBitmaskAlignsJumpBlocks(t *testing.T) {
	dir := t.TempDir()
	sink, err := telemetry.NewSink(dir)
	require.NoError(t, err)
	fn := run(t, config.CFIBitmask, sink, `
func g linkage=internal
block entry livein=r0,r1,lr succ=a,b
  tCMPi8 r1, #0
  tBcc %b ?eq
block a livein=r0,lr
  tBR_JTr r0, $jt0
block b livein=r0,lr
  tBRIND r0
end
`)
	require.NoError(t, sink.Close())
	assert.Equal(t, uint(0), fn.Align)
	for _, b := range fn.Blocks {
		assert.Equal(t, uint(2), b.Align, b.Name)
	}
	// the jump table is left alone
	assert.Equal(t, []thumb.Opcode{thumb.TBR_JTr}, passtest.Ops(fn.Block("a")))
	assert.Equal(t, []thumb.Opcode{thumb.T2BFC, thumb.TBRIND}, passtest.Ops(fn.Block("b")))

	r, err := telemetry.Summarize(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"g": 1}, r.JumpTables)
	require.Len(t, r.Gaps, 1)
	assert.Equal(t, telemetry.GapJumpTable, r.Gaps[0].Reason)
}

func TestBitmaskFullITBlock(t *testing.T) {
	src := `
func f linkage=internal
block entry livein=r0,r4,lr succ=exit
  tCMPi8 r0, #0
  t2IT eq, #1
  tMOVr r1, r0 ?eq
  tMOVr r2, r0 ?eq
  tMOVr r3, r0 ?eq
  tBLXr r4 ?eq
block exit livein=lr
  tBX_RET
end
`
	fn := run(t, config.CFIBitmask, nil, src)
	headers := 0
	for _, mi := range fn.Entry().Instrs() {
		if mi.Op == thumb.T2IT {
			headers++
		}
	}
	assert.Equal(t, 2, headers)
	hdr := fn.Entry().Instrs()[1]
	require.Equal(t, thumb.T2IT, hdr.Op)
	n, err := itblock.BlockSize(hdr)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "full block regrows as 4+1")
	blx := fn.Entry().LastReal()
	second, rank, err := itblock.FindIT(blx)
	require.NoError(t, err)
	assert.Equal(t, 1, rank)
	n, err = itblock.BlockSize(second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, thumb.EQ, blx.Prev().Prev().Cond, "mask is governed")

	taken := passtest.Exec(t, fn, func(m *emu.Machine) { m.R[0], m.R[4] = 0, target|3 })
	assert.Equal(t, thumb.TBLXr, taken.Transfer.Op)
	assert.Equal(t, uint32(target|1), taken.Transfer.Target)

	skipped := passtest.Exec(t, fn, func(m *emu.Machine) { m.R[0], m.R[4] = 1, target|3 })
	assert.Equal(t, thumb.TBX_RET, skipped.Transfer.Op)
}

func TestLabelPlacement(t *testing.T) {
	fn := run(t, config.CFILabel, nil, `
func f
block entry livein=r0,r1,lr succ=a,b
  tBRIND r0
block a livein=r1,lr succ=b
  tBRIND r1
block b livein=lr
  tBX_RET
end
`)
	l, ok := LabelOf(fn.Entry().First())
	require.True(t, ok)
	assert.Equal(t, uint16(LabelCall), l)
	for _, name := range []string{"a", "b"} {
		l, ok := LabelOf(fn.Block(name).First())
		require.True(t, ok, name)
		assert.Equal(t, uint16(LabelJump), l, name)
	}
	n := 0
	for _, mi := range fn.Block("b").Instrs() {
		if mi.Has(thumb.CFILabel) {
			n++
		}
	}
	assert.Equal(t, 1, n, "shared successor is labelled once")

	// tBRIND keeps the thumb bit as is
	for _, mi := range fn.Instrs() {
		if mi.Op == thumb.T2BFC {
			assert.Equal(t, int64(32), mi.Imm(2))
		}
		assert.NotEqual(t, thumb.T2ORRri, mi.Op)
	}

	internal := run(t, config.CFILabel, nil, `
func s linkage=internal
block entry livein=lr
  tBX_RET
end
`)
	_, ok = LabelOf(internal.Entry().First())
	assert.False(t, ok)
}

func TestLabelCheck(t *testing.T) {
	const allHigh = "r4,r5,r6,r7,r8,r9,r10,r11"
	cases := []struct {
		name     string
		src      string
		label    uint16
		value    uint32
		flagFree bool
		tweak    func(*emu.Machine)
		hit      uint32
		miss     uint32
		spills   bool
	}{
		{
			name: "call",
			src: `
func f
block entry livein=r4,lr
  tBLXr r4
  tBX_RET
end
`,
			label: LabelCall, value: target | 1, hit: target | 1, miss: 1,
		},
		{
			name: "governed call",
			src: `
func f linkage=internal
block entry livein=r0,r4,lr succ=exit
  tCMPi8 r0, #0
  t2IT ne, #8
  tBLXr r4 ?ne
block exit livein=lr
  tBX_RET
end
`,
			label: LabelCall, value: target | 1, flagFree: true, hit: target | 1, miss: 1,
			tweak: func(m *emu.Machine) { m.R[0] = 1 },
		},
		{
			name: "jump",
			src: `
func f linkage=internal
block entry livein=r4,lr succ=next
  tBRIND r4
block next livein=lr
  tBX_RET
end
`,
			label: LabelJump, value: target, hit: target, miss: 0,
		},
		{
			name: "jump with live flags",
			src: `
func f linkage=internal
block entry livein=r0,r4,lr succ=next
  tCMPi8 r0, #0
  tBX r4
block next livein=cpsr,lr
  tBX_RET
end
`,
			label: LabelJump, value: target | 1, flagFree: true, hit: target | 1, miss: 1,
		},
		{
			name: "spilled scratch",
			src: `
func f linkage=internal
block entry livein=r0,r1,r2,r3,` + allHigh + `,lr succ=exit
  tBLXr r4
block exit livein=` + allHigh + `
  tBX_RET
end
`,
			label: LabelCall, value: target | 1, hit: target | 1, miss: 1, spills: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fn := run(t, config.CFILabel, nil, tc.src)
			ops := passtest.Ops(fn.Entry())
			if tc.flagFree {
				assert.Contains(t, ops, thumb.T2CLZ)
				assert.NotContains(t, ops, thumb.T2CMPri)
			} else {
				assert.Contains(t, ops, thumb.T2CMPri)
			}
			spilled := slices.Contains(ops, thumb.TPUSH)
			if tc.spills {
				assert.True(t, spilled)
			}

			for label, expect := range map[uint16]uint32{tc.label: tc.hit, tc.label ^ 0x0101: tc.miss} {
				m := passtest.Exec(t, fn, func(m *emu.Machine) {
					if tc.tweak != nil {
						tc.tweak(m)
					}
					m.R[4] = tc.value
					m.Poke(target, 2, uint32(label))
				})
				require.NotNil(t, m.Transfer)
				assert.Equal(t, expect, m.Transfer.Target, "label %#x", label)
				assert.Equal(t, uint32(passtest.StackTop), m.R[13])
				if spilled {
					assert.Equal(t, uint32(0x20), m.R[5], "scratch restored")
				}
				assert.Empty(t, m.Violations)
			}
		})
	}
}

func TestLabelDenyList(t *testing.T) {
	src := `
func vPortSVCHandler
block entry livein=r4,lr
  tBLXr r4
  tBX_RET
end
`
	cfg := cfiConfig(config.CFILabel)
	cfg.DenyList = append(cfg.DenyList, "vPortSVCHandler")
	fn := passtest.Parse(t, src)
	require.NoError(t, New(cfg, nil).Run(context.Background(), fn))
	assert.Equal(t, []thumb.Opcode{thumb.TBLXr, thumb.TBX_RET}, passtest.Ops(fn.Entry()))
}
