package strt

import (
	"context"
	"fmt"
	"testing"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/passes/passtest"
	"github.com/colorfulnotion/silhouette/silerrors"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/emu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strtConfig() config.Config {
	cfg := config.Default()
	cfg.Stores = config.StoresSTRT
	return cfg
}

func rewriter(cfg config.Config, sink *telemetry.Sink) func(*thumb.Function) error {
	p := New(cfg, sink)
	return func(fn *thumb.Function) error { return p.Run(context.Background(), fn) }
}

func leaf(body string) string {
	return fmt.Sprintf(`
func f
block entry livein=r0,r1,r4,r5,r6,lr
  %s
  tBX_RET
end
`, body)
}

func TestDemotionEquivalence(t *testing.T) {
	stores := []string{
		"tSTRi r1, r0, #3",
		"tSTRHi r1, r0, #3",
		"tSTRBi r1, r0, #7",
		"tSTRspi r1, sp, #2",
		"tSTRspi r1, sp, #100",
		"t2STRi12 r1, r0, #300",
		"t2STRi12 r0, r0, #300",
		"t2STRBi12 r1, sp, #255",
		"t2STRi8 r1, r0, #-8",
		"t2STRHi8 r1, r0, #-2",
		"t2STR_PRE r0, r1, r0, #-4",
		"t2STRB_POST r0, r1, r0, #1",
		"t2STR_PRE sp, r1, sp, #-8",
		"tSTRr r1, r0, r4",
		"tSTRHr r1, r0, r0",
		"t2STRs r1, r0, r4, #2",
		"t2STRs r1, sp, r4, #2",
		"t2STRDi8 r1, r5, r0, #-8",
		"t2STRDi8 r1, r5, r0, #252",
		"t2STRDi8 r1, r5, sp, #400",
		"tPUSH r4, r5, lr",
		"t2STMIA r0, r1, r4, r5",
		"t2STMIA_UPD r6, r6, r1, r4",
		"t2STMDB r0, r0, r1",
		"t2STMDB r6, r1, r4",
		"t2STMDB_UPD r6, r6, r1, r4",
		"tSTMIA_UPD r6, r6, r1, r4",
		"VSTRS s1, r0, #-2",
		"VSTRS s1, sp, #3",
		"VSTRD d1, sp, #100",
		"VSTMDDB_UPD sp, sp, d0, d1",
		"VSTMSIA r0, s0, s1, s2",
		"VSTMSIA_UPD r6, r6, s4, s5",
		"VSTMSDB_UPD r6, r6, s4, s5",
	}
	for _, st := range stores {
		t.Run(st, func(t *testing.T) {
			_, got, fn := passtest.Compare(t, leaf(st), rewriter(strtConfig(), nil), passtest.Scratchable, nil)
			assert.Empty(t, got.PrivilegedWrites())
			assert.Empty(t, got.Violations)
			for _, mi := range fn.Instrs() {
				if mi.Op.Has(thumb.MayStore) {
					assert.Contains(t, []thumb.Opcode{thumb.T2STRT, thumb.T2STRHT, thumb.T2STRBT}, mi.Op)
				}
			}
		})
	}
}

func TestDemotionShapes(t *testing.T) {
	fn := passtest.Parse(t, leaf("tSTRi r1, r0, #3"))
	require.NoError(t, rewriter(strtConfig(), nil)(fn))
	first := fn.Entry().First()
	assert.Equal(t, thumb.T2STRT, first.Op)
	assert.Equal(t, int64(12), first.Imm(2))

	fn = passtest.Parse(t, leaf("t2STRi12 r1, r0, #300"))
	require.NoError(t, rewriter(strtConfig(), nil)(fn))
	assert.Equal(t, []thumb.Opcode{thumb.T2ADDri12, thumb.T2STRT, thumb.T2SUBri12, thumb.TBX_RET}, passtest.Ops(fn.Entry()))

	// sp is lowered before any demoted store lands
	fn = passtest.Parse(t, leaf("tPUSH r4, lr"))
	require.NoError(t, rewriter(strtConfig(), nil)(fn))
	assert.Equal(t, []thumb.Opcode{thumb.TSUBspi, thumb.T2STRT, thumb.T2STRT, thumb.TBX_RET}, passtest.Ops(fn.Entry()))
}

func TestDemotionInsideIT(t *testing.T) {
	src := `
func f
block entry livein=r0,r1,r4,r5,r6,lr
  tCMPi8 r4, #16
  t2IT eq, #8
  t2STRi12 r1, r0, #300 ?eq
  tBX_RET
end
`
	for _, r4 := range []uint32{0x10, 0x11} {
		_, got, fn := passtest.Compare(t, src, rewriter(strtConfig(), nil), passtest.Scratchable,
			func(m *emu.Machine) { m.R[4] = r4 })
		assert.Empty(t, got.PrivilegedWrites())
		for _, mi := range fn.Entry().Instrs()[2:5] {
			assert.Equal(t, thumb.EQ, mi.Cond, mi.String())
		}
	}
}

const allLive = "r0,r1,r2,r3,r4,r5,r6,r7,r8,r9,r10,r11,r12,lr"

func TestDemotionSpills(t *testing.T) {
	for _, st := range []string{
		"tSTRspi r1, sp, #100",
		"t2STRs r1, sp, r4, #2",
		"VSTRS s2, r0, #-2",
		"VSTMDDB_UPD sp, sp, d8",
		"VSTRD d1, sp, #100",
	} {
		t.Run(st, func(t *testing.T) {
			src := fmt.Sprintf(`
func f
block entry livein=%s succ=exit
  %s
block exit livein=%s
  tBX_RET
end
`, allLive, st, allLive)
			_, got, _ := passtest.Compare(t, src, rewriter(strtConfig(), nil), 0, nil)
			// the spills themselves go through the demoted idiom
			assert.Empty(t, got.PrivilegedWrites())
			assert.Empty(t, got.Violations)
		})
	}
}

func TestDemotionGapsAndUnknown(t *testing.T) {
	dir := t.TempDir()
	sink, err := telemetry.NewSink(dir)
	require.NoError(t, err)
	fn := passtest.Parse(t, leaf("t2STRD_PRE r0, r1, r5, r0, #-8"))
	require.NoError(t, rewriter(strtConfig(), sink)(fn))
	assert.Equal(t, thumb.T2STRD_PRE, fn.Entry().First().Op)
	require.NoError(t, sink.Close())

	r, err := telemetry.Summarize(dir)
	require.NoError(t, err)
	require.Len(t, r.Gaps, 1)
	assert.Equal(t, telemetry.GapSTRDWriteback, r.Gaps[0].Reason)
	require.Len(t, r.Sizes, 1)
	assert.Equal(t, telemetry.CodeSizeSTRT, r.Sizes[0].File)

	fn = passtest.Parse(t, leaf("t2STREX r2, r1, r0, #0"))
	err = rewriter(strtConfig(), nil)(fn)
	assert.ErrorIs(t, err, silerrors.ErrUnknownOpcode)

	cfg := strtConfig()
	cfg.UnknownOpcodes = config.UnknownWarn
	assert.NoError(t, rewriter(cfg, nil)(fn))
}

func TestDemotionHonoursDenyList(t *testing.T) {
	src := `
func SystemInit
block entry livein=r0,r1,lr
  tSTRi r1, r0, #0
  tBX_RET
end
`
	fn := passtest.Parse(t, src)
	require.NoError(t, rewriter(strtConfig(), nil)(fn))
	assert.Equal(t, thumb.TSTRi, fn.Entry().First().Op)
}
