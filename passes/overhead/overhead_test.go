package overhead

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/log"
	"github.com/colorfulnotion/silhouette/passes/passtest"
	"github.com/colorfulnotion/silhouette/thumb/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const src = `
func f
block entry livein=r0,r1,lr
  tSTRi r1, r0, #3
  t2STRi12 r1, r0, #300
  tBX_RET
end
`

func TestEstimateLeavesFunctionAlone(t *testing.T) {
	fn := passtest.Parse(t, src)
	before := asm.FormatFunction(fn)

	p := New(config.Default(), nil)
	assert.Equal(t, config.StoresSTRT, p.Mode())
	e, err := p.Estimate(context.Background(), fn)
	require.NoError(t, err)
	assert.Equal(t, before, asm.FormatFunction(fn))

	assert.Equal(t, 10, e.Code)
	assert.Equal(t, 6, e.MemOps)
	// narrow store widens by two, the far one gains an add and a sub
	assert.Equal(t, 2+8, e.Growth)
	assert.InDelta(t, 100.0, e.Percent(), 0.001)
}

func TestEstimateMasking(t *testing.T) {
	cfg := config.Default()
	cfg.Stores = config.StoresSFI
	cfg.Passes = []string{config.PassOverhead, config.PassStores}
	p := New(cfg, nil)
	e, err := p.Estimate(context.Background(), passtest.Parse(t, src))
	require.NoError(t, err)
	assert.Equal(t, 8+16, e.Growth)
}

func TestRunLogsAndTotals(t *testing.T) {
	prev := log.Root()
	defer log.SetDefault(prev)
	log.SetDefault(log.NewLogger(log.DiscardHandler()))
	log.RecordLogs()

	p := New(config.Default(), nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Run(context.Background(), passtest.Parse(t, src)))
	}
	tot := p.Totals()
	assert.Equal(t, 2, tot.Functions)
	assert.Equal(t, 20, tot.Code)
	assert.Equal(t, 20, tot.Growth)

	raw, err := log.GetRecordedLogs()
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "info", got[0]["level"])
	attrs := got[0]["attrs"].(map[string]any)
	assert.Equal(t, "6", attrs["memops"])
	assert.Equal(t, "10", attrs["growth"])
}

func TestSkipsAfterRealRewrite(t *testing.T) {
	cfg := config.Default()
	cfg.Stores = config.StoresSTRT
	p := New(cfg, nil)
	require.NoError(t, p.Run(context.Background(), passtest.Parse(t, src)))
	assert.Zero(t, p.Totals().Functions)

	cfg.DenyList = []string{"f"}
	cfg.Stores = config.StoresNone
	p = New(cfg, nil)
	require.NoError(t, p.Run(context.Background(), passtest.Parse(t, src)))
	assert.Zero(t, p.Totals().Functions)
}
