package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/silhouette/config"
	"github.com/colorfulnotion/silhouette/telemetry"
	"github.com/colorfulnotion/silhouette/thumb"
	"github.com/colorfulnotion/silhouette/thumb/asm"
)

const sample = `
func copy_word
block entry livein=r0,r1,lr
  tLDRi r2, r1, #0
  t2STRi12 r2, r0, #400
  tBX_RET
end
`

func TestParseSeeds(t *testing.T) {
	regs, err := parseSeeds([]string{"r0=0x20000100", "sp=4096", "s3=1"})
	require.NoError(t, err)
	assert.Equal(t, map[thumb.Reg]uint32{thumb.R0: 0x20000100, thumb.SP: 4096, thumb.SReg(3): 1}, regs)

	for _, bad := range []string{"r0", "q0=1", "r1=zz", "d1=2"} {
		_, err := parseSeeds([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestWriteLiveness(t *testing.T) {
	fn := asm.MustParse(sample).Functions[0]
	var buf bytes.Buffer
	writeLiveness(&buf, fn)
	out := buf.String()
	assert.Contains(t, out, "block entry livein=")
	assert.Contains(t, out, "t2STRi12 r2, r0, #400")
	assert.Contains(t, out, "free=")
}

func TestRewriteAndHistory(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Read("silhouette")
	require.NoError(t, err)
	cfg.StatDir = filepath.Join(dir, "stats")

	m := asm.MustParse(sample)
	res, before, err := rewrite(context.Background(), cfg, m, true)
	require.NoError(t, err)
	require.Contains(t, before, "copy_word")
	assert.Equal(t, thumb.T2STRi12, before["copy_word"].Entry().Instrs()[1].Op)
	require.NotEmpty(t, res.Sizes)

	r, err := telemetry.Summarize(cfg.StatDir)
	require.NoError(t, err)
	var buf bytes.Buffer
	writeReport(&buf, r)
	assert.Contains(t, buf.String(), telemetry.CodeSizeSTRT)

	db := filepath.Join(dir, "history")
	require.NoError(t, recordHistory(db, cfg, res))
	buf.Reset()
	require.NoError(t, writeHistory(&buf, db, "copy_word"))
	assert.Contains(t, buf.String(), "silhouette")
	assert.Contains(t, buf.String(), "strt")

	var html bytes.Buffer
	require.NoError(t, telemetry.RenderChart(&html, r))
	assert.Contains(t, html.String(), "code_size_strt")
}

func TestReadListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.s")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	m, err := readListing(path)
	require.NoError(t, err)
	require.Len(t, m.Functions, 1)

	_, err = readListing(filepath.Join(t.TempDir(), "missing.s"))
	assert.Error(t, err)
}
