package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordedLogs(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	SetDefault(NewLogger(DiscardHandler()))
	RecordLogs()
	Warn(SSMonitoring, "variable-sized stack objects", "fn", "f", "blocks", 3)
	Debug(SSMonitoring, "suppressed")
	EnableModule(SSMonitoring)
	Debug(SSMonitoring, "shown")
	DisableModule(SSMonitoring)

	raw, err := GetRecordedLogs()
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0]["level"])
	assert.Equal(t, SSMonitoring, got[0]["module"])
	assert.Equal(t, map[string]any{"fn": "f", "blocks": "3"}, got[0]["attrs"])
	assert.Equal(t, "shown", got[1]["msg"])
}

func TestStructuredLogFieldOrder(t *testing.T) {
	l := newStructuredLog(LevelInfo, CLIMonitoring, "hello", []any{"b", 1, "a", 2})
	raw, err := json.Marshal(l)
	require.NoError(t, err)
	assert.Less(t, bytes.Index(raw, []byte(`"level"`)), bytes.Index(raw, []byte(`"module"`)))
	assert.Less(t, bytes.Index(raw, []byte(`"b"`)), bytes.Index(raw, []byte(`"a"`)))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]int{"trace": int(LevelTrace), "WARN": int(LevelWarn), "crit": int(LevelCrit)}
	for in, want := range cases {
		lvl, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, int(lvl))
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestTerminalHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelWarn, false))
	l.Info(CLIMonitoring, "quiet")
	l.Warn(CLIMonitoring, "loud", "k", "v")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
	assert.Contains(t, buf.String(), "module=cli")
	assert.Contains(t, buf.String(), "WARN")
}
