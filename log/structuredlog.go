package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// StructuredLog is one captured record, kept for tests and for run reports.
type StructuredLog struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Module  string            `json:"module"`
	Msg     string            `json:"msg"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	attrKey []string
}

var fieldOrder = []string{"time", "level", "module", "msg", "attrs"}

func newStructuredLog(level slog.Level, module, msg string, kv []any) StructuredLog {
	l := StructuredLog{
		Time:   time.Now().UTC(),
		Level:  LevelString(level),
		Module: module,
		Msg:    msg,
	}
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		val := "!MISSING"
		if i+1 < len(kv) {
			val = fmt.Sprint(kv[i+1])
		}
		if l.Attrs == nil {
			l.Attrs = make(map[string]string)
		}
		if _, dup := l.Attrs[key]; !dup {
			l.attrKey = append(l.attrKey, key)
		}
		l.Attrs[key] = val
	}
	return l
}

// Custom JSON marshaling to preserve field order, attrs included in call order.
func (l StructuredLog) MarshalJSON() ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	writeField := func(key string, val []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, `"%s":`, key)
		buf.Write(val)
	}
	for _, f := range fieldOrder {
		switch f {
		case "time":
			b, _ := json.Marshal(l.Time)
			writeField(f, b)
		case "level":
			b, _ := json.Marshal(l.Level)
			writeField(f, b)
		case "module":
			b, _ := json.Marshal(l.Module)
			writeField(f, b)
		case "msg":
			b, _ := json.Marshal(l.Msg)
			writeField(f, b)
		case "attrs":
			if len(l.Attrs) == 0 {
				continue
			}
			inner := &bytes.Buffer{}
			inner.WriteByte('{')
			for i, k := range l.attrKey {
				if i > 0 {
					inner.WriteByte(',')
				}
				kb, _ := json.Marshal(k)
				vb, _ := json.Marshal(l.Attrs[k])
				inner.Write(kb)
				inner.WriteByte(':')
				inner.Write(vb)
			}
			inner.WriteByte('}')
			writeField(f, inner.Bytes())
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalLogs(records []StructuredLog) ([]byte, error) {
	if records == nil {
		records = []StructuredLog{}
	}
	return json.Marshal(records)
}
