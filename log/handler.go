package log

import (
	"context"
	"io"
	"log/slog"
)

// NewTerminalHandlerWithLevel returns a text handler that drops records below lvl.
// Source locations are attached when withSource is set.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, withSource bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource: withSource,
		Level:     lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelAlignedString(l))
				}
			}
			return a
		},
	})
}

type discardHandler struct{}

// DiscardHandler returns a handler that reports every level as disabled.
func DiscardHandler() slog.Handler {
	return discardHandler{}
}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
