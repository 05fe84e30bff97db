package asm

import (
	"fmt"
	"io"
	"strings"

	"github.com/colorfulnotion/silhouette/thumb"
)

// Print writes m in the listing format accepted by Parse.
func Print(w io.Writer, m *thumb.Module) error {
	for i, fn := range m.Functions {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, FormatFunction(fn)); err != nil {
			return err
		}
	}
	return nil
}

// FormatFunction renders one function.
func FormatFunction(fn *thumb.Function) string {
	var sb strings.Builder
	sb.WriteString("func ")
	sb.WriteString(fn.Name)
	fmt.Fprintf(&sb, " linkage=%s", fn.Linkage)
	if fn.Section != "" {
		fmt.Fprintf(&sb, " section=%s", fn.Section)
	}
	if fn.AddressTaken {
		sb.WriteString(" address-taken")
	}
	if fn.HasVarSizedObjects {
		sb.WriteString(" var-sized")
	}
	if fn.Align != 0 {
		fmt.Fprintf(&sb, " align=%d", fn.Align)
	}
	sb.WriteByte('\n')
	for _, b := range fn.Blocks {
		sb.WriteString("block ")
		sb.WriteString(b.Name)
		if b.LiveIns != 0 {
			names := make([]string, 0, b.LiveIns.Len())
			for _, r := range b.LiveIns.Regs() {
				names = append(names, thumb.RegName(r))
			}
			fmt.Fprintf(&sb, " livein=%s", strings.Join(names, ","))
		}
		if len(b.Succs) > 0 {
			names := make([]string, len(b.Succs))
			for i, s := range b.Succs {
				names[i] = s.Name
			}
			fmt.Fprintf(&sb, " succ=%s", strings.Join(names, ","))
		}
		if b.Align != 0 {
			fmt.Fprintf(&sb, " align=%d", b.Align)
		}
		sb.WriteByte('\n')
		for mi := b.First(); mi != nil; mi = mi.Next() {
			sb.WriteString("  ")
			sb.WriteString(mi.String())
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("end\n")
	return sb.String()
}
