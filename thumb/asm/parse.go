// Package asm reads and writes the textual listing format used by the CLI
// and the tests:
//
//	func NAME [linkage=external|internal|private] [section=S] [address-taken] [var-sized] [align=N]
//	block NAME [livein=r0,lr] [succ=b1,b2] [align=N]
//	  [frame-setup|frame-destroy|shadow-stack|cfi-label] OPCODE op, op, #imm, %block, $sym [?cond]
//	end
//
// A ';' starts a comment.
package asm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/colorfulnotion/silhouette/thumb"
)

type pendingEdge struct {
	from, to string
}

type parser struct {
	m     *thumb.Module
	fn    *thumb.Function
	b     *thumb.Block
	edges []pendingEdge
	line  int
}

// Parse reads a whole listing.
func Parse(r io.Reader) (*thumb.Module, error) {
	p := &parser{m: &thumb.Module{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.fn != nil {
		return nil, fmt.Errorf("line %d: func %s has no end", p.line, p.fn.Name)
	}
	return p.m, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*thumb.Module, error) {
	return Parse(strings.NewReader(s))
}

// MustParse panics on malformed input; meant for tests and fixtures.
func MustParse(s string) *thumb.Module {
	m, err := ParseString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (p *parser) parseLine(line string) error {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "func":
		return p.parseFunc(fields[1:])
	case "block":
		return p.parseBlock(fields[1:])
	case "end":
		return p.endFunc()
	}
	if p.b == nil {
		return fmt.Errorf("instruction outside a block: %q", line)
	}
	mi, err := ParseInstr(line)
	if err != nil {
		return err
	}
	p.b.Append(mi)
	return nil
}

func (p *parser) parseFunc(fields []string) error {
	if p.fn != nil {
		return fmt.Errorf("func inside func %s", p.fn.Name)
	}
	if len(fields) == 0 {
		return fmt.Errorf("func without a name")
	}
	fn := thumb.NewFunction(fields[0])
	for _, attr := range fields[1:] {
		key, val, _ := strings.Cut(attr, "=")
		switch key {
		case "linkage":
			l, ok := thumb.ParseLinkage(val)
			if !ok {
				return fmt.Errorf("bad linkage %q", val)
			}
			fn.Linkage = l
		case "section":
			fn.Section = val
		case "address-taken":
			fn.AddressTaken = true
		case "var-sized":
			fn.HasVarSizedObjects = true
		case "align":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return fmt.Errorf("bad align %q", val)
			}
			fn.Align = uint(n)
		default:
			return fmt.Errorf("unknown func attribute %q", attr)
		}
	}
	p.fn = fn
	return nil
}

func (p *parser) parseBlock(fields []string) error {
	if p.fn == nil {
		return fmt.Errorf("block outside func")
	}
	if len(fields) == 0 {
		return fmt.Errorf("block without a name")
	}
	if p.fn.Block(fields[0]) != nil {
		return fmt.Errorf("duplicate block %s", fields[0])
	}
	b := p.fn.AddBlock(fields[0])
	for _, attr := range fields[1:] {
		key, val, _ := strings.Cut(attr, "=")
		switch key {
		case "livein":
			for _, name := range strings.Split(val, ",") {
				r, ok := thumb.ParseReg(name)
				if !ok {
					return fmt.Errorf("bad livein register %q", name)
				}
				b.LiveIns = b.LiveIns.Add(r)
			}
		case "succ":
			for _, name := range strings.Split(val, ",") {
				p.edges = append(p.edges, pendingEdge{b.Name, name})
			}
		case "align":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return fmt.Errorf("bad align %q", val)
			}
			b.Align = uint(n)
		default:
			return fmt.Errorf("unknown block attribute %q", attr)
		}
	}
	p.b = b
	return nil
}

func (p *parser) endFunc() error {
	if p.fn == nil {
		return fmt.Errorf("end outside func")
	}
	for _, e := range p.edges {
		if err := p.fn.Link(e.from, e.to); err != nil {
			return err
		}
	}
	p.m.Functions = append(p.m.Functions, p.fn)
	p.fn, p.b, p.edges = nil, nil, nil
	return nil
}

// ParseInstr parses one instruction line.
func ParseInstr(line string) (*thumb.Instr, error) {
	line = strings.TrimSpace(line)
	var flags thumb.MIFlag
	for {
		word, rest, _ := strings.Cut(line, " ")
		f, ok := thumb.ParseMIFlag(word)
		if !ok {
			break
		}
		flags |= f
		line = strings.TrimSpace(rest)
	}
	cond := thumb.AL
	if i := strings.LastIndex(line, "?"); i >= 0 {
		c, ok := thumb.ParseCond(strings.TrimSpace(line[i+1:]))
		if !ok {
			return nil, fmt.Errorf("bad predicate in %q", line)
		}
		cond = c
		line = strings.TrimSpace(line[:i])
	}
	name, rest, _ := strings.Cut(line, " ")
	op, ok := thumb.LookupOpcode(name)
	if !ok {
		return nil, fmt.Errorf("unknown opcode %q", name)
	}
	mi := thumb.New(op)
	mi.Cond = cond
	mi.Flags = flags
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return mi, nil
	}
	for _, tok := range strings.Split(rest, ",") {
		o, err := parseOperand(strings.TrimSpace(tok))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		mi.Operands = append(mi.Operands, o)
	}
	return mi, nil
}

// MustInstr panics on malformed input.
func MustInstr(line string) *thumb.Instr {
	mi, err := ParseInstr(line)
	if err != nil {
		panic(err)
	}
	return mi
}

func parseOperand(tok string) (thumb.Operand, error) {
	if rest, ok := strings.CutPrefix(tok, "implicit-def "); ok {
		r, ok := thumb.ParseReg(strings.TrimSpace(rest))
		if !ok {
			return thumb.Operand{}, fmt.Errorf("bad implicit-def %q", rest)
		}
		return thumb.ImplicitDef(r), nil
	}
	if rest, ok := strings.CutPrefix(tok, "implicit "); ok {
		r, ok := thumb.ParseReg(strings.TrimSpace(rest))
		if !ok {
			return thumb.Operand{}, fmt.Errorf("bad implicit %q", rest)
		}
		return thumb.ImplicitUse(r), nil
	}
	switch {
	case tok == "":
		return thumb.Operand{}, fmt.Errorf("empty operand")
	case tok[0] == '#':
		v, err := strconv.ParseInt(tok[1:], 0, 64)
		if err != nil {
			return thumb.Operand{}, fmt.Errorf("bad immediate %q", tok)
		}
		return thumb.I(v), nil
	case tok[0] == '%':
		return thumb.B(tok[1:]), nil
	case tok[0] == '$':
		return thumb.S(tok[1:]), nil
	}
	if r, ok := thumb.ParseReg(tok); ok {
		return thumb.R(r), nil
	}
	if c, ok := thumb.ParseCond(tok); ok {
		return thumb.C(c), nil
	}
	return thumb.Operand{}, fmt.Errorf("bad operand %q", tok)
}
