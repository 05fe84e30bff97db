package thumb

import "fmt"

type Linkage uint8

const (
	External Linkage = iota
	Internal
	Private
)

func (l Linkage) String() string {
	switch l {
	case Internal:
		return "internal"
	case Private:
		return "private"
	}
	return "external"
}

func ParseLinkage(s string) (Linkage, bool) {
	switch s {
	case "external":
		return External, true
	case "internal":
		return Internal, true
	case "private":
		return Private, true
	}
	return 0, false
}

// Function is a machine function: an ordered list of blocks, the first one
// being the entry.
type Function struct {
	Name               string
	Linkage            Linkage
	AddressTaken       bool
	Section            string
	HasVarSizedObjects bool
	// Align is log2 of the byte alignment.
	Align  uint
	Blocks []*Block
}

func NewFunction(name string) *Function {
	return &Function{Name: name}
}

// AddBlock appends a new, empty block.
func (fn *Function) AddBlock(name string) *Block {
	b := &Block{Name: name, parent: fn}
	fn.Blocks = append(fn.Blocks, b)
	return b
}

func (fn *Function) Block(name string) *Block {
	for _, b := range fn.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

func (fn *Function) Entry() *Block {
	if len(fn.Blocks) == 0 {
		return nil
	}
	return fn.Blocks[0]
}

// Size is the function's byte size.
func (fn *Function) Size() int {
	n := 0
	for _, b := range fn.Blocks {
		n += b.Size()
	}
	return n
}

// Instrs returns every instruction in layout order.
func (fn *Function) Instrs() []*Instr {
	var out []*Instr
	for _, b := range fn.Blocks {
		out = append(out, b.Instrs()...)
	}
	return out
}

// Clone deep-copies fn, remapping the CFG onto the new blocks.
func (fn *Function) Clone() *Function {
	c := &Function{
		Name:               fn.Name,
		Linkage:            fn.Linkage,
		AddressTaken:       fn.AddressTaken,
		Section:            fn.Section,
		HasVarSizedObjects: fn.HasVarSizedObjects,
		Align:              fn.Align,
	}
	remap := make(map[*Block]*Block, len(fn.Blocks))
	for _, b := range fn.Blocks {
		nb := c.AddBlock(b.Name)
		nb.LiveIns = b.LiveIns
		nb.Align = b.Align
		for mi := b.first; mi != nil; mi = mi.next {
			nb.Append(mi.Clone())
		}
		remap[b] = nb
	}
	for _, b := range fn.Blocks {
		for _, s := range b.Succs {
			remap[b].AddSucc(remap[s])
		}
	}
	return c
}

// Module is a translation unit.
type Module struct {
	Functions []*Function
}

func (m *Module) Function(name string) *Function {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Link resolves a successor name within fn.
func (fn *Function) Link(from, to string) error {
	a, b := fn.Block(from), fn.Block(to)
	if a == nil || b == nil {
		return fmt.Errorf("%s: unknown block in edge %s -> %s", fn.Name, from, to)
	}
	a.AddSucc(b)
	return nil
}
