package thumb

// Block is a basic block holding a doubly-linked instruction list.
type Block struct {
	Name    string
	Succs   []*Block
	Preds   []*Block
	LiveIns RegSet
	// Align is log2 of the byte alignment.
	Align uint

	first, last *Instr
	n           int
	parent      *Function
}

func (b *Block) First() *Instr     { return b.first }
func (b *Block) Last() *Instr      { return b.last }
func (b *Block) Len() int          { return b.n }
func (b *Block) Parent() *Function { return b.parent }
func (b *Block) Empty() bool       { return b.first == nil }

// Instrs returns a snapshot, safe to iterate while editing.
func (b *Block) Instrs() []*Instr {
	out := make([]*Instr, 0, b.n)
	for mi := b.first; mi != nil; mi = mi.next {
		out = append(out, mi)
	}
	return out
}

// FirstReal skips debug instructions.
func (b *Block) FirstReal() *Instr {
	for mi := b.first; mi != nil; mi = mi.next {
		if !mi.IsDebug() {
			return mi
		}
	}
	return nil
}

// LastReal skips trailing debug instructions.
func (b *Block) LastReal() *Instr {
	for mi := b.last; mi != nil; mi = mi.prev {
		if !mi.IsDebug() {
			return mi
		}
	}
	return nil
}

// Append adds instructions at the end of b.
func (b *Block) Append(mis ...*Instr) {
	for _, mi := range mis {
		b.InsertBefore(nil, mi)
	}
}

// InsertBefore links mi in front of pos; a nil pos appends.
func (b *Block) InsertBefore(pos, mi *Instr) {
	if mi.parent != nil {
		panic("thumb: instruction already linked: " + mi.String())
	}
	mi.parent = b
	b.n++
	if pos == nil {
		mi.prev = b.last
		if b.last != nil {
			b.last.next = mi
		} else {
			b.first = mi
		}
		b.last = mi
		return
	}
	mi.next = pos
	mi.prev = pos.prev
	if pos.prev != nil {
		pos.prev.next = mi
	} else {
		b.first = mi
	}
	pos.prev = mi
}

// InsertAfter links mi behind pos; a nil pos prepends.
func (b *Block) InsertAfter(pos, mi *Instr) {
	if pos == nil {
		b.InsertBefore(b.first, mi)
		return
	}
	b.InsertBefore(pos.next, mi)
}

// Remove unlinks mi.
func (b *Block) Remove(mi *Instr) {
	if mi.parent != b {
		panic("thumb: instruction not in block " + b.Name)
	}
	if mi.prev != nil {
		mi.prev.next = mi.next
	} else {
		b.first = mi.next
	}
	if mi.next != nil {
		mi.next.prev = mi.prev
	} else {
		b.last = mi.prev
	}
	mi.prev, mi.next, mi.parent = nil, nil, nil
	b.n--
}

// AddSucc records an edge b -> s.
func (b *Block) AddSucc(s *Block) {
	b.Succs = append(b.Succs, s)
	s.Preds = append(s.Preds, b)
}

// Size is the byte size of the block's instructions.
func (b *Block) Size() int {
	n := 0
	for mi := b.first; mi != nil; mi = mi.next {
		n += mi.Size()
	}
	return n
}

// IsReturnBlock reports a block that leaves the function.
func (b *Block) IsReturnBlock() bool {
	last := b.LastReal()
	if last == nil {
		return false
	}
	return last.Op.Has(IsReturn) || last.Defs().Has(PC) && !last.Op.Has(IsBranch)
}
