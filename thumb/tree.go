package thumb

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// ToTree renders the function, its blocks and their instructions.
func (fn *Function) ToTree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%s (%s, %d bytes)", fn.Name, fn.Linkage, fn.Size()))
	for _, b := range fn.Blocks {
		branch := tree.AddMetaBranch(fmt.Sprintf("livein=%s", b.LiveIns), b.Name)
		for mi := b.first; mi != nil; mi = mi.next {
			branch.AddNode(mi.String())
		}
		for _, s := range b.Succs {
			branch.AddMetaNode("succ", s.Name)
		}
	}
	return tree
}

func (m *Module) ToTree() treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue("module")
	for _, fn := range m.Functions {
		tree.AddNode(fn.ToTree().String())
	}
	return tree
}
