package thumb

import "encoding/json"

// FunctionJSON is the stable serialized form of a function, used for dumps
// and structural diffs.
type FunctionJSON struct {
	Name         string      `json:"name"`
	Linkage      string      `json:"linkage"`
	AddressTaken bool        `json:"address_taken,omitempty"`
	Section      string      `json:"section,omitempty"`
	Align        uint        `json:"align,omitempty"`
	Size         int         `json:"size"`
	Blocks       []BlockJSON `json:"blocks"`
}

type BlockJSON struct {
	Name    string   `json:"name"`
	Align   uint     `json:"align,omitempty"`
	LiveIns string   `json:"live_ins"`
	Succs   []string `json:"succs,omitempty"`
	Instrs  []string `json:"instrs"`
}

func (fn *Function) JSONModel() FunctionJSON {
	out := FunctionJSON{
		Name:         fn.Name,
		Linkage:      fn.Linkage.String(),
		AddressTaken: fn.AddressTaken,
		Section:      fn.Section,
		Align:        fn.Align,
		Size:         fn.Size(),
	}
	for _, b := range fn.Blocks {
		bj := BlockJSON{Name: b.Name, Align: b.Align, LiveIns: b.LiveIns.String(), Instrs: []string{}}
		for _, s := range b.Succs {
			bj.Succs = append(bj.Succs, s.Name)
		}
		for mi := b.first; mi != nil; mi = mi.next {
			bj.Instrs = append(bj.Instrs, mi.String())
		}
		out.Blocks = append(out.Blocks, bj)
	}
	return out
}

func (fn *Function) MarshalJSON() ([]byte, error) {
	return json.Marshal(fn.JSONModel())
}
