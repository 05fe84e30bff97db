package thumb

import "strings"

// Cond is an ARM condition code in encoding order.
type Cond uint8

const (
	EQ Cond = iota
	NE
	HS
	LO
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

var condNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "cond?"
}

// Opposite flips the low encoding bit, which complements every condition but al.
func (c Cond) Opposite() Cond {
	if c >= AL {
		return c
	}
	return c ^ 1
}

// Holds evaluates c against the NZCV flags.
func (c Cond) Holds(n, z, cf, v bool) bool {
	var r bool
	switch c &^ 1 {
	case EQ:
		r = z
	case HS:
		r = cf
	case MI:
		r = n
	case VS:
		r = v
	case HI:
		r = cf && !z
	case GE:
		r = n == v
	case GT:
		r = !z && n == v
	default:
		return true
	}
	if c&1 == 1 {
		return !r
	}
	return r
}

func ParseCond(s string) (Cond, bool) {
	s = strings.ToLower(s)
	switch s {
	case "cs":
		return HS, true
	case "cc":
		return LO, true
	}
	for i, n := range condNames {
		if n == s {
			return Cond(i), true
		}
	}
	return 0, false
}
