package thumb

import "math/bits"

// IsT2SOImm reports whether v fits the Thumb-2 modified-immediate encoding:
// a byte, a replicated byte pattern, or an 8-bit value with its top bit set
// rotated right by 8 to 31.
func IsT2SOImm(v uint32) bool {
	if v <= 0xff {
		return true
	}
	b := v & 0xff
	switch {
	case v == b|b<<16:
		return true
	case v == b|b<<8|b<<16|b<<24:
		return true
	}
	b = v >> 8 & 0xff
	if v == b<<8|b<<24 {
		return true
	}
	for rot := 8; rot < 32; rot++ {
		x := bits.RotateLeft32(v, rot)
		if x >= 0x80 && x <= 0xff {
			return true
		}
	}
	return false
}

// FitsUnsigned reports 0 <= v < 1<<n.
func FitsUnsigned(v int64, n uint) bool { return v >= 0 && v < 1<<n }
