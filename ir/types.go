package ir

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Type is the closed set of value types the engine operates on.
// All integer arithmetic is two's-complement and wraps at the declared width.
type Type uint8

const (
	Void Type = iota
	I1
	I8
	I16
	I32
	I64
	// Ptr is a byte offset into the module's flat data memory.
	// It is represented and computed as a 64-bit unsigned integer.
	Ptr
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case I1:
		return "i1"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case Ptr:
		return "ptr"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Bits returns the width of the type in bits. Void has no width.
func (t Type) Bits() uint {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	case I64, Ptr:
		return 64
	default:
		return 0
	}
}

// Integer reports whether t carries an integer value (Ptr included).
func (t Type) Integer() bool {
	return t != Void
}

// width masks, indexed lazily by Bits(). Shared and never mutated.
var (
	mask1  = uint256.NewInt(1)
	mask8  = uint256.NewInt(0xff)
	mask16 = uint256.NewInt(0xffff)
	mask32 = uint256.NewInt(0xffffffff)
	mask64 = new(uint256.Int).SetAllOne().Rsh(new(uint256.Int).SetAllOne(), 192)
)

func maskFor(t Type) *uint256.Int {
	switch t.Bits() {
	case 1:
		return mask1
	case 8:
		return mask8
	case 16:
		return mask16
	case 32:
		return mask32
	case 64:
		return mask64
	default:
		return nil
	}
}

// MaskTo truncates v to the width of t, in place, and returns v.
func MaskTo(v *uint256.Int, t Type) *uint256.Int {
	if m := maskFor(t); m != nil {
		v.And(v, m)
	}
	return v
}

// SignExtend widens the t-width two's-complement value v to the full 256-bit
// working range, in place. Callers mask back down after the operation.
// I1 has no sign; it is returned unchanged.
func SignExtend(v *uint256.Int, t Type) *uint256.Int {
	bits := t.Bits()
	if bits < 8 {
		return v
	}
	byteIdx := uint256.NewInt(uint64(bits/8 - 1))
	return v.ExtendSign(v, byteIdx)
}
