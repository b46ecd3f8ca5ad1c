package ir

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ValueKind discriminates how a Value comes into existence.
type ValueKind uint8

const (
	// Konst is a compile-time constant payload.
	Konst ValueKind = iota
	// Variable is the result of exactly one defining instruction.
	Variable
	// Param is a function parameter, indexed by position.
	Param
)

// Value is an immutable, uniquely identified SSA value. It is shared
// (read-only) by every using instruction and never owned by them; the use
// list is the reverse side of the def-use edges.
type Value struct {
	id   int
	kind ValueKind
	typ  Type

	// def is the defining instruction for Variable values, nil otherwise.
	def *Instr
	// paramIdx is the position for Param values.
	paramIdx int
	// u holds the constant payload for Konst values, masked to typ.
	u *uint256.Int

	name string
	use  []*Instr
}

func (v *Value) ID() int         { return v.id }
func (v *Value) Kind() ValueKind { return v.kind }
func (v *Value) Type() Type      { return v.typ }
func (v *Value) Def() *Instr     { return v.def }
func (v *Value) ParamIdx() int   { return v.paramIdx }
func (v *Value) Name() string    { return v.name }

// Uses returns the instructions currently using this value. The returned
// slice is the live use list; callers must not mutate it.
func (v *Value) Uses() []*Instr { return v.use }

// Const returns a copy of the constant payload, or nil for non-constants.
func (v *Value) Const() *uint256.Int {
	if v == nil || v.kind != Konst || v.u == nil {
		return nil
	}
	return new(uint256.Int).Set(v.u)
}

// IsConst reports whether the value is a compile-time constant.
func (v *Value) IsConst() bool { return v != nil && v.kind == Konst }

func (v *Value) addUse(in *Instr) {
	v.use = append(v.use, in)
}

func (v *Value) removeUse(in *Instr) {
	for i, u := range v.use {
		if u == in {
			v.use = append(v.use[:i], v.use[i+1:]...)
			return
		}
	}
}

func (v *Value) String() string {
	if v == nil {
		return "<nil>"
	}
	switch v.kind {
	case Konst:
		return fmt.Sprintf("%s %s", v.typ, v.u.Dec())
	case Param:
		if v.name != "" {
			return fmt.Sprintf("%%%s", v.name)
		}
		return fmt.Sprintf("%%arg%d", v.paramIdx)
	default:
		return fmt.Sprintf("%%v%d", v.id)
	}
}
