package ir

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Op is the closed set of instruction opcodes. Passes dispatch over it
// exhaustively; adding an opcode means touching every switch that matters.
type Op uint8

const (
	OpInvalid Op = iota

	// arithmetic
	OpAdd
	OpSub
	OpMul
	OpUDiv
	OpSDiv
	OpURem
	OpSRem
	OpNeg

	// bitwise
	OpAnd
	OpOr
	OpXor
	OpNot
	OpShl
	OpLShr
	OpAShr

	// comparison, result is always I1
	OpEq
	OpNe
	OpULt
	OpULe
	OpUGt
	OpUGe
	OpSLt
	OpSLe
	OpSGt
	OpSGe

	// conversion
	OpTrunc
	OpZExt
	OpSExt

	// memory
	OpAlloc   // allocate AllocSize bytes, result Ptr
	OpLoad    // load a value of the result type from operand[0]
	OpStore   // store operand[1] at operand[0]
	OpStrAddr // address of string constant StrID, result Ptr
	OpStrLen  // byte length of string constant StrID, result I64

	OpCall   // call Callee with operands as arguments
	OpPhi    // merge of Incoming[i] -> operand[i]
	OpOpaque // observable sink: consumes operand[0], never eliminable

	// terminators
	OpBr          // unconditional branch to Targets[0]
	OpCondBr      // operand[0] != 0 ? Targets[0] : Targets[1]
	OpSwitch      // operand[0] keyed: CaseVals[i] -> Targets[1+i], default Targets[0]
	OpRet         // return operand[0] if present
	OpUnreachable // trap
)

var opNames = [...]string{
	OpInvalid: "invalid",
	OpAdd:     "add", OpSub: "sub", OpMul: "mul",
	OpUDiv: "udiv", OpSDiv: "sdiv", OpURem: "urem", OpSRem: "srem",
	OpNeg: "neg",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNot: "not",
	OpShl: "shl", OpLShr: "lshr", OpAShr: "ashr",
	OpEq: "eq", OpNe: "ne",
	OpULt: "ult", OpULe: "ule", OpUGt: "ugt", OpUGe: "uge",
	OpSLt: "slt", OpSLe: "sle", OpSGt: "sgt", OpSGe: "sge",
	OpTrunc: "trunc", OpZExt: "zext", OpSExt: "sext",
	OpAlloc: "alloc", OpLoad: "load", OpStore: "store",
	OpStrAddr: "straddr", OpStrLen: "strlen",
	OpCall: "call", OpPhi: "phi", OpOpaque: "opaque",
	OpBr: "br", OpCondBr: "condbr", OpSwitch: "switch",
	OpRet: "ret", OpUnreachable: "unreachable",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsTerminator reports whether op ends a basic block.
func (op Op) IsTerminator() bool {
	switch op {
	case OpBr, OpCondBr, OpSwitch, OpRet, OpUnreachable:
		return true
	}
	return false
}

// Arithmetic reports membership in the arithmetic substitution category.
func (op Op) Arithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpUDiv, OpSDiv, OpURem, OpSRem, OpNeg:
		return true
	}
	return false
}

// Bitwise reports membership in the bitwise substitution category.
func (op Op) Bitwise() bool {
	switch op {
	case OpAnd, OpOr, OpXor, OpNot, OpShl, OpLShr, OpAShr:
		return true
	}
	return false
}

// Comparison reports membership in the comparison substitution category.
func (op Op) Comparison() bool {
	switch op {
	case OpEq, OpNe, OpULt, OpULe, OpUGt, OpUGe, OpSLt, OpSLe, OpSGt, OpSGe:
		return true
	}
	return false
}

// Instr is a tagged variant over the opcode kinds. It produces at most one
// typed SSA value; operands reference other values by identity, never by
// copy, which keeps the def-use edges exact.
type Instr struct {
	op       Op
	operands []*Value
	result   *Value
	block    *Block
	idx      int // index within the owning block, set on insert

	// aux payload, meaningful per opcode
	allocSize int
	strID     int
	callee    string
	incoming  []*Block       // OpPhi: parallel to operands
	targets   []*Block       // terminators
	caseVals  []*uint256.Int // OpSwitch: parallel to targets[1:]
}

func (in *Instr) Op() Op {
	if in == nil {
		return OpInvalid
	}
	return in.op
}

func (in *Instr) Block() *Block  { return in.block }
func (in *Instr) Index() int     { return in.idx }
func (in *Instr) Result() *Value { return in.result }
func (in *Instr) AllocSize() int { return in.allocSize }
func (in *Instr) StrID() int     { return in.strID }
func (in *Instr) Callee() string { return in.callee }

// Operands returns the live operand slice; callers must not mutate it.
func (in *Instr) Operands() []*Value { return in.operands }

// Operand returns the i-th operand or nil when out of range.
func (in *Instr) Operand(i int) *Value {
	if in == nil || i < 0 || i >= len(in.operands) {
		return nil
	}
	return in.operands[i]
}

// Targets returns the live successor slice for terminators.
func (in *Instr) Targets() []*Block { return in.targets }

// Incoming returns the phi's predecessor blocks, parallel to Operands.
func (in *Instr) Incoming() []*Block { return in.incoming }

// CaseVals returns the switch case constants, parallel to Targets()[1:].
func (in *Instr) CaseVals() []*uint256.Int { return in.caseVals }

// setOperand rewires the i-th operand and maintains both use lists.
func (in *Instr) setOperand(i int, v *Value) {
	old := in.operands[i]
	if old == v {
		return
	}
	if old != nil {
		old.removeUse(in)
	}
	in.operands[i] = v
	if v != nil {
		v.addUse(in)
	}
}

// detachUses removes this instruction from the use lists of its operands.
// Called when the instruction is removed from its block.
func (in *Instr) detachUses() {
	for _, v := range in.operands {
		if v != nil {
			v.removeUse(in)
		}
	}
}

// ReplaceTarget swaps every occurrence of old in the terminator's target
// list for new. It does not touch CFG edge caches; callers recompute edges.
func (in *Instr) ReplaceTarget(old, new *Block) {
	for i, t := range in.targets {
		if t == old {
			in.targets[i] = new
		}
	}
}

// PhiIncomingFor returns the value flowing in from pred, or nil.
func (in *Instr) PhiIncomingFor(pred *Block) *Value {
	if in.op != OpPhi {
		return nil
	}
	for i, b := range in.incoming {
		if b == pred {
			return in.operands[i]
		}
	}
	return nil
}

// ReplacePhiPred renames a phi's incoming edge from old to new.
func (in *Instr) ReplacePhiPred(old, new *Block) {
	for i, b := range in.incoming {
		if b == old {
			in.incoming[i] = new
		}
	}
}

func (in *Instr) String() string {
	if in == nil {
		return "<nil>"
	}
	var sb strings.Builder
	if in.result != nil {
		fmt.Fprintf(&sb, "%s = ", in.result)
	}
	sb.WriteString(in.op.String())
	switch in.op {
	case OpAlloc:
		fmt.Fprintf(&sb, " %d", in.allocSize)
	case OpStrAddr, OpStrLen:
		fmt.Fprintf(&sb, " str%d", in.strID)
	case OpCall:
		fmt.Fprintf(&sb, " @%s", in.callee)
	}
	for i, v := range in.operands {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
		if in.op == OpPhi && i < len(in.incoming) && in.incoming[i] != nil {
			fmt.Fprintf(&sb, " [%s]", in.incoming[i].name)
		}
	}
	for i, t := range in.targets {
		if i == 0 {
			sb.WriteString(" -> ")
		} else {
			sb.WriteString(", ")
		}
		if in.op == OpSwitch && i > 0 {
			fmt.Fprintf(&sb, "%s:", in.caseVals[i-1].Dec())
		}
		sb.WriteString(t.name)
	}
	return sb.String()
}
