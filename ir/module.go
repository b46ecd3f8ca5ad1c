package ir

import (
	"fmt"

	"github.com/holiman/uint256"
)

// StringConst is one entry in the module's global string table. Data lives
// at a stable address in the module's flat data memory; the String
// Encryption pass is the only mutator of Data after construction.
type StringConst struct {
	ID        int
	Name      string
	Data      []byte
	Addr      int
	Encrypted bool
}

// EncryptionRecord ties an encrypted string constant to its cipher and key
// material. Created when a literal is first encrypted; lives as long as the
// module does.
type EncryptionRecord struct {
	StrID      int
	Cipher     string // "xor" or "stream"
	Key        []byte
	Ciphertext []byte
}

// Module owns an ordered set of functions with unique names plus the global
// string table. Ownership is strictly hierarchical; every cross-reference
// below module level is a non-owning lookup structure.
type Module struct {
	name       string
	funcs      []*Function
	funcByName map[string]*Function
	strings    []*StringConst
	encRecords []*EncryptionRecord

	// dataSize is the high-water mark of the flat data memory: string
	// storage plus any globals allocated by passes (decrypt caches, flags).
	dataSize int
}

func NewModule(name string) *Module {
	return &Module{
		name:       name,
		funcByName: make(map[string]*Function),
	}
}

func (m *Module) Name() string          { return m.name }
func (m *Module) Funcs() []*Function    { return m.funcs }
func (m *Module) DataSize() int         { return m.dataSize }
func (m *Module) Strings() []*StringConst {
	return m.strings
}

func (m *Module) Func(name string) *Function {
	return m.funcByName[name]
}

// NewFunc creates a function with the given typed parameters.
func (m *Module) NewFunc(name string, retType Type, paramTypes ...Type) (*Function, error) {
	if _, dup := m.funcByName[name]; dup {
		return nil, fmt.Errorf("%w: duplicate function %q", ErrMalformedIR, name)
	}
	f := &Function{name: name, mod: m, retType: retType}
	for i, pt := range paramTypes {
		p := &Value{id: f.nextValID, kind: Param, typ: pt, paramIdx: i}
		f.nextValID++
		f.params = append(f.params, p)
	}
	m.funcs = append(m.funcs, f)
	m.funcByName[name] = f
	return f, nil
}

// RemoveFunc drops a function from the module. It fails closed when call
// sites to it remain anywhere in the module.
func (m *Module) RemoveFunc(name string) error {
	f := m.funcByName[name]
	if f == nil {
		return fmt.Errorf("%w: no function %q", ErrMalformedIR, name)
	}
	for _, g := range m.funcs {
		if g == f {
			continue
		}
		for _, b := range g.blocks {
			for _, in := range b.instrs {
				if in.op == OpCall && in.callee == name {
					return fmt.Errorf("%w: removing %q still called from %q", ErrMalformedIR, name, g.name)
				}
			}
		}
	}
	delete(m.funcByName, name)
	for i, g := range m.funcs {
		if g == f {
			m.funcs = append(m.funcs[:i], m.funcs[i+1:]...)
			break
		}
	}
	return nil
}

// CallCount returns the number of call instructions targeting name.
func (m *Module) CallCount(name string) int {
	n := 0
	for _, f := range m.funcs {
		for _, b := range f.blocks {
			for _, in := range b.instrs {
				if in.op == OpCall && in.callee == name {
					n++
				}
			}
		}
	}
	return n
}

// AddString interns a byte constant and assigns its data address.
func (m *Module) AddString(name string, data []byte) *StringConst {
	s := &StringConst{
		ID:   len(m.strings),
		Name: name,
		Data: append([]byte(nil), data...),
		Addr: m.dataSize,
	}
	m.strings = append(m.strings, s)
	m.dataSize += len(data)
	if len(data) == 0 {
		// empty strings still need a distinct address
		m.dataSize++
	}
	return s
}

// String returns the string-table entry for id, or nil.
func (m *Module) String(id int) *StringConst {
	if id < 0 || id >= len(m.strings) {
		return nil
	}
	return m.strings[id]
}

// AllocGlobal reserves size bytes of zero-initialized data memory and
// returns the address. Used by passes for caches and guard flags.
func (m *Module) AllocGlobal(size int) int {
	addr := m.dataSize
	m.dataSize += size
	return addr
}

// AddEncryptionRecord registers cipher material for an encrypted string.
func (m *Module) AddEncryptionRecord(r *EncryptionRecord) {
	m.encRecords = append(m.encRecords, r)
}

// EncryptionRecords returns the records in creation order.
func (m *Module) EncryptionRecords() []*EncryptionRecord { return m.encRecords }

// Clone deep-copies the module: functions, blocks, instructions, values and
// the string table. The verifier runs original and transformed modules side
// by side, and Transform never mutates its input.
func (m *Module) Clone() *Module {
	out := NewModule(m.name)
	out.dataSize = m.dataSize
	for _, s := range m.strings {
		out.strings = append(out.strings, &StringConst{
			ID:        s.ID,
			Name:      s.Name,
			Data:      append([]byte(nil), s.Data...),
			Addr:      s.Addr,
			Encrypted: s.Encrypted,
		})
	}
	for _, r := range m.encRecords {
		out.encRecords = append(out.encRecords, &EncryptionRecord{
			StrID:      r.StrID,
			Cipher:     r.Cipher,
			Key:        append([]byte(nil), r.Key...),
			Ciphertext: append([]byte(nil), r.Ciphertext...),
		})
	}
	for _, f := range m.funcs {
		out.cloneFunc(f)
	}
	return out
}

func (m *Module) cloneFunc(f *Function) {
	var paramTypes []Type
	for _, p := range f.params {
		paramTypes = append(paramTypes, p.typ)
	}
	nf, _ := m.NewFunc(f.name, f.retType, paramTypes...)
	for i, p := range f.params {
		nf.params[i].name = p.name
	}
	for a := range f.attrs {
		nf.SetAttr(a)
	}
	nf.nextValID = f.nextValID
	nf.nextBlockID = f.nextBlockID

	blockMap := make(map[*Block]*Block, len(f.blocks))
	valueMap := make(map[*Value]*Value, f.nextValID)
	for i, p := range f.params {
		valueMap[p] = nf.params[i]
	}
	for _, b := range f.blocks {
		nb := &Block{id: b.id, name: b.name, fn: nf}
		nf.blocks = append(nf.blocks, nb)
		blockMap[b] = nb
	}
	mapVal := func(v *Value) *Value {
		if v == nil {
			return nil
		}
		if nv, ok := valueMap[v]; ok {
			return nv
		}
		if v.kind == Konst {
			nv := &Value{id: v.id, kind: Konst, typ: v.typ, u: new(uint256.Int).Set(v.u)}
			valueMap[v] = nv
			return nv
		}
		// Variable defined by an instruction not yet cloned: create the
		// shell now, fill def when its instruction is cloned.
		nv := &Value{id: v.id, kind: v.kind, typ: v.typ, paramIdx: v.paramIdx, name: v.name}
		valueMap[v] = nv
		return nv
	}
	for _, b := range f.blocks {
		nb := blockMap[b]
		for _, in := range b.instrs {
			ni := &Instr{
				op:        in.op,
				block:     nb,
				idx:       in.idx,
				allocSize: in.allocSize,
				strID:     in.strID,
				callee:    in.callee,
			}
			for _, v := range in.operands {
				nv := mapVal(v)
				ni.operands = append(ni.operands, nv)
				if nv != nil {
					nv.addUse(ni)
				}
			}
			for _, t := range in.targets {
				ni.targets = append(ni.targets, blockMap[t])
			}
			for _, ib := range in.incoming {
				ni.incoming = append(ni.incoming, blockMap[ib])
			}
			for _, cv := range in.caseVals {
				ni.caseVals = append(ni.caseVals, new(uint256.Int).Set(cv))
			}
			if in.result != nil {
				nr := mapVal(in.result)
				nr.def = ni
				ni.result = nr
			}
			nb.instrs = append(nb.instrs, ni)
		}
	}
	nf.RecomputeEdges()
}
