package passes

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/matrixbytes/Obfussor/ir"
)

// StringPass encrypts string constants in place and reroutes every address
// reference through a generated decrypt thunk. The thunk decrypts into a
// module-global cache guarded by a flag, so repeated references pay the
// loop only once; with secure erase on, a wipe helper zeroes the cache and
// flag before each return of the functions that used the string.
//
// The decrypt and wipe routines are ordinary IR functions carrying the
// runtime attribute, which keeps later passes (and a second run of this
// one) away from them.
type StringPass struct{}

func (*StringPass) Name() string { return "strings" }

// runtimePrefix names engine-generated support material: decrypt thunks,
// wipe helpers, and embedded key bytes. Strings under it are never
// encrypted.
const runtimePrefix = "obf."

const (
	cipherXOR    = "xor"
	cipherStream = "stream"
)

func (p *StringPass) RunModule(cx *Context) (Stats, error) {
	var st Stats
	scfg := cx.Cfg.Strings
	cipher := scfg.Cipher
	if cipher == "" {
		cipher = cipherXOR
	}

	targets := p.selectTargets(cx, &st)
	for _, s := range targets {
		if !cx.GrowthAllowed(64) {
			st.Warnf("size budget reached before str%d", s.ID)
			break
		}
		key, err := p.keyFor(cx, s.ID, cipher)
		if err != nil {
			return st, wrap(KindPassFailure, p.Name(), "", err)
		}
		if err := p.encryptOne(cx, s, cipher, key, &st); err != nil {
			return st, err
		}
		st.Strings++
	}
	cx.Log.Info("strings encrypted", zap.Int("count", st.Strings), zap.String("cipher", cipher))
	return st, nil
}

// selectTargets applies the length floor and the name globs. Exclusion
// wins; an empty include list means everything.
func (p *StringPass) selectTargets(cx *Context, st *Stats) []*ir.StringConst {
	scfg := cx.Cfg.Strings
	var out []*ir.StringConst
	for _, s := range cx.Mod.Strings() {
		if s.Encrypted || len(s.Data) == 0 {
			continue
		}
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("str%d", s.ID)
		}
		if strings.HasPrefix(name, runtimePrefix) {
			continue
		}
		if len(s.Data) < scfg.MinLength {
			continue
		}
		excluded := false
		for _, pat := range scfg.Exclude {
			if ok, _ := path.Match(pat, name); ok {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		if len(scfg.Include) > 0 {
			matched := false
			for _, pat := range scfg.Include {
				if ok, _ := path.Match(pat, name); ok {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func (p *StringPass) keyFor(cx *Context, strID int, cipher string) ([]byte, error) {
	scfg := cx.Cfg.Strings
	n := scfg.KeyLength
	if n <= 0 {
		n = 8
	}
	if cipher == cipherStream {
		// the stream cipher consumes exactly one 64-bit seed
		n = 8
	}
	switch scfg.KeyMode {
	case "fixed":
		key, err := hex.DecodeString(scfg.FixedKeyHex)
		if err != nil || len(key) == 0 {
			return nil, fmt.Errorf("bad fixed key: %q", scfg.FixedKeyHex)
		}
		return key, nil
	default: // "random" and "derived" both draw from the run's streams
		return cx.DeriveBytes(fmt.Sprintf("strkey/%d", strID), n), nil
	}
}

func (p *StringPass) encryptOne(cx *Context, s *ir.StringConst, cipher string, key []byte, st *Stats) error {
	m := cx.Mod
	plain := append([]byte(nil), s.Data...)
	ct := make([]byte, len(plain))
	switch cipher {
	case cipherXOR:
		for i, b := range plain {
			ct[i] = b ^ key[i%len(key)]
		}
	case cipherStream:
		state := streamSeed(key)
		for i, b := range plain {
			state = streamNext(state)
			ct[i] = b ^ byte(state)
		}
	default:
		return Errf(KindPassFailure, p.Name(), "", "unknown cipher %q", cipher)
	}
	copy(s.Data, ct)
	s.Encrypted = true
	m.AddEncryptionRecord(&ir.EncryptionRecord{
		StrID:      s.ID,
		Cipher:     cipher,
		Key:        append([]byte(nil), key...),
		Ciphertext: append([]byte(nil), ct...),
	})

	cacheAddr := m.AllocGlobal(len(ct))
	flagAddr := m.AllocGlobal(1)

	var keyStr *ir.StringConst
	if cipher == cipherXOR {
		keyStr = m.AddString(fmt.Sprintf("obf.key%d", s.ID), key)
	}

	bodyName := fmt.Sprintf("obf.dec%d.fill", s.ID)
	thunkName := fmt.Sprintf("obf.dec%d", s.ID)
	if err := p.buildDecryptBody(cx, bodyName, s, cipher, key, keyStr, cacheAddr, flagAddr); err != nil {
		return err
	}
	if err := p.buildThunk(cx, thunkName, bodyName, cacheAddr, flagAddr); err != nil {
		return err
	}

	users := p.rerouteUses(cx, s.ID, thunkName, st)

	if cx.Cfg.Strings.SecureErase && len(users) > 0 {
		wipeName := fmt.Sprintf("obf.wipe%d", s.ID)
		if err := p.buildWipe(cx, wipeName, len(ct), cacheAddr, flagAddr); err != nil {
			return err
		}
		for _, fn := range users {
			for _, b := range fn.Blocks() {
				if t := b.Terminator(); t.Op() == ir.OpRet {
					ir.Before(t).NewCall(wipeName, ir.Void)
					st.Instrs++
				}
			}
		}
	}
	return nil
}

// buildDecryptBody emits the per-string fill routine: a byte loop that
// reads ciphertext from the string's data, applies the keystream, and
// writes plaintext into the cache, then raises the guard flag.
func (p *StringPass) buildDecryptBody(cx *Context, name string, s *ir.StringConst,
	cipher string, key []byte, keyStr *ir.StringConst, cacheAddr, flagAddr int) error {

	fn, err := cx.Mod.NewFunc(name, ir.Void)
	if err != nil {
		return wrap(KindPassFailure, p.Name(), name, err)
	}
	fn.SetAttr(ir.AttrRuntime)

	entry := fn.NewBlock("entry")
	loop := fn.NewBlock("loop")
	done := fn.NewBlock("done")

	length := fn.ConstInt(ir.I64, uint64(len(s.Data)))
	zero64 := fn.ConstInt(ir.I64, 0)
	if err := entry.NewBr(loop); err != nil {
		return err
	}

	// i = phi [0, entry] [i+1, loop]; backedge patched once i+1 exists
	iPhi := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{zero64, zero64})
	var stPhi *ir.Value
	if cipher == cipherStream {
		seed := fn.ConstInt(ir.I64, streamSeed(key))
		stPhi = loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{seed, seed})
	}

	src := loop.NewStrAddr(s.ID)
	cAddr := loop.NewBinOp(ir.OpAdd, src, iPhi)
	ctByte := loop.NewLoad(ir.I8, cAddr)

	var keyByte *ir.Value
	var stNext *ir.Value
	switch cipher {
	case cipherXOR:
		kBase := loop.NewStrAddr(keyStr.ID)
		kIdx := loop.NewBinOp(ir.OpURem, iPhi, fn.ConstInt(ir.I64, uint64(len(key))))
		kAddr := loop.NewBinOp(ir.OpAdd, kBase, kIdx)
		keyByte = loop.NewLoad(ir.I8, kAddr)
	case cipherStream:
		// xorshift64: s ^= s<<13; s ^= s>>7; s ^= s<<17
		s1 := loop.NewBinOp(ir.OpShl, stPhi, fn.ConstInt(ir.I64, 13))
		x1 := loop.NewBinOp(ir.OpXor, stPhi, s1)
		s2 := loop.NewBinOp(ir.OpLShr, x1, fn.ConstInt(ir.I64, 7))
		x2 := loop.NewBinOp(ir.OpXor, x1, s2)
		s3 := loop.NewBinOp(ir.OpShl, x2, fn.ConstInt(ir.I64, 17))
		stNext = loop.NewBinOp(ir.OpXor, x2, s3)
		keyByte = loop.NewConvert(ir.OpTrunc, stNext, ir.I8)
	}

	ptByte := loop.NewBinOp(ir.OpXor, ctByte, keyByte)
	dstAddr := loop.NewBinOp(ir.OpAdd, fn.ConstInt(ir.Ptr, uint64(cacheAddr)), iPhi)
	loop.NewStore(dstAddr, ptByte)

	iNext := loop.NewBinOp(ir.OpAdd, iPhi, fn.ConstInt(ir.I64, 1))
	iPhi.Def().SetPhiValue(loop, iNext)
	if stPhi != nil {
		stPhi.Def().SetPhiValue(loop, stNext)
	}
	more := loop.NewCmp(ir.OpULt, iNext, length)
	if err := loop.NewCondBr(more, loop, done); err != nil {
		return err
	}

	done.NewStore(fn.ConstInt(ir.Ptr, uint64(flagAddr)), fn.ConstInt(ir.I8, 1))
	return done.NewRet(nil)
}

// buildThunk emits the guarded accessor: fill the cache if the flag is
// down, then return the cache address.
func (p *StringPass) buildThunk(cx *Context, name, bodyName string, cacheAddr, flagAddr int) error {
	fn, err := cx.Mod.NewFunc(name, ir.Ptr)
	if err != nil {
		return wrap(KindPassFailure, p.Name(), name, err)
	}
	fn.SetAttr(ir.AttrRuntime)

	entry := fn.NewBlock("entry")
	fill := fn.NewBlock("fill")
	out := fn.NewBlock("out")

	flag := entry.NewLoad(ir.I8, fn.ConstInt(ir.Ptr, uint64(flagAddr)))
	cold := entry.NewCmp(ir.OpEq, flag, fn.ConstInt(ir.I8, 0))
	if err := entry.NewCondBr(cold, fill, out); err != nil {
		return err
	}
	fill.NewCall(bodyName, ir.Void)
	if err := fill.NewBr(out); err != nil {
		return err
	}
	return out.NewRet(fn.ConstInt(ir.Ptr, uint64(cacheAddr)))
}

// buildWipe emits the secure-erase helper: zero the cache bytes and drop
// the guard flag.
func (p *StringPass) buildWipe(cx *Context, name string, length, cacheAddr, flagAddr int) error {
	fn, err := cx.Mod.NewFunc(name, ir.Void)
	if err != nil {
		return wrap(KindPassFailure, p.Name(), name, err)
	}
	fn.SetAttr(ir.AttrRuntime)

	entry := fn.NewBlock("entry")
	loop := fn.NewBlock("loop")
	done := fn.NewBlock("done")

	zero64 := fn.ConstInt(ir.I64, 0)
	if err := entry.NewBr(loop); err != nil {
		return err
	}
	iPhi := loop.NewPhi(ir.I64, []*ir.Block{entry, loop}, []*ir.Value{zero64, zero64})
	addr := loop.NewBinOp(ir.OpAdd, fn.ConstInt(ir.Ptr, uint64(cacheAddr)), iPhi)
	loop.NewStore(addr, fn.ConstInt(ir.I8, 0))
	iNext := loop.NewBinOp(ir.OpAdd, iPhi, fn.ConstInt(ir.I64, 1))
	iPhi.Def().SetPhiValue(loop, iNext)
	more := loop.NewCmp(ir.OpULt, iNext, fn.ConstInt(ir.I64, uint64(length)))
	if err := loop.NewCondBr(more, loop, done); err != nil {
		return err
	}
	done.NewStore(fn.ConstInt(ir.Ptr, uint64(flagAddr)), fn.ConstInt(ir.I8, 0))
	return done.NewRet(nil)
}

// rerouteUses swaps every straddr of the string for a call to the thunk and
// returns the functions that referenced it.
func (p *StringPass) rerouteUses(cx *Context, strID int, thunkName string, st *Stats) []*ir.Function {
	var users []*ir.Function
	for _, fn := range cx.Mod.Funcs() {
		if fn.HasAttr(ir.AttrRuntime) {
			continue
		}
		touched := false
		for _, b := range fn.Blocks() {
			for _, in := range append([]*ir.Instr(nil), b.Instrs()...) {
				if in.Op() != ir.OpStrAddr || in.StrID() != strID {
					continue
				}
				nv := ir.Before(in).NewCall(thunkName, ir.Ptr)
				ir.ReplaceAllUses(in.Result(), nv)
				// uses are rewired; removal cannot fail
				_ = b.RemoveInstr(in)
				touched = true
				st.Instrs++
			}
		}
		if touched {
			users = append(users, fn)
			cx.InvalidateCFG(fn)
		}
	}
	return users
}

// streamSeed folds the key bytes into a nonzero 64-bit xorshift seed.
func streamSeed(key []byte) uint64 {
	var s uint64
	for i, b := range key {
		s |= uint64(b) << (8 * (i % 8))
		if i%8 == 7 {
			s = streamNext(s)
		}
	}
	if s == 0 {
		s = 0x9e3779b97f4a7c15
	}
	return s
}

// streamNext advances the xorshift64 state; the low byte is the keystream.
// The decrypt routines emitted into the IR compute exactly this.
func streamNext(s uint64) uint64 {
	s ^= s << 13
	s ^= s >> 7
	s ^= s << 17
	return s
}
