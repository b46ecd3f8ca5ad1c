package passes

import (
	crand "crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"math/rand"
	"path"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20"

	"github.com/matrixbytes/Obfussor/config"
	"github.com/matrixbytes/Obfussor/ir"
)

// Context carries everything a pass needs: the module under transformation,
// the resolved configuration, the logger, and the seeded random streams.
// One context lives exactly as long as one pipeline run.
//
// Randomness is derived, never shared: every pass/function pair gets its own
// stream keyed by a label, so parallel function transforms stay reproducible
// regardless of scheduling order.
type Context struct {
	Mod *ir.Module
	Cfg *config.Config
	Log *zap.Logger

	seed uint64
	key  [chacha20.KeySize]byte

	mu         sync.Mutex
	doms       map[*ir.Function]*ir.DomTree
	baseInstrs int
	baseData   int
	reserved   int
}

// NewContext resolves the seed (drawing a fresh one when the configuration
// leaves it unset) and snapshots the module's size as the growth baseline.
func NewContext(mod *ir.Module, cfg *config.Config, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	cx := &Context{
		Mod:  mod,
		Cfg:  cfg,
		Log:  log,
		doms: make(map[*ir.Function]*ir.DomTree),
	}
	if cfg.Seed != nil {
		cx.seed = *cfg.Seed
	} else {
		var b [8]byte
		if _, err := crand.Read(b[:]); err == nil {
			cx.seed = binary.LittleEndian.Uint64(b[:])
		}
	}
	for i := 0; i < len(cx.key); i += 8 {
		binary.LittleEndian.PutUint64(cx.key[i:], cx.seed+uint64(i))
	}
	cx.baseInstrs = moduleInstrs(mod)
	cx.baseData = mod.DataSize()
	return cx
}

// Seed returns the seed in effect for this run.
func (cx *Context) Seed() uint64 { return cx.seed }

// DeriveBytes expands the run seed into n bytes keyed by label. Distinct
// labels give independent streams; the same (seed, label) always gives the
// same bytes.
func (cx *Context) DeriveBytes(label string, n int) []byte {
	var nonce [chacha20.NonceSize]byte
	h := fnv.New64a()
	h.Write([]byte(label))
	binary.LittleEndian.PutUint64(nonce[:], h.Sum64())
	c, err := chacha20.NewUnauthenticatedCipher(cx.key[:], nonce[:])
	if err != nil {
		// key and nonce sizes are fixed above
		panic(err)
	}
	out := make([]byte, n)
	c.XORKeyStream(out, out)
	return out
}

// Rand returns a fresh random stream keyed by label.
func (cx *Context) Rand(label string) *rand.Rand {
	b := cx.DeriveBytes(label, 8)
	return rand.New(rand.NewSource(int64(binary.LittleEndian.Uint64(b))))
}

// Dom returns the (cached) dominator tree for fn.
func (cx *Context) Dom(fn *ir.Function) *ir.DomTree {
	cx.mu.Lock()
	defer cx.mu.Unlock()
	if d, ok := cx.doms[fn]; ok {
		return d
	}
	d := ir.ComputeDom(fn)
	cx.doms[fn] = d
	return d
}

// InvalidateCFG drops cached analyses for fn and refreshes its edge lists.
// The pipeline calls it after every pass over a function; passes that rewire
// mid-flight call it themselves.
func (cx *Context) InvalidateCFG(fn *ir.Function) {
	cx.mu.Lock()
	delete(cx.doms, fn)
	cx.mu.Unlock()
	fn.RecomputeEdges()
}

// Excluded reports whether fn is off-limits for transformation passes:
// attribute-excluded, engine-generated, or filtered by the name globs.
func (cx *Context) Excluded(fn *ir.Function) bool {
	if fn.HasAttr(ir.AttrNoObfuscate) || fn.HasAttr(ir.AttrRuntime) {
		return true
	}
	name := fn.Name()
	for _, p := range cx.Cfg.Exclude {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	if len(cx.Cfg.Include) == 0 {
		return false
	}
	for _, p := range cx.Cfg.Include {
		if ok, _ := path.Match(p, name); ok {
			return false
		}
	}
	return true
}

// GrowthAllowed reserves extra estimated instructions against the size
// bound. Estimates are reserved up front rather than measured afterwards:
// passes call it before emitting, so concurrent per-function transforms
// never scan the module mid-flight.
func (cx *Context) GrowthAllowed(extra int) bool {
	if cx.Cfg.MaxSizePercent == nil {
		return true
	}
	limit := cx.baseInstrs * int(*cx.Cfg.MaxSizePercent) / 100
	cx.mu.Lock()
	defer cx.mu.Unlock()
	if cx.baseInstrs+cx.reserved+extra > limit {
		return false
	}
	cx.reserved += extra
	return true
}

// BaseInstrs returns the instruction count snapshotted at context creation.
func (cx *Context) BaseInstrs() int { return cx.baseInstrs }

// BaseData returns the data segment size snapshotted at context creation.
func (cx *Context) BaseData() int { return cx.baseData }

func moduleInstrs(m *ir.Module) int {
	n := 0
	for _, f := range m.Funcs() {
		n += f.NumInstrs()
	}
	return n
}
