// Package config defines the transform configuration document. The engine
// treats a Config as read-only input resolved before the pipeline starts;
// it never persists or mutates one.
package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Intensity selects a preset mapping onto the technique toggles.
type Intensity string

const (
	// IntensityLow enables minimal obfuscation with negligible impact.
	IntensityLow Intensity = "low"
	// IntensityMedium is the balanced default.
	IntensityMedium Intensity = "medium"
	// IntensityHigh enables every technique.
	IntensityHigh Intensity = "high"
	// IntensityCustom keeps the technique toggles exactly as written.
	IntensityCustom Intensity = "custom"
)

// Techniques toggles each obfuscation technique individually.
type Techniques struct {
	ControlFlowFlattening   bool `json:"controlFlowFlattening"`
	StringEncryption        bool `json:"stringEncryption"`
	BogusCodeInjection      bool `json:"bogusCodeInjection"`
	InstructionSubstitution bool `json:"instructionSubstitution"`
	FunctionManipulation    bool `json:"functionManipulation"`
	OpaquePredicates        bool `json:"opaquePredicates"`
}

func defaultTechniques() Techniques {
	return Techniques{
		ControlFlowFlattening:   true,
		StringEncryption:        true,
		BogusCodeInjection:      true,
		InstructionSubstitution: true,
		FunctionManipulation:    false,
		OpaquePredicates:        true,
	}
}

func minimalTechniques() Techniques {
	return Techniques{StringEncryption: true}
}

func allTechniques() Techniques {
	return Techniques{
		ControlFlowFlattening:   true,
		StringEncryption:        true,
		BogusCodeInjection:      true,
		InstructionSubstitution: true,
		FunctionManipulation:    true,
		OpaquePredicates:        true,
	}
}

// Any reports whether at least one technique is enabled.
func (t Techniques) Any() bool {
	return t.ControlFlowFlattening || t.StringEncryption || t.BogusCodeInjection ||
		t.InstructionSubstitution || t.FunctionManipulation || t.OpaquePredicates
}

// Flattening options for the control-flow flattening pass.
type Flattening struct {
	// PreserveEntry keeps the original entry block out of the dispatcher
	// (only the state-init prologue precedes it).
	PreserveEntry bool `json:"preserveEntry"`
	// MaxStateRetries bounds regeneration attempts on state collisions.
	MaxStateRetries int `json:"maxStateRetries"`
}

// Strings options for the string encryption pass.
type Strings struct {
	// Cipher is "xor" (repeating key) or "stream".
	Cipher string `json:"cipher"`
	// KeyMode is "random", "derived" (from the seed) or "fixed".
	KeyMode string `json:"keyMode"`
	// FixedKeyHex is the key for KeyMode "fixed".
	FixedKeyHex string `json:"fixedKeyHex,omitempty"`
	// MinLength skips literals shorter than this many bytes.
	MinLength int `json:"minLength"`
	// KeyLength is the generated key size for the xor cipher.
	KeyLength int `json:"keyLength"`
	// SecureErase wipes decrypt caches before function returns.
	SecureErase bool `json:"secureErase"`
	// Include/Exclude are glob patterns over string constant names.
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Bogus options for the bogus code injection pass.
type Bogus struct {
	// Density is the per-block injection probability in [0,1].
	Density float64 `json:"density"`
	// Tier selects decoy complexity (1..3).
	Tier int `json:"tier"`
	// MaxPerFunction caps injections per function.
	MaxPerFunction int `json:"maxPerFunction"`
}

// Substitution options for the MBA instruction substitution pass.
type Substitution struct {
	// Depth is the recursive rewrite depth (1..5).
	Depth int `json:"depth"`
	// Categories selects "arithmetic", "bitwise", "comparison".
	Categories []string `json:"categories"`
	// MaxInstrsPerFunction refuses to substitute in functions already
	// larger than this, to bound exponential growth. 0 means unlimited.
	MaxInstrsPerFunction int `json:"maxInstrsPerFunction"`
}

// Functions options for the inlining/outlining pass.
type Functions struct {
	// InlineMaxInstrs is the callee size ceiling for inlining.
	InlineMaxInstrs int `json:"inlineMaxInstrs"`
	// InlineMaxCallSites is the call-count ceiling for inlining.
	InlineMaxCallSites int `json:"inlineMaxCallSites"`
	// OutlineMinInstrs outlines regions at least this large; 0 disables.
	OutlineMinInstrs int `json:"outlineMinInstrs"`
}

// Config is the whole transform configuration document.
type Config struct {
	Intensity  Intensity  `json:"intensity"`
	Techniques Techniques `json:"techniques"`

	// Seed fixes the random stream for reproducible output; nil draws a
	// fresh seed per run.
	Seed *uint64 `json:"seed,omitempty"`

	// Exclude/Include are glob patterns over function names. Exclusion
	// wins; an empty include list means "everything".
	Exclude []string `json:"exclude,omitempty"`
	Include []string `json:"include,omitempty"`

	// MaxSizePercent bounds module growth relative to the input
	// (100 = no growth allowed, 300 = up to 3x). nil means unbounded.
	MaxSizePercent *uint32 `json:"maxSizePercent,omitempty"`

	// OnUnsupported is "skip" (leave the instruction untouched, warn) or
	// "abort".
	OnUnsupported string `json:"onUnsupported"`

	// GenerateReport toggles per-pass statistics collection.
	GenerateReport bool `json:"generateReport"`

	// VerifySamples is the number of behavioral sample runs per function
	// after the pipeline; 0 disables behavioral checking (structural
	// verification always runs).
	VerifySamples int `json:"verifySamples"`
	// VerifyEachPass re-verifies structure after every pass instead of
	// once at the end, attributing failures to the offending pass.
	VerifyEachPass bool `json:"verifyEachPass"`

	// Workers bounds parallel per-function transformation; 0 means one
	// worker per CPU.
	Workers int `json:"workers,omitempty"`

	Flattening   Flattening   `json:"flattening"`
	Strings      Strings      `json:"strings"`
	Bogus        Bogus        `json:"bogus"`
	Substitution Substitution `json:"substitution"`
	Functions    Functions    `json:"functions"`
}

// Default returns the medium-intensity configuration.
func Default() *Config {
	max := uint32(150)
	return &Config{
		Intensity:      IntensityMedium,
		Techniques:     defaultTechniques(),
		MaxSizePercent: &max,
		OnUnsupported:  "skip",
		GenerateReport: true,
		VerifySamples:  8,
		Flattening:     Flattening{MaxStateRetries: 16},
		Strings: Strings{
			Cipher:    "xor",
			KeyMode:   "random",
			MinLength: 4,
			KeyLength: 8,
		},
		Bogus:        Bogus{Density: 0.3, Tier: 2, MaxPerFunction: 8},
		Substitution: Substitution{Depth: 2, Categories: []string{"arithmetic", "bitwise"}},
		Functions:    Functions{InlineMaxInstrs: 16, InlineMaxCallSites: 4, OutlineMinInstrs: 24},
	}
}

// ApplyIntensity maps the preset tiers onto the technique toggles. Custom
// keeps the toggles as configured.
func (c *Config) ApplyIntensity() {
	switch c.Intensity {
	case IntensityLow:
		c.Techniques = minimalTechniques()
	case IntensityMedium:
		c.Techniques = defaultTechniques()
	case IntensityHigh:
		c.Techniques = allTechniques()
	case IntensityCustom:
		// keep as written
	}
}

// Validate checks the document for internal consistency.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch c.Intensity {
	case IntensityLow, IntensityMedium, IntensityHigh, IntensityCustom:
	default:
		return fail("unknown intensity %q", c.Intensity)
	}
	if c.MaxSizePercent != nil && *c.MaxSizePercent < 100 {
		return fail("maxSizePercent must be at least 100, got %d", *c.MaxSizePercent)
	}
	if c.Intensity == IntensityCustom && !c.Techniques.Any() {
		return fail("custom intensity with every technique disabled")
	}
	switch c.OnUnsupported {
	case "", "skip", "abort":
	default:
		return fail("onUnsupported must be \"skip\" or \"abort\", got %q", c.OnUnsupported)
	}
	if c.Substitution.Depth < 0 || c.Substitution.Depth > 5 {
		return fail("substitution depth must be within 0..5, got %d", c.Substitution.Depth)
	}
	for _, cat := range c.Substitution.Categories {
		switch cat {
		case "arithmetic", "bitwise", "comparison":
		default:
			return fail("unknown substitution category %q", cat)
		}
	}
	if c.Bogus.Density < 0 || c.Bogus.Density > 1 {
		return fail("bogus density must be within [0,1], got %g", c.Bogus.Density)
	}
	switch c.Strings.Cipher {
	case "", "xor", "stream":
	default:
		return fail("unknown cipher %q", c.Strings.Cipher)
	}
	switch c.Strings.KeyMode {
	case "", "random", "derived", "fixed":
	default:
		return fail("unknown key mode %q", c.Strings.KeyMode)
	}
	if c.Strings.KeyMode == "fixed" && c.Strings.FixedKeyHex == "" {
		return fail("fixed key mode requires fixedKeyHex")
	}
	return nil
}

// Load reads a YAML or JSON configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
