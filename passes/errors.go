package passes

import "fmt"

// ErrorKind classifies transformation failures. Callers branch on the kind
// to decide between skipping a function and aborting the whole run.
type ErrorKind uint8

const (
	// KindMalformedIR means the input (or an intermediate state) failed
	// structural verification.
	KindMalformedIR ErrorKind = iota + 1
	// KindStateCollision means flattening exhausted its retry budget
	// without finding distinct dispatch states.
	KindStateCollision
	// KindUnsupportedConstruct means a pass met an instruction it has no
	// rule for while the policy demands aborting.
	KindUnsupportedConstruct
	// KindPassFailure covers pass-internal failures, size budget included.
	KindPassFailure
	// KindVerificationFailure means the transformed module no longer
	// matches the original's behavior.
	KindVerificationFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedIR:
		return "malformed IR"
	case KindStateCollision:
		return "state collision"
	case KindUnsupportedConstruct:
		return "unsupported construct"
	case KindPassFailure:
		return "pass failure"
	case KindVerificationFailure:
		return "verification failure"
	default:
		return fmt.Sprintf("error kind %d", uint8(k))
	}
}

// TransformError carries the failing pass and function alongside the kind,
// so a multi-pass, multi-function run always points at the offender.
type TransformError struct {
	Kind     ErrorKind
	Pass     string
	Function string
	Err      error
}

func (e *TransformError) Error() string {
	where := e.Pass
	if e.Function != "" {
		where += "/" + e.Function
	}
	return fmt.Sprintf("%s: %s: %v", where, e.Kind, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Errf builds a TransformError in one line.
func Errf(kind ErrorKind, pass, fn, format string, args ...any) *TransformError {
	return &TransformError{Kind: kind, Pass: pass, Function: fn, Err: fmt.Errorf(format, args...)}
}

// wrap attributes an arbitrary error to a pass, preserving an existing
// TransformError untouched.
func wrap(kind ErrorKind, pass, fn string, err error) error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*TransformError); ok {
		return te
	}
	return &TransformError{Kind: kind, Pass: pass, Function: fn, Err: err}
}
