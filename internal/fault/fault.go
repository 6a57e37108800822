// Package fault defines the Event Virtual Machine's fault taxonomy: a
// bitmask of outcome codes shared by every pipeline stage, plus the
// policy that decides whether a given fault is returned as a value,
// thrown as a Go error, and at what log level it is recorded.
package fault

import "fmt"

// Code is a bitmask over the fixed set of EVM fault kinds. Eval opts
// carry masks of Code values (nothrows, errorlog, warnlog) to decide how
// a given fault surfaces; see Policy below.
type Code uint32

const (
	ACCEPT    Code = 0
	EXISTS    Code = 0x01
	GENERAL   Code = 0x02
	INVALID   Code = 0x04
	AUTH      Code = 0x08
	STATE     Code = 0x10
	EVENT     Code = 0x20
	INTERRUPT Code = 0x40
)

// All is the full fault mask, used to build "everything except EXISTS"
// style masks for the default errorlog/warnlog policy.
const All = EXISTS | GENERAL | INVALID | AUTH | STATE | EVENT | INTERRUPT

func (c Code) String() string {
	switch c {
	case ACCEPT:
		return "ACCEPT"
	case EXISTS:
		return "EXISTS"
	case GENERAL:
		return "GENERAL"
	case INVALID:
		return "INVALID"
	case AUTH:
		return "AUTH"
	case STATE:
		return "STATE"
	case EVENT:
		return "EVENT"
	case INTERRUPT:
		return "INTERRUPT"
	default:
		return fmt.Sprintf("Code(0x%02x)", uint32(c))
	}
}

// Has reports whether mask contains code. A zero code (ACCEPT) is never
// "in" any mask — only a handler-raised, non-accept fault is tested.
func Has(mask, code Code) bool {
	return code != ACCEPT && mask&code != 0
}

// CodeByName resolves a fault code by its lowercase name, for
// configuration surfaces that name policy masks as string lists
// (e.g. config.FaultConfig) rather than bitmasks.
func CodeByName(name string) (Code, bool) {
	switch name {
	case "exists":
		return EXISTS, true
	case "general":
		return GENERAL, true
	case "invalid":
		return INVALID, true
	case "auth":
		return AUTH, true
	case "state":
		return STATE, true
	case "event":
		return EVENT, true
	case "interrupt":
		return INTERRUPT, true
	default:
		return ACCEPT, false
	}
}

// MaskByNames ORs together the codes named in names, skipping unknown
// names rather than failing, since a policy mask is best-effort
// configuration, not a strict schema.
func MaskByNames(names []string) Code {
	var mask Code
	for _, n := range names {
		if code, ok := CodeByName(n); ok {
			mask |= code
		}
	}
	return mask
}

// Error is the typed error every pipeline stage and hook handler returns
// to signal a fault. A handler may return a plain error instead; the
// pipeline maps it to GENERAL (or INTERRUPT for a cancellation) per
// spec.md §4.H.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the fault code carried by err. Any *Error yields its
// own code; a context-cancellation error maps to INTERRUPT; any other
// non-nil error maps to GENERAL; a nil error is ACCEPT.
func CodeOf(err error) Code {
	if err == nil {
		return ACCEPT
	}
	var fe *Error
	if asFault(err, &fe) {
		return fe.Code
	}
	if isCancellation(err) {
		return INTERRUPT
	}
	return GENERAL
}

// asFault is a small errors.As shim kept local so this file has a single
// import (fmt) for the common case; pipeline code that needs the full
// errors.As chain uses errors.As directly against *fault.Error.
func asFault(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isCancellation(err error) bool {
	type canceler interface{ Canceled() bool }
	if c, ok := err.(canceler); ok {
		return c.Canceled()
	}
	return err.Error() == "context canceled" || err.Error() == "context deadline exceeded"
}

// Policy is the per-Eval mask triple from spec.md §4.H.
type Policy struct {
	// NoThrows is the set of faults returned as values rather than raised.
	NoThrows Code
	// ErrorLog is the set of faults logged at error level.
	ErrorLog Code
	// WarnLog is the set of faults logged at warning level.
	WarnLog Code
}

// DefaultPolicy matches spec.md §4.H's stated defaults: EXISTS is the
// only fault that doesn't throw, and is logged at warning rather than
// error level.
func DefaultPolicy() Policy {
	return Policy{
		NoThrows: EXISTS,
		ErrorLog: All &^ EXISTS,
		WarnLog:  EXISTS,
	}
}

// Throws reports whether code should be raised as an error under p,
// rather than returned silently as a value.
func (p Policy) Throws(code Code) bool {
	return !Has(p.NoThrows, code)
}

// LogLevel describes which level (if any) a fault should be logged at.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogWarn
	LogError
)

func (p Policy) LevelFor(code Code) LogLevel {
	if Has(p.ErrorLog, code) {
		return LogError
	}
	if Has(p.WarnLog, code) {
		return LogWarn
	}
	return LogNone
}

// HTTPStatus is the pure mapping from spec.md §7: each fault carries a
// canonical HTTP status for user-visible surfaces. The EVM core never
// emits HTTP responses itself — this function exists so that the
// federation/client resource handlers (out of scope here) have a single
// place to translate a fault.Code without duplicating the table.
func HTTPStatus(code Code) int {
	switch code {
	case ACCEPT:
		return 200
	case EXISTS:
		return 409
	case INVALID:
		return 400
	case AUTH:
		return 403
	case STATE, EVENT:
		return 404
	case INTERRUPT:
		return 503
	case GENERAL:
		return 500
	default:
		return 500
	}
}

// Retried reports whether a caller is expected to retry on this fault
// (spec.md §7's "Retried" column). STATE and EVENT are retried by the
// fetch-hook caller; the EVM core itself never retries.
func Retried(code Code) bool {
	return code == STATE || code == EVENT
}

// FatalToEval reports whether a fault removes its Eval from further
// processing (all faults except ACCEPT and EXISTS, which both allow a
// caller loop to continue as if the event were already accepted).
func FatalToEval(code Code) bool {
	return code != ACCEPT && code != EXISTS
}
