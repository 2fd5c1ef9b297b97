// Package diagnostics implements the typed error kinds of spec section
// 7, built on github.com/pkg/errors the same way the teacher wraps
// every fallible call site, and the panic-to-PluginError conversion
// that keeps a plugin's bug from crossing a runner boundary as a raw
// panic (the teacher's Pipeline.Run never lets a Consume() panic
// escape uncaught either; see the recover in RunWithRecover below).
package diagnostics

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which of spec section 7's error conditions a
// Diagnostic represents.
type Kind string

const (
	EntryMissing          Kind = "entry_missing"
	ModuleNotFound        Kind = "module_not_found"
	FileNotFound          Kind = "file_not_found"
	ModuleEntryNotFound   Kind = "module_entry_not_found"
	ModuleSubpathNotFound Kind = "module_subpath_not_found"
	InvalidPackageJSON    Kind = "invalid_package_json"
	PackageJSONParseError Kind = "package_json_parse_error"
	JSONError             Kind = "json_error"
	UnknownScheme         Kind = "unknown_scheme"
	EmptySpecifier        Kind = "empty_specifier"
	PluginError           Kind = "plugin_error"
	NameCollision         Kind = "name_collision"
	BuildAbort            Kind = "build_abort"
	CacheError            Kind = "cache_error"
)

// Diagnostic is the typed error value every forge component returns
// instead of a bare error, carrying enough context (origin plugin,
// file path, a human hint) for a host to render a useful message
// without string-matching on Error().
type Diagnostic struct {
	Kind    Kind
	Origin  string // plugin or component name that raised this
	Path    string // file or specifier implicated, if any
	Hint    string // e.g. "did you mean ./Button.tsx?"
	Message string
	cause   error
}

// Error implements error. The format intentionally mirrors the
// teacher's Fprintf diagnostics in pipeline.go Run() ("%s failed ... %s"):
// origin, then message, then an optional hint.
func (d *Diagnostic) Error() string {
	s := d.Message
	if d.Origin != "" {
		s = fmt.Sprintf("%s: %s", d.Origin, s)
	}
	if d.Path != "" {
		s = fmt.Sprintf("%s (%s)", s, d.Path)
	}
	if d.Hint != "" {
		s = fmt.Sprintf("%s\n  hint: %s", s, d.Hint)
	}
	return s
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (d *Diagnostic) Unwrap() error { return d.cause }

// New builds a Diagnostic with no wrapped cause.
func New(kind Kind, origin, message string) *Diagnostic {
	return &Diagnostic{Kind: kind, Origin: origin, Message: message}
}

// Wrap builds a Diagnostic around cause, preserving it as the Unwrap
// chain's next link via pkg/errors.WithMessage so %+v still prints the
// original stack.
func Wrap(kind Kind, origin string, cause error, format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{
		Kind:    kind,
		Origin:  origin,
		Message: fmt.Sprintf(format, args...),
		cause:   errors.WithMessage(cause, origin),
	}
}

// WithPath returns a copy of d with Path set, used when the same
// Diagnostic constructor is reused across several candidate paths
// (e.g. the resolver trying index.js, index.json, index.node in turn).
func (d *Diagnostic) WithPath(path string) *Diagnostic {
	cp := *d
	cp.Path = path
	return &cp
}

// WithHint returns a copy of d with Hint set.
func (d *Diagnostic) WithHint(hint string) *Diagnostic {
	cp := *d
	cp.Hint = hint
	return &cp
}

// Is implements errors.Is support: two Diagnostics are equal if their
// Kind matches, regardless of message/path/hint.
func (d *Diagnostic) Is(target error) bool {
	other, ok := target.(*Diagnostic)
	if !ok {
		return false
	}
	return d.Kind == other.Kind
}

// AsPluginError converts a recovered panic value into a PluginError
// Diagnostic, called from runner call sites that invoke a plugin's
// Consume/Transform/Package method inside a recover(), exactly as the
// teacher's pipeline.go Run() turns a failing Consume() into a reported
// error rather than letting the pipeline loop itself fail obscurely.
func AsPluginError(origin string, recovered interface{}) *Diagnostic {
	var cause error
	switch v := recovered.(type) {
	case error:
		cause = v
	default:
		cause = errors.Errorf("%v", v)
	}
	return Wrap(PluginError, origin, cause, "panic in plugin %q: %v", origin, recovered)
}

// RunWithRecover invokes fn, converting any panic into a PluginError
// Diagnostic instead of letting it propagate, so a single buggy plugin
// cannot bring down the runner that dispatches it.
func RunWithRecover(origin string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = AsPluginError(origin, r)
		}
	}()
	return fn()
}

// RunWithRecoverValue is RunWithRecover for a call site that also
// returns a value, used by runners whose plugin hook produces a result
// (e.g. a Transformer's Transform).
func RunWithRecoverValue[T any](origin string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = AsPluginError(origin, r)
		}
	}()
	return fn()
}
