package launch

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a fatal configuration failure.
type ErrorKind string

const (
	// ErrKindInvalidPort indicates a port outside the 1-65535 range.
	ErrKindInvalidPort ErrorKind = "invalid_port"
	// ErrKindPortConflict indicates a statically configured port that
	// disagrees with the platform-assigned PORT variable.
	ErrKindPortConflict ErrorKind = "port_conflict"
	// ErrKindMalformedFile indicates an unparseable static configuration file.
	ErrKindMalformedFile ErrorKind = "malformed_file"
	// ErrKindUnknownRequiredField indicates a field that requires a value
	// which no source supplied.
	ErrKindUnknownRequiredField ErrorKind = "unknown_required_field"
	// ErrKindInvalidValue indicates a source supplied a value that does not
	// parse as the field's type.
	ErrKindInvalidValue ErrorKind = "invalid_value"
	// ErrKindAddressInUse is produced by the bind step, not the resolver,
	// when the resolved address is already taken. It reuses this diagnostic
	// format so startup failures read uniformly.
	ErrKindAddressInUse ErrorKind = "address_in_use"
)

// SourceValue records one source's contribution to a failing field.
type SourceValue struct {
	Source Source
	Value  string
}

// ConfigError is a fatal startup diagnostic. It names the failing field, the
// conflicting source values, and a remediation hint, and is printed verbatim
// to stderr before the process exits non-zero.
type ConfigError struct {
	Kind   ErrorKind
	Field  string
	Values []SourceValue
	Hint   string
}

// NewError constructs a ConfigError for the given field.
func NewError(kind ErrorKind, field, hint string) *ConfigError {
	return &ConfigError{Kind: kind, Field: field, Hint: hint}
}

// WithValue appends a source's value to the diagnostic and returns the error.
func (e *ConfigError) WithValue(source Source, value string) *ConfigError {
	e.Values = append(e.Values, SourceValue{Source: source, Value: value})
	return e
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config error [%s]: %s", e.Kind, e.Field)
	if len(e.Values) > 0 {
		parts := make([]string, 0, len(e.Values))
		for _, sv := range e.Values {
			parts = append(parts, fmt.Sprintf("%s=%q", sv.Source, sv.Value))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " vs "))
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, ": %s", e.Hint)
	}
	return b.String()
}

// Warning is a non-fatal finding surfaced during resolution. Warnings never
// change behaviour beyond what was explicitly configured.
type Warning struct {
	Fields  []string
	Message string
}
