// Package intent defines the structured values exchanged between the
// upstream natural-language layer and the extension runtime.
package intent

import (
	"errors"
	"fmt"
)

// Kind classifies what the user is asking for.
// The set is closed: the router only dispatches known kinds, and
// anything else normalizes to KindUnknown.
type Kind string

// Recognized intent kinds.
const (
	KindInstall        Kind = "install"
	KindRemove         Kind = "remove"
	KindSearch         Kind = "search"
	KindUpdate         Kind = "update"
	KindRollback       Kind = "rollback"
	KindList           Kind = "list"
	KindGenerations    Kind = "generations"
	KindGenerateConfig Kind = "generate-config"
	KindExplainError   Kind = "explain-error"
	KindQuery          Kind = "query"
	KindUnknown        Kind = "unknown"
)

var knownKinds = map[Kind]bool{
	KindInstall:        true,
	KindRemove:         true,
	KindSearch:         true,
	KindUpdate:         true,
	KindRollback:       true,
	KindList:           true,
	KindGenerations:    true,
	KindGenerateConfig: true,
	KindExplainError:   true,
	KindQuery:          true,
	KindUnknown:        true,
}

// ParseKind normalizes a string to a Kind. Unrecognized values map to
// KindUnknown rather than failing, so a newer upstream classifier never
// crashes an older runtime.
func ParseKind(s string) Kind {
	k := Kind(s)
	if knownKinds[k] {
		return k
	}
	return KindUnknown
}

// IsValid returns true if the kind is a member of the closed set.
func (k Kind) IsValid() bool {
	return knownKinds[k]
}

// Validation errors.
var (
	ErrInvalidConfidence = errors.New("intent: confidence must be within [0,1]")
	ErrUnknownKind       = errors.New("intent: kind is not recognized")
	ErrEmptyQuery        = errors.New("intent: raw query is empty")
)

// Intent is the structured representation of a user request, produced
// by the upstream NL layer. Treat values as immutable once constructed;
// extensions receive them by value.
type Intent struct {
	Kind       Kind
	RawQuery   string
	Parameters map[string]any
	Confidence float64
}

// New constructs an intent with a normalized kind.
func New(kind Kind, rawQuery string) Intent {
	return Intent{
		Kind:       ParseKind(string(kind)),
		RawQuery:   rawQuery,
		Parameters: make(map[string]any),
		Confidence: 1.0,
	}
}

// Validate checks the intent invariants.
func (in Intent) Validate() error {
	if !in.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, in.Confidence)
	}
	if in.RawQuery == "" {
		return ErrEmptyQuery
	}
	return nil
}

// Param returns a string parameter, or "" if absent or not a string.
func (in Intent) Param(key string) string {
	if v, ok := in.Parameters[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
