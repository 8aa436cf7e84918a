package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Built-in key spec terms.
const (
	TermCorrelationID = "correlation_id"
	TermSkill         = "skill"
)

// ErrUnresolvedTerm is returned when a key spec term has no value in the inputs.
var ErrUnresolvedTerm = errors.New("idempotency key term unresolved")

// ParseKeySpec splits a key spec into its trimmed, non-empty terms.
func ParseKeySpec(spec string) []string {
	parts := strings.Split(spec, "+")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// ResolveKey computes the idempotency key for one execution. The key is
// "<skill>:<sha256 of the resolved terms>".
func ResolveKey(spec, correlationID, skill string, inputs map[string]any) (string, error) {
	terms := ParseKeySpec(spec)
	if len(terms) == 0 {
		return "", fmt.Errorf("empty key spec")
	}

	var b strings.Builder
	for _, term := range terms {
		var value any
		switch term {
		case TermCorrelationID:
			value = correlationID
		case TermSkill:
			value = skill
		default:
			v, ok := Lookup(inputs, term)
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrUnresolvedTerm, term)
			}
			value = v
		}
		enc, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode key term %s: %w", term, err)
		}
		b.WriteString(term)
		b.WriteByte('=')
		b.Write(enc)
		b.WriteByte(0)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return skill + ":" + hex.EncodeToString(sum[:]), nil
}

// Lookup resolves a dot separated path into nested maps.
func Lookup(inputs map[string]any, path string) (any, bool) {
	var cur any = inputs
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
