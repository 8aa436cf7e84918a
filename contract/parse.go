package contract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a YAML contract document. Unknown fields at any level are
// rejected, enum strings are converted and the result is validated.
func Parse(data []byte) (*Contract, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Contract
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Issues: []Issue{{Message: "empty contract document"}}}
		}
		return nil, decodeError(err)
	}
	normalize(&c)
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func normalize(c *Contract) {
	if c.Retry.Policy == "" {
		c.Retry.Policy = RetryNone
	}
	if c.MultiTurn != nil && c.MultiTurn.Persistence == "" {
		c.MultiTurn.Persistence = PersistenceBestEffort
	}
}

func decodeError(err error) error {
	var te *yaml.TypeError
	if errors.As(err, &te) {
		issues := make([]Issue, 0, len(te.Errors))
		for _, msg := range te.Errors {
			issues = append(issues, Issue{Message: strings.TrimPrefix(msg, "yaml: ")})
		}
		return &ValidationError{Issues: issues}
	}
	return &ValidationError{Issues: []Issue{{Message: fmt.Sprintf("parse: %v", err)}}}
}
