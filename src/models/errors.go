package models

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned by storage operations issued before the
// registry finished initialization.
var ErrNotInitialized = errors.New("tried to use the storage manager before calling FinishInitialization")

// ConfigurationError reports an invalid collection, index or stemmer setup.
type ConfigurationError struct {
	Collection string
	Message    string
}

func (e *ConfigurationError) Error() string {
	if e.Collection == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error in collection '%s': %s", e.Collection, e.Message)
}

// UnresolvedPlaceholderError means a replace entry points at a placeholder no
// earlier step produced. This is always an ordering bug in the batch.
type UnresolvedPlaceholderError struct {
	Placeholder string
	Step        int
	Collection  string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("step %d (createObject on '%s') references unknown placeholder '%s'", e.Step, e.Collection, e.Placeholder)
}

type UnknownCollectionError struct {
	Collection string
	Operation  string
}

func (e *UnknownCollectionError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("unknown collection '%s'", e.Collection)
	}
	return fmt.Sprintf("%s on unknown collection '%s'", e.Operation, e.Collection)
}

type UnimplementedError struct {
	Message string
}

func (e *UnimplementedError) Error() string {
	return "unimplemented: " + e.Message
}

type InvalidOptionsError struct {
	Message string
}

func (e *InvalidOptionsError) Error() string {
	return "invalid options: " + e.Message
}

// UnsupportedOperatorError is returned for filter or update operators that
// are not implemented.
type UnsupportedOperatorError struct {
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("operator '%s' is not supported", e.Operator)
}

// ConstraintError reports a write rejected by a uniqueness constraint.
type ConstraintError struct {
	Collection string
	Fields     []string
	Value      interface{}
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("unique constraint on %s%v violated by value %v", e.Collection, e.Fields, e.Value)
}
