package models

import (
	"fmt"
)

type OperationKind string

const (
	OpCreateObject  OperationKind = "createObject"
	OpUpdateObjects OperationKind = "updateObjects"
	OpDeleteObjects OperationKind = "deleteObjects"
)

// Operation is one step of a batch. The set of implementations is closed:
// *CreateObjectOperation, *UpdateObjectsOperation and *DeleteObjectsOperation.
type Operation interface {
	Kind() OperationKind
	CollectionName() string
	isOperation()
}

// Replacement splices the primary key of the object created under Placeholder
// into Path of the step's args before the step runs.
type Replacement struct {
	Path        string `json:"path" yaml:"path"`
	Placeholder string `json:"placeholder" yaml:"placeholder"`
}

type CreateObjectOperation struct {
	Placeholder string
	Collection  string
	Args        Object
	Replace     []Replacement
}

func (o *CreateObjectOperation) Kind() OperationKind    { return OpCreateObject }
func (o *CreateObjectOperation) CollectionName() string { return o.Collection }
func (o *CreateObjectOperation) isOperation()           {}

type UpdateObjectsOperation struct {
	Placeholder string
	Collection  string
	Where       Object
	Updates     Object
}

func (o *UpdateObjectsOperation) Kind() OperationKind    { return OpUpdateObjects }
func (o *UpdateObjectsOperation) CollectionName() string { return o.Collection }
func (o *UpdateObjectsOperation) isOperation()           {}

type DeleteObjectsOperation struct {
	Placeholder string
	Collection  string
	Where       Object
}

func (o *DeleteObjectsOperation) Kind() OperationKind    { return OpDeleteObjects }
func (o *DeleteObjectsOperation) CollectionName() string { return o.Collection }
func (o *DeleteObjectsOperation) isOperation()           {}

type Batch []Operation

// DecodeOperation builds an operation from its generic map form, as read from
// a batch file:
//
//	{operation: createObject, placeholder: joe, collection: user, args: {...}, replace: [...]}
func DecodeOperation(raw map[string]interface{}) (Operation, error) {
	kind, _ := raw["operation"].(string)
	collection, _ := raw["collection"].(string)
	placeholder, _ := raw["placeholder"].(string)
	if collection == "" {
		return nil, fmt.Errorf("operation '%s' is missing a collection", kind)
	}

	switch OperationKind(kind) {
	case OpCreateObject:
		args, err := objectArg(raw, "args")
		if err != nil {
			return nil, err
		}
		replace, err := decodeReplace(raw["replace"])
		if err != nil {
			return nil, err
		}
		return &CreateObjectOperation{Placeholder: placeholder, Collection: collection, Args: args, Replace: replace}, nil
	case OpUpdateObjects:
		where, err := objectArg(raw, "where")
		if err != nil {
			return nil, err
		}
		updates, err := objectArg(raw, "updates")
		if err != nil {
			return nil, err
		}
		return &UpdateObjectsOperation{Placeholder: placeholder, Collection: collection, Where: where, Updates: updates}, nil
	case OpDeleteObjects:
		where, err := objectArg(raw, "where")
		if err != nil {
			return nil, err
		}
		return &DeleteObjectsOperation{Placeholder: placeholder, Collection: collection, Where: where}, nil
	default:
		return nil, fmt.Errorf("unknown operation '%s'", kind)
	}
}

func DecodeBatch(raw []map[string]interface{}) (Batch, error) {
	batch := make(Batch, 0, len(raw))
	for i, step := range raw {
		operation, err := DecodeOperation(step)
		if err != nil {
			return nil, fmt.Errorf("batch step %d: %w", i, err)
		}
		batch = append(batch, operation)
	}
	return batch, nil
}

func objectArg(raw map[string]interface{}, key string) (Object, error) {
	value, ok := raw[key]
	if !ok || value == nil {
		return Object{}, nil
	}
	object, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be an object, got %T", key, value)
	}
	return object, nil
}

func decodeReplace(value interface{}) ([]Replacement, error) {
	if value == nil {
		return nil, nil
	}
	entries, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("'replace' must be a list, got %T", value)
	}
	replace := make([]Replacement, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("'replace' entries must be objects, got %T", entry)
		}
		path, _ := m["path"].(string)
		placeholder, _ := m["placeholder"].(string)
		if path == "" || placeholder == "" {
			return nil, fmt.Errorf("'replace' entries need both a path and a placeholder")
		}
		replace = append(replace, Replacement{Path: path, Placeholder: placeholder})
	}
	return replace, nil
}
