package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docbatch/src/helpers"
	"docbatch/src/models"
	"docbatch/src/query"
	"docbatch/src/stemming"
	"docbatch/src/storage"

	"go.uber.org/zap"
)

// ObjectInfo is what a batch reports under a placeholder: the created object
// for creates, the number of affected objects for updates and deletes.
type ObjectInfo struct {
	Object models.Object `json:"object,omitempty" yaml:"object,omitempty"`
	Count  int           `json:"count,omitempty" yaml:"count,omitempty"`
}

type BatchResult struct {
	BatchID string                `json:"batchId" yaml:"batchId"`
	Info    map[string]ObjectInfo `json:"info" yaml:"info"`
}

type ExecutorConfig struct {
	Stemmers stemming.Selector
	// Clock fills timestamp fields written as Now. Defaults to time.Now in UTC.
	Clock func() time.Time
	// Journal is optional.
	Journal *Journal
}

// BatchExecutor runs flat batches step by step. It never rolls back; atomicity
// comes from the transaction the caller runs it in.
type BatchExecutor struct {
	engine      storage.Engine
	collections CollectionLookup
	config      ExecutorConfig
	logger      *zap.SugaredLogger
}

func NewBatchExecutor(engine storage.Engine, collections CollectionLookup, config ExecutorConfig, logger *zap.SugaredLogger) *BatchExecutor {
	return &BatchExecutor{engine: engine, collections: collections, config: config, logger: logger}
}

// CleanerOptions returns the cleaning options for one collection.
func (e *BatchExecutor) CleanerOptions(def *models.CollectionDefinition) *CleanerOptions {
	return &CleanerOptions{Collection: def, Stemmers: e.config.Stemmers, Clock: e.config.Clock}
}

// created is a placeholder target: the stored form of the created object.
type created struct {
	def    *models.CollectionDefinition
	object models.Object
}

// Execute runs the steps of a flat batch in order. A create may reference
// any placeholder produced by an earlier step through its replace list.
func (e *BatchExecutor) Execute(ctx context.Context, flat models.Batch) (*BatchResult, error) {
	result := &BatchResult{BatchID: helpers.GenerateUUID(), Info: make(map[string]ObjectInfo)}
	placeholders := make(map[string]created)

	e.logger.Debugf("batch %s: executing %d step(s)", result.BatchID, len(flat))

	for i, operation := range flat {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		def, err := e.collections.Collection(operation.CollectionName())
		if err != nil {
			return nil, withOperation(err, operation.Kind())
		}
		table, err := e.engine.Table(def.Name)
		if err != nil {
			return nil, withOperation(err, operation.Kind())
		}

		e.logger.Debugf("batch %s step %d: %s on %s", result.BatchID, i, operation.Kind(), def.Name)

		var details string
		switch op := operation.(type) {
		case *models.CreateObjectOperation:
			details, err = e.create(ctx, i, op, def, table, placeholders, result)
		case *models.UpdateObjectsOperation:
			details, err = e.update(ctx, op, def, table, result)
		case *models.DeleteObjectsOperation:
			details, err = e.delete(ctx, op, def, table, result)
		default:
			err = fmt.Errorf("unknown operation %T", operation)
		}
		if err != nil {
			return nil, stepError(i, operation, err)
		}

		if e.config.Journal != nil {
			if err := e.config.Journal.AddEntry(result.BatchID, string(operation.Kind()), def.Name, details); err != nil {
				e.logger.Errorf("batch %s step %d: failed to write journal entry: %v", result.BatchID, i, err)
			}
		}
	}
	return result, nil
}

func stepError(step int, operation models.Operation, err error) error {
	var unresolved *models.UnresolvedPlaceholderError
	if errors.As(err, &unresolved) {
		return err
	}
	placeholder := placeholderOf(operation)
	if placeholder == "" {
		return fmt.Errorf("step %d (%s on '%s'): %w", step, operation.Kind(), operation.CollectionName(), err)
	}
	return fmt.Errorf("step %d (%s on '%s' as '%s'): %w", step, operation.Kind(), operation.CollectionName(), placeholder, err)
}

func (e *BatchExecutor) create(ctx context.Context, step int, op *models.CreateObjectOperation, def *models.CollectionDefinition, table storage.Table, placeholders map[string]created, result *BatchResult) (string, error) {
	args := copyObject(op.Args)
	for _, replace := range op.Replace {
		target, ok := placeholders[replace.Placeholder]
		if !ok {
			return "", &models.UnresolvedPlaceholderError{Placeholder: replace.Placeholder, Step: step, Collection: op.Collection}
		}
		key, err := primaryKeyOf(target)
		if err != nil {
			return "", err
		}
		args[replace.Path] = key
	}

	if err := Clean(args, e.CleanerOptions(def), PurposeCreate); err != nil {
		return "", err
	}
	stored, err := table.Put(ctx, args)
	if err != nil {
		return "", err
	}

	key, err := table.PrimaryKey(stored)
	if err != nil {
		return "", err
	}
	if op.Placeholder == "" {
		return fmt.Sprintf("key=%v", key), nil
	}

	placeholders[op.Placeholder] = created{def: def, object: stored}
	view := copyObject(stored)
	if err := Clean(view, e.CleanerOptions(def), PurposeRead); err != nil {
		return "", err
	}
	result.Info[op.Placeholder] = ObjectInfo{Object: view}
	return fmt.Sprintf("placeholder=%s key=%v", op.Placeholder, key), nil
}

// primaryKeyOf reads the primary key of a created object: a scalar, or the
// ordered values of a compound key.
func primaryKeyOf(target created) (interface{}, error) {
	fields := target.def.PKFields
	if len(fields) == 0 {
		return nil, &models.ConfigurationError{Collection: target.def.Name, Message: "collection has no primary key"}
	}
	if len(fields) == 1 {
		return target.object[fields[0]], nil
	}
	key := make([]interface{}, len(fields))
	for i, field := range fields {
		key[i] = target.object[field]
	}
	return key, nil
}

// FilterFor builds the stored-name filter for a where clause written with
// relationship aliases.
func (e *BatchExecutor) FilterFor(def *models.CollectionDefinition, where models.Object, ignoreCase ...string) (*query.Filter, error) {
	cleaned := copyObject(where)
	if err := Clean(cleaned, e.CleanerOptions(def), PurposeQueryFilter); err != nil {
		return nil, err
	}
	stored := make([]string, len(ignoreCase))
	for i, field := range ignoreCase {
		stored[i] = field
		if name, ok := def.StoredFieldForAlias(field); ok {
			stored[i] = name
		}
	}
	return query.NewFilter(cleaned, stored...)
}

func (e *BatchExecutor) update(ctx context.Context, op *models.UpdateObjectsOperation, def *models.CollectionDefinition, table storage.Table, result *BatchResult) (string, error) {
	if err := query.ValidateUpdates(op.Updates); err != nil {
		return "", err
	}
	filter, err := e.FilterFor(def, op.Where)
	if err != nil {
		return "", err
	}
	matches, err := table.Find(ctx, storage.Query{Filter: filter})
	if err != nil {
		return "", err
	}

	modified := 0
	for _, stored := range matches {
		changed, err := e.updateOne(ctx, def, table, stored, op.Updates)
		if err != nil {
			return "", err
		}
		if changed {
			modified++
		}
	}

	if op.Placeholder != "" {
		result.Info[op.Placeholder] = ObjectInfo{Count: modified}
	}
	return fmt.Sprintf("matched=%d modified=%d", len(matches), modified), nil
}

// updateOne evaluates the update operators against the read form of a stored
// object, so callers address fields by alias, then writes the cleaned patch
// back onto the stored form.
func (e *BatchExecutor) updateOne(ctx context.Context, def *models.CollectionDefinition, table storage.Table, stored models.Object, updates models.Object) (bool, error) {
	options := e.CleanerOptions(def)
	view := copyObject(stored)
	if err := Clean(view, options, PurposeRead); err != nil {
		return false, err
	}
	patch, err := query.ComputePatch(view, updates)
	if err != nil {
		return false, err
	}
	if !patch.Changes(view) {
		return false, nil
	}
	if err := Clean(patch.Set, options, PurposeUpdate); err != nil {
		return false, err
	}
	for i, key := range patch.Unset {
		if name, ok := def.StoredFieldForAlias(key); ok {
			patch.Unset[i] = name
		}
	}
	for _, key := range patch.Unset {
		if termsField, ok := TermsFieldFor(def, key); ok {
			patch.Unset = append(patch.Unset, termsField)
		}
	}

	for _, field := range def.PKFields {
		if value, ok := patch.Set[field]; ok && !query.Equal(value, stored[field]) {
			return false, fmt.Errorf("cannot update primary key field '%s'", field)
		}
	}
	for _, field := range patch.Unset {
		for _, pk := range def.PKFields {
			if field == pk {
				return false, fmt.Errorf("cannot unset primary key field '%s'", field)
			}
		}
	}

	patch.ApplyTo(stored)
	if _, err := table.Put(ctx, stored); err != nil {
		return false, err
	}
	return true, nil
}

func (e *BatchExecutor) delete(ctx context.Context, op *models.DeleteObjectsOperation, def *models.CollectionDefinition, table storage.Table, result *BatchResult) (string, error) {
	filter, err := e.FilterFor(def, op.Where)
	if err != nil {
		return "", err
	}
	removed, err := table.Remove(ctx, storage.Query{Filter: filter})
	if err != nil {
		return "", err
	}
	if op.Placeholder != "" {
		result.Info[op.Placeholder] = ObjectInfo{Count: removed}
	}
	return fmt.Sprintf("removed=%d", removed), nil
}

func copyObject(object models.Object) models.Object {
	out := make(models.Object, len(object))
	for key, value := range object {
		out[key] = value
	}
	return out
}
