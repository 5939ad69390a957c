package directors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"docbatch/src/engine"
	"docbatch/src/fields"
	"docbatch/src/models"
	"docbatch/src/registry"
	"docbatch/src/schema"
	"docbatch/src/stemming"
	"docbatch/src/storage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Features reported by Supports.
const (
	FeatureCount                   = "count"
	FeatureCreateWithRelationships = "createWithRelationships"
	FeatureExecuteBatch            = "executeBatch"
	FeatureTransaction             = "transaction"
	FeatureFullTextSearch          = "fullTextSearch"
)

type Options struct {
	Engine     storage.Engine
	FieldTypes *fields.TypeRegistry
	// Stemmers is required as soon as any collection indexes a text field.
	Stemmers      stemming.Selector
	SchemaPatcher schema.SchemaPatcher
	Transactional bool
	Journal       *engine.Journal
	Clock         func() time.Time
}

// StorageManager is the entry point for applications: collections are
// registered on it, and once FinishInitialization ran every operation goes
// through a flattened batch executed in a transaction.
type StorageManager struct {
	registry     *registry.Registry
	engine       storage.Engine
	options      Options
	orchestrator *engine.TransactionOrchestrator
	executor     *engine.BatchExecutor
	logger       *zap.SugaredLogger

	mu          sync.RWMutex
	versions    []schema.Version
	initialized bool
}

func NewStorageManager(options Options, logger *zap.SugaredLogger) *StorageManager {
	if options.FieldTypes == nil {
		options.FieldTypes = fields.NewTypeRegistry()
	}
	if options.SchemaPatcher == nil {
		options.SchemaPatcher = schema.IdentityPatcher
	}
	r := registry.NewRegistry(options.FieldTypes, logger)
	return &StorageManager{
		registry:     r,
		engine:       options.Engine,
		options:      options,
		orchestrator: engine.NewTransactionOrchestrator(options.Engine, options.Transactional, logger),
		logger:       logger,
	}
}

func (m *StorageManager) Registry() *registry.Registry {
	return m.registry
}

func (m *StorageManager) RegisterCollection(name string, definitions ...models.CollectionDefinition) error {
	return m.registry.RegisterCollection(name, definitions...)
}

func (m *StorageManager) RegisterCollections(collections map[string][]models.CollectionDefinition) error {
	return m.registry.RegisterCollections(collections)
}

// FinishInitialization resolves the registered collections, compiles their
// history into schema versions and lays the engine out accordingly.
func (m *StorageManager) FinishInitialization(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if err := m.registry.FinishInitialization(); err != nil {
		return err
	}
	if err := m.validateStemmers(); err != nil {
		return err
	}

	versions, err := schema.Compile(m.registry.SchemaHistory())
	if err != nil {
		return fmt.Errorf("failed to compile schema history: %w", err)
	}
	versions = m.options.SchemaPatcher(versions)
	if err := m.engine.ApplySchema(ctx, versions); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	m.versions = versions
	m.executor = engine.NewBatchExecutor(m.engine, m.registry, engine.ExecutorConfig{
		Stemmers: m.options.Stemmers,
		Clock:    m.options.Clock,
		Journal:  m.options.Journal,
	}, m.logger)
	m.initialized = true

	m.logger.Infof("Storage manager initialized with %d collection(s) and %d schema version(s)", len(m.registry.CollectionNames()), len(versions))
	return nil
}

// validateStemmers makes sure every indexed text field can be stemmed.
func (m *StorageManager) validateStemmers() error {
	var errs error
	for _, name := range m.registry.CollectionNames() {
		def, err := m.registry.Collection(name)
		if err != nil {
			return err
		}
		for _, field := range def.Fields {
			if field.Kind != models.FieldKindText || !field.Indexed() {
				continue
			}
			if m.options.Stemmers == nil || m.options.Stemmers(name, field.Name) == nil {
				errs = multierr.Append(errs, &models.ConfigurationError{
					Collection: name,
					Message:    fmt.Sprintf("trying to create a full-text index on '%s.%s' without having supplied a stemmer", name, field.Name),
				})
			}
		}
	}
	return errs
}

func (m *StorageManager) ready() (*engine.BatchExecutor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, models.ErrNotInitialized
	}
	return m.executor, nil
}

// Versions returns the compiled schema versions.
func (m *StorageManager) Versions() []schema.Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schema.Version(nil), m.versions...)
}

func (m *StorageManager) Supports(feature string) bool {
	switch feature {
	case FeatureCount, FeatureCreateWithRelationships, FeatureExecuteBatch, FeatureTransaction:
		return true
	case FeatureFullTextSearch:
		return m.options.Stemmers != nil
	default:
		return false
	}
}

// Transaction runs body atomically over the named collections. Operations
// issued with the context passed to body join the transaction.
func (m *StorageManager) Transaction(ctx context.Context, collections []string, body func(ctx context.Context) error) error {
	if _, err := m.ready(); err != nil {
		return err
	}
	for _, name := range collections {
		if _, err := m.registry.Collection(name); err != nil {
			return err
		}
	}
	return m.orchestrator.RunInTransaction(ctx, collections, body)
}

// ExecuteBatch flattens a batch and runs it in one transaction over the
// collections it touches.
func (m *StorageManager) ExecuteBatch(ctx context.Context, batch models.Batch) (*engine.BatchResult, error) {
	executor, err := m.ready()
	if err != nil {
		return nil, err
	}
	flat, err := engine.Flatten(batch, m.registry)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, executor, flat)
}

func (m *StorageManager) run(ctx context.Context, executor *engine.BatchExecutor, flat models.Batch) (*engine.BatchResult, error) {
	var result *engine.BatchResult
	err := m.orchestrator.RunInTransaction(ctx, engine.TouchedCollections(flat), func(ctx context.Context) error {
		var err error
		result, err = executor.Execute(ctx, flat)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateObject creates an object together with the related objects nested
// under its reverse relationship aliases. It returns a copy of the input with
// the generated primary keys and relationship fields filled in.
func (m *StorageManager) CreateObject(ctx context.Context, collection string, object models.Object) (models.Object, error) {
	executor, err := m.ready()
	if err != nil {
		return nil, err
	}
	if object == nil {
		object = models.Object{}
	}

	step := &models.CreateObjectOperation{Collection: collection, Args: object}
	dissection, err := engine.Dissect(step, m.registry, engine.NewPlaceholderGenerator(nil), true)
	if err != nil {
		return nil, err
	}
	result, err := m.run(ctx, executor, dissection.ToBatch())
	if err != nil {
		return nil, err
	}
	return m.reconstruct(object, dissection, result)
}

// reconstruct splices the keys of every created object back into a copy of
// the nested input at the path the dissection recorded for it.
func (m *StorageManager) reconstruct(object models.Object, dissection *engine.Dissection, result *engine.BatchResult) (models.Object, error) {
	out := cloneNested(object).(map[string]interface{})
	for _, entry := range dissection.Objects {
		created := result.Info[entry.Placeholder].Object
		target, err := objectAt(out, entry.Path)
		if err != nil {
			return nil, err
		}
		def, err := m.registry.Collection(entry.Collection)
		if err != nil {
			return nil, err
		}
		for _, ref := range def.PrimaryKey().Fields {
			name := ref.Field
			if ref.IsRelationship() {
				name = ref.Relationship
			}
			target[name] = created[name]
		}
		for _, replace := range entry.Replace {
			target[replace.Path] = created[replace.Path]
		}
	}
	return out, nil
}

func objectAt(root map[string]interface{}, path []interface{}) (map[string]interface{}, error) {
	var current interface{} = root
	for _, step := range path {
		switch key := step.(type) {
		case string:
			object, ok := current.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("cannot follow path %v: %T is not an object", path, current)
			}
			current = object[key]
		case int:
			switch list := current.(type) {
			case []interface{}:
				current = list[key]
			case []map[string]interface{}:
				current = list[key]
			default:
				return nil, fmt.Errorf("cannot follow path %v: %T is not a list", path, current)
			}
		}
	}
	object, ok := current.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("cannot follow path %v: %T is not an object", path, current)
	}
	return object, nil
}

func cloneNested(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = cloneNested(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneNested(item)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(v))
		for i, item := range v {
			out[i] = cloneNested(item).(map[string]interface{})
		}
		return out
	default:
		return value
	}
}

type SortOrder struct {
	Field      string
	Descending bool
}

type FindOptions struct {
	Skip  int
	Limit int
	// Order holds at most one field.
	Order []SortOrder
	// Reverse flips the order, whether given by Order or by storage.
	Reverse bool
	// IgnoreCase names the single filter field matched case-insensitively.
	IgnoreCase []string
}

// FindObjects returns the read form of the objects matching where.
func (m *StorageManager) FindObjects(ctx context.Context, collection string, where models.Object, options FindOptions) ([]models.Object, error) {
	executor, err := m.ready()
	if err != nil {
		return nil, err
	}
	def, err := m.registry.Collection(collection)
	if err != nil {
		return nil, err
	}
	q, err := m.buildQuery(executor, def, where, options)
	if err != nil {
		return nil, err
	}
	table, err := m.engine.Table(def.Name)
	if err != nil {
		return nil, err
	}

	objects, err := table.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	cleaner := executor.CleanerOptions(def)
	for _, object := range objects {
		if err := engine.Clean(object, cleaner, engine.PurposeRead); err != nil {
			return nil, err
		}
	}
	return objects, nil
}

func (m *StorageManager) buildQuery(executor *engine.BatchExecutor, def *models.CollectionDefinition, where models.Object, options FindOptions) (storage.Query, error) {
	if len(options.Order) > 1 {
		return storage.Query{}, &models.UnimplementedError{Message: "sorting on multiple fields is not supported"}
	}

	var ignoreCase []string
	if len(options.IgnoreCase) > 0 {
		if len(options.IgnoreCase) > 1 || len(where) != 1 {
			return storage.Query{}, &models.UnimplementedError{Message: "find methods with ignoreCase set only support querying a single field"}
		}
		if _, ok := where[options.IgnoreCase[0]]; !ok {
			return storage.Query{}, &models.InvalidOptionsError{Message: fmt.Sprintf("specified ignoreCase field '%s' is not in filter query", options.IgnoreCase[0])}
		}
		ignoreCase = options.IgnoreCase[:1]
	}

	filter, err := executor.FilterFor(def, where, ignoreCase...)
	if err != nil {
		return storage.Query{}, err
	}
	q := storage.Query{Filter: filter, Skip: options.Skip, Limit: options.Limit, Descending: options.Reverse}
	if len(options.Order) == 1 {
		q.SortBy = options.Order[0].Field
		if stored, ok := def.StoredFieldForAlias(q.SortBy); ok {
			q.SortBy = stored
		}
		q.Descending = options.Order[0].Descending || options.Reverse
	} else if options.Reverse && len(def.PKFields) == 1 {
		q.SortBy = def.PKFields[0]
	}
	return q, nil
}

// FindObject returns the first matching object, or nil.
func (m *StorageManager) FindObject(ctx context.Context, collection string, where models.Object, options FindOptions) (models.Object, error) {
	options.Limit = 1
	objects, err := m.FindObjects(ctx, collection, where, options)
	if err != nil || len(objects) == 0 {
		return nil, err
	}
	return objects[0], nil
}

func (m *StorageManager) CountObjects(ctx context.Context, collection string, where models.Object) (int, error) {
	executor, err := m.ready()
	if err != nil {
		return 0, err
	}
	def, err := m.registry.Collection(collection)
	if err != nil {
		return 0, err
	}
	filter, err := executor.FilterFor(def, where)
	if err != nil {
		return 0, err
	}
	table, err := m.engine.Table(def.Name)
	if err != nil {
		return 0, err
	}
	return table.Count(ctx, storage.Query{Filter: filter})
}

const countPlaceholder = "count"

// UpdateObjects applies updates to every object matching where and returns
// how many were modified.
func (m *StorageManager) UpdateObjects(ctx context.Context, collection string, where, updates models.Object) (int, error) {
	result, err := m.ExecuteBatch(ctx, models.Batch{
		&models.UpdateObjectsOperation{Placeholder: countPlaceholder, Collection: collection, Where: where, Updates: updates},
	})
	if err != nil {
		return 0, err
	}
	return result.Info[countPlaceholder].Count, nil
}

// DeleteObjects removes every object matching where and returns how many
// were removed.
func (m *StorageManager) DeleteObjects(ctx context.Context, collection string, where models.Object) (int, error) {
	result, err := m.ExecuteBatch(ctx, models.Batch{
		&models.DeleteObjectsOperation{Placeholder: countPlaceholder, Collection: collection, Where: where},
	})
	if err != nil {
		return 0, err
	}
	return result.Info[countPlaceholder].Count, nil
}
