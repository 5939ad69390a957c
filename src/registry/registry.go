package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"docbatch/src/fields"
	"docbatch/src/helpers"
	"docbatch/src/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SchemaHistoryEntry holds the collection definitions registered for one
// version timestamp.
type SchemaHistoryEntry struct {
	Version     time.Time
	Collections map[string]*models.CollectionDefinition
}

// Registry collects versioned collection definitions and resolves them into
// typed descriptors once FinishInitialization runs. After that it is
// read-only.
type Registry struct {
	fieldTypes *fields.TypeRegistry
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	registered  map[string][]models.CollectionDefinition
	history     []SchemaHistoryEntry
	collections map[string]*models.CollectionDefinition
	initialized bool
}

func NewRegistry(fieldTypes *fields.TypeRegistry, logger *zap.SugaredLogger) *Registry {
	if fieldTypes == nil {
		fieldTypes = fields.NewTypeRegistry()
	}
	return &Registry{
		fieldTypes: fieldTypes,
		logger:     logger,
		registered: make(map[string][]models.CollectionDefinition),
	}
}

// RegisterCollection adds one or more versions of a collection.
func (r *Registry) RegisterCollection(name string, definitions ...models.CollectionDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return fmt.Errorf("cannot register collection '%s': registry already initialized", name)
	}
	if name == "" {
		return &models.ConfigurationError{Message: "collection name must not be empty"}
	}
	if len(definitions) == 0 {
		return &models.ConfigurationError{Collection: name, Message: "no definitions given"}
	}

	existing := r.registered[name]
	for _, definition := range definitions {
		if definition.Version.IsZero() {
			return &models.ConfigurationError{Collection: name, Message: "every collection version needs a version timestamp"}
		}
		for _, other := range existing {
			if other.Version.Equal(definition.Version) {
				return &models.ConfigurationError{Collection: name, Message: fmt.Sprintf("version %s registered twice", definition.Version.Format(time.RFC3339))}
			}
		}
		definition.Name = name
		existing = append(existing, definition)
	}
	sort.SliceStable(existing, func(i, j int) bool {
		return existing[i].Version.Before(existing[j].Version)
	})
	r.registered[name] = existing

	r.logger.Debugf("Registered %d version(s) of collection '%s'", len(definitions), name)
	return nil
}

// RegisterCollections registers several collections at once, in name order.
func (r *Registry) RegisterCollections(collections map[string][]models.CollectionDefinition) error {
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := r.RegisterCollection(name, collections[name]...); err != nil {
			return err
		}
	}
	return nil
}

// FinishInitialization resolves every registered version. All configuration
// problems found are reported together.
func (r *Registry) FinishInitialization() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	var errs error
	byVersion := make(map[int64]*SchemaHistoryEntry)
	latest := make(map[string]*models.CollectionDefinition)

	for name, versions := range r.registered {
		for i := range versions {
			resolved, err := r.resolveCollection(&versions[i])
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}

			key := resolved.Version.UnixNano()
			entry, ok := byVersion[key]
			if !ok {
				entry = &SchemaHistoryEntry{Version: resolved.Version, Collections: make(map[string]*models.CollectionDefinition)}
				byVersion[key] = entry
			}
			entry.Collections[name] = resolved
			latest[name] = resolved
		}
	}

	errs = multierr.Append(errs, linkReverseRelationships(latest))
	if errs != nil {
		return errs
	}

	history := make([]SchemaHistoryEntry, 0, len(byVersion))
	for _, entry := range byVersion {
		history = append(history, *entry)
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].Version.Before(history[j].Version)
	})

	r.history = history
	r.collections = latest
	r.initialized = true

	r.logger.Infof("Registry initialized with %d collection(s) across %d schema version(s)", len(latest), len(history))
	return nil
}

func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Collection returns the latest resolved definition of a collection.
func (r *Registry) Collection(name string) (*models.CollectionDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return nil, models.ErrNotInitialized
	}
	definition, ok := r.collections[name]
	if !ok {
		return nil, &models.UnknownCollectionError{Collection: name}
	}
	return definition, nil
}

func (r *Registry) CollectionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaHistory returns the resolved definitions grouped by version
// timestamp, oldest first.
func (r *Registry) SchemaHistory() []SchemaHistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SchemaHistoryEntry(nil), r.history...)
}

// resolveCollection turns a registered definition into a typed descriptor:
// field kinds and codecs, relationship defaults, the primary key and the FK
// indexes.
func (r *Registry) resolveCollection(registered *models.CollectionDefinition) (*models.CollectionDefinition, error) {
	def := registered.Clone()

	for i := range def.Fields {
		field := &def.Fields[i]
		field.IndexSlot = -1
		switch field.Type {
		case models.FieldTypeString, models.FieldTypeInt, models.FieldTypeFloat, models.FieldTypeBoolean:
			field.Kind = models.FieldKindScalar
		case models.FieldTypeText:
			field.Kind = models.FieldKindText
		case models.FieldTypeTimestamp:
			field.Kind = models.FieldKindTimestamp
		case models.FieldTypeAutoPK:
			field.Kind = models.FieldKindAutoPK
		default:
			codec, ok := r.fieldTypes.Lookup(field.Type)
			if !ok {
				return nil, &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("field '%s' has unknown type '%s'", field.Name, field.Type)}
			}
			field.Kind = models.FieldKindCustom
			field.Codec = codec
		}
	}

	for i := range def.Relationships {
		if err := r.resolveRelationship(def.Name, &def.Relationships[i]); err != nil {
			return nil, err
		}
	}

	if err := def.BuildLookups(); err != nil {
		return nil, err
	}

	if err := resolvePrimaryKey(def); err != nil {
		return nil, err
	}
	addRelationshipIndices(def)

	if err := assignIndexSlots(def); err != nil {
		return nil, err
	}
	return def, nil
}

func (r *Registry) resolveRelationship(collection string, rel *models.Relationship) error {
	rel.SourceCollection = collection

	switch rel.Kind {
	case models.ChildOf, models.SingleChildOf:
		if rel.TargetCollection == "" {
			return &models.ConfigurationError{Collection: collection, Message: fmt.Sprintf("%s relationship without a target collection", rel.Kind)}
		}
		if _, ok := r.registered[rel.TargetCollection]; !ok {
			return &models.ConfigurationError{Collection: collection, Message: fmt.Sprintf("%s relationship to unknown collection '%s'", rel.Kind, rel.TargetCollection)}
		}
		if rel.Alias == "" {
			rel.Alias = rel.TargetCollection
		}
		if rel.FieldName == "" {
			rel.FieldName = rel.Alias
		}
		if rel.ReverseAlias == "" {
			if rel.Kind == models.SingleChildOf {
				rel.ReverseAlias = collection
			} else {
				rel.ReverseAlias = helpers.Pluralize(collection)
			}
		}
	case models.Connects:
		for side := 0; side < 2; side++ {
			target := rel.Connects[side]
			if target == "" {
				return &models.ConfigurationError{Collection: collection, Message: "connects relationship needs two collections"}
			}
			if _, ok := r.registered[target]; !ok {
				return &models.ConfigurationError{Collection: collection, Message: fmt.Sprintf("connects relationship to unknown collection '%s'", target)}
			}
			if rel.Aliases[side] == "" {
				rel.Aliases[side] = target
			}
			if rel.FieldNames[side] == "" {
				rel.FieldNames[side] = rel.Aliases[side]
			}
			if rel.ReverseAliases[side] == "" {
				rel.ReverseAliases[side] = helpers.Pluralize(collection)
			}
		}
		if rel.Aliases[0] == rel.Aliases[1] {
			return &models.ConfigurationError{Collection: collection, Message: fmt.Sprintf("connects relationship uses alias '%s' for both sides", rel.Aliases[0])}
		}
	default:
		return &models.ConfigurationError{Collection: collection, Message: fmt.Sprintf("unsupported relationship kind %s", rel.Kind)}
	}
	return nil
}

// resolvePrimaryKey makes sure exactly one PK index exists, adding an auto
// incrementing 'id' when none was declared.
func resolvePrimaryKey(def *models.CollectionDefinition) error {
	def.PKIndex = -1
	for i, index := range def.Indices {
		if !index.PK {
			continue
		}
		if def.PKIndex >= 0 {
			return &models.ConfigurationError{Collection: def.Name, Message: "more than one primary key index declared"}
		}
		def.PKIndex = i
	}

	if def.PKIndex < 0 {
		if _, ok := def.Field("id"); !ok {
			def.Fields = append([]models.FieldDefinition{{Name: "id", Type: models.FieldTypeAutoPK, Kind: models.FieldKindAutoPK, IndexSlot: -1}}, def.Fields...)
			if err := def.BuildLookups(); err != nil {
				return err
			}
		}
		def.Indices = append([]models.IndexDefinition{{Fields: []models.IndexFieldRef{{Field: "id"}}, PK: true}}, def.Indices...)
		def.PKIndex = 0
	}

	pk := def.PrimaryKey()
	def.PKFields = def.PKFields[:0]
	for _, ref := range pk.Fields {
		if ref.IsRelationship() {
			stored, ok := def.StoredFieldForAlias(ref.Relationship)
			if !ok {
				return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("primary key on non-existing relationship '%s'", ref.Relationship)}
			}
			def.PKFields = append(def.PKFields, stored)
			continue
		}
		field, ok := def.Field(ref.Field)
		if !ok {
			return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("primary key on non-existing field '%s'", ref.Field)}
		}
		if field.Kind == models.FieldKindText {
			return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("text field '%s' cannot be a primary key", ref.Field)}
		}
		def.PKFields = append(def.PKFields, ref.Field)
	}
	return nil
}

// addRelationshipIndices indexes every FK field that no single-field index
// covers yet.
func addRelationshipIndices(def *models.CollectionDefinition) {
	covered := make(map[string]bool)
	for _, index := range def.Indices {
		if index.Compound {
			continue
		}
		ref := index.Single()
		if ref.IsRelationship() {
			if stored, ok := def.StoredFieldForAlias(ref.Relationship); ok {
				covered[stored] = true
			}
			continue
		}
		covered[ref.Field] = true
	}

	for _, rel := range def.Relationships {
		for _, pair := range rel.AliasPairs() {
			if covered[pair[1]] {
				continue
			}
			covered[pair[1]] = true
			def.Indices = append(def.Indices, models.IndexDefinition{
				Fields: []models.IndexFieldRef{{Relationship: pair[0]}},
			})
		}
	}
}

func assignIndexSlots(def *models.CollectionDefinition) error {
	for i, index := range def.Indices {
		if len(index.Fields) == 0 {
			return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("index %d has no fields", i)}
		}
		for _, ref := range index.Fields {
			if ref.IsRelationship() {
				if _, ok := def.RelationshipByAlias(ref.Relationship); !ok {
					return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("index on non-existing relationship '%s'", ref.Relationship)}
				}
				continue
			}
			field, ok := def.Field(ref.Field)
			if !ok {
				return &models.ConfigurationError{Collection: def.Name, Message: fmt.Sprintf("index on non-existing field '%s'", ref.Field)}
			}
			if !index.Compound && field.IndexSlot < 0 {
				field.IndexSlot = i
			}
		}
	}
	return nil
}

// linkReverseRelationships registers every relationship on the collection it
// points at, under its reverse alias.
func linkReverseRelationships(collections map[string]*models.CollectionDefinition) error {
	for _, def := range collections {
		def.ReverseRelationshipsByAlias = make(map[string]models.ReverseRelationship)
	}

	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	link := func(target, reverseAlias string, reverse models.ReverseRelationship) {
		targetDef, ok := collections[target]
		if !ok {
			errs = multierr.Append(errs, &models.ConfigurationError{Collection: reverse.Collection(), Message: fmt.Sprintf("relationship to unknown collection '%s'", target)})
			return
		}
		if existing, taken := targetDef.ReverseRelationshipsByAlias[reverseAlias]; taken {
			errs = multierr.Append(errs, &models.ConfigurationError{
				Collection: target,
				Message:    fmt.Sprintf("reverse alias '%s' used by both '%s' and '%s'", reverseAlias, existing.Collection(), reverse.Collection()),
			})
			return
		}
		targetDef.ReverseRelationshipsByAlias[reverseAlias] = reverse
	}

	for _, name := range names {
		def := collections[name]
		for i := range def.Relationships {
			rel := &def.Relationships[i]
			switch rel.Kind {
			case models.ChildOf, models.SingleChildOf:
				link(rel.TargetCollection, rel.ReverseAlias, models.ReverseRelationship{Relationship: rel})
			case models.Connects:
				for side := 0; side < 2; side++ {
					link(rel.Connects[side], rel.ReverseAliases[side], models.ReverseRelationship{Relationship: rel, Side: side})
				}
			}
		}
	}
	return errs
}
