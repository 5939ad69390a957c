package storage

import (
	"context"
	"fmt"
	"sync"

	"docbatch/src/models"
	"docbatch/src/schema"

	"go.uber.org/zap"
)

type memoryTableData struct {
	objects  map[string]models.Object
	order    []string
	sequence uint64
}

func (d *memoryTableData) snapshot() *memoryTableData {
	objects := make(map[string]models.Object, len(d.objects))
	for key, object := range d.objects {
		objects[key] = object
	}
	return &memoryTableData{objects: objects, order: append([]string(nil), d.order...), sequence: d.sequence}
}

// MemoryEngine keeps every table in process memory. Stored objects are
// copied on the way in and out, so snapshots taken for a transaction can
// share them.
type MemoryEngine struct {
	logger *zap.SugaredLogger

	// txMu serializes transactions and the operations running outside one.
	txMu sync.Mutex
	mu   sync.Mutex

	versions []schema.Version
	layouts  map[string]*tableLayout
	data     map[string]*memoryTableData
	closed   bool
}

func NewMemoryEngine(logger *zap.SugaredLogger) *MemoryEngine {
	return &MemoryEngine{
		logger:  logger,
		layouts: make(map[string]*tableLayout),
		data:    make(map[string]*memoryTableData),
	}
}

func (e *MemoryEngine) ApplySchema(ctx context.Context, versions []schema.Version) error {
	layouts, err := layoutsFor(versions)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	for name := range layouts {
		if _, ok := e.data[name]; !ok {
			e.data[name] = &memoryTableData{objects: make(map[string]models.Object)}
		}
	}
	e.layouts = layouts
	e.versions = append([]schema.Version(nil), versions...)
	e.logger.Debugf("Memory engine applied %d schema version(s) with %d table(s)", len(versions), len(layouts))
	return nil
}

// Versions returns the schema versions applied so far.
func (e *MemoryEngine) Versions() []schema.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.Version(nil), e.versions...)
}

func (e *MemoryEngine) Table(name string) (Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	layout, ok := e.layouts[name]
	if !ok {
		return nil, &models.UnknownCollectionError{Collection: name}
	}
	return &memoryTable{engine: e, layout: layout}, nil
}

func (e *MemoryEngine) SupportsTransactions() bool {
	return true
}

func (e *MemoryEngine) Transaction(ctx context.Context, tables []string, body func(ctx context.Context) error) error {
	if scope, ok := scopeFrom(ctx); ok {
		if !scope.coversAll(tables) {
			return fmt.Errorf("nested transaction over %v exceeds the enclosing transaction", tables)
		}
		return body(ctx)
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	snapshots := make(map[string]*memoryTableData, len(tables))
	for _, table := range tables {
		data, ok := e.data[table]
		if !ok {
			e.mu.Unlock()
			return &models.UnknownCollectionError{Collection: table}
		}
		snapshots[table] = data.snapshot()
	}
	e.mu.Unlock()

	if err := body(context.WithValue(ctx, scopeKey{}, newScope(tables, nil))); err != nil {
		e.mu.Lock()
		for table, snapshot := range snapshots {
			e.data[table] = snapshot
		}
		e.mu.Unlock()
		e.logger.Debugf("Memory transaction over %v rolled back: %v", tables, err)
		return err
	}
	return nil
}

func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type memoryTable struct {
	engine *MemoryEngine
	layout *tableLayout
}

func (t *memoryTable) Name() string {
	return t.layout.name
}

func (t *memoryTable) PrimaryKey(object models.Object) (interface{}, error) {
	return t.layout.primaryKey(object)
}

// run executes fn with the table data locked, joining the transaction in ctx
// or serializing against running transactions otherwise.
func (t *memoryTable) run(ctx context.Context, fn func(data *memoryTableData) error) error {
	if _, err := checkScope(ctx, t.layout.name); err != nil {
		return err
	}
	if !InTransaction(ctx) {
		t.engine.txMu.Lock()
		defer t.engine.txMu.Unlock()
	}

	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	if t.engine.closed {
		return ErrClosed
	}
	data, ok := t.engine.data[t.layout.name]
	if !ok {
		return &models.UnknownCollectionError{Collection: t.layout.name}
	}
	return fn(data)
}

func (t *memoryTable) Put(ctx context.Context, object models.Object) (models.Object, error) {
	stored := cloneObject(object)
	err := t.run(ctx, func(data *memoryTableData) error {
		if t.layout.needsKey(stored) {
			data.sequence++
			stored[t.layout.pkFields[0]] = int64(data.sequence)
		}
		key, err := t.layout.primaryKey(stored)
		if err != nil {
			return err
		}
		if t.layout.autoInc {
			if n, ok := asUint(key); ok && n > data.sequence {
				data.sequence = n
			}
		}
		encoded, err := t.layout.encodeKey(key)
		if err != nil {
			return err
		}

		err = t.layout.checkUnique(stored, encoded, func(visit func([]byte, models.Object) error) error {
			for _, otherKey := range data.order {
				if err := visit([]byte(otherKey), data.objects[otherKey]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		if _, exists := data.objects[string(encoded)]; !exists {
			data.order = append(data.order, string(encoded))
		}
		data.objects[string(encoded)] = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneObject(stored), nil
}

func (t *memoryTable) all(data *memoryTableData) []models.Object {
	objects := make([]models.Object, 0, len(data.order))
	for _, key := range data.order {
		objects = append(objects, data.objects[key])
	}
	return objects
}

func (t *memoryTable) Find(ctx context.Context, q Query) ([]models.Object, error) {
	var result []models.Object
	err := t.run(ctx, func(data *memoryTableData) error {
		matched := applyQuery(t.all(data), q)
		result = make([]models.Object, len(matched))
		for i, object := range matched {
			result[i] = cloneObject(object)
		}
		return nil
	})
	return result, err
}

func (t *memoryTable) Count(ctx context.Context, q Query) (int, error) {
	var count int
	err := t.run(ctx, func(data *memoryTableData) error {
		count = len(applyQuery(t.all(data), q))
		return nil
	})
	return count, err
}

func (t *memoryTable) Remove(ctx context.Context, q Query) (int, error) {
	var removed int
	err := t.run(ctx, func(data *memoryTableData) error {
		for _, object := range applyQuery(t.all(data), q) {
			key, err := t.layout.primaryKey(object)
			if err != nil {
				return err
			}
			encoded, err := t.layout.encodeKey(key)
			if err != nil {
				return err
			}
			delete(data.objects, string(encoded))
			removed++
		}

		order := data.order[:0]
		for _, key := range data.order {
			if _, ok := data.objects[key]; ok {
				order = append(order, key)
			}
		}
		data.order = order
		return nil
	})
	return removed, err
}
