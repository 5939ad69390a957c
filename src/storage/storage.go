package storage

import (
	"context"
	"errors"
	"fmt"

	"docbatch/src/models"
	"docbatch/src/query"
	"docbatch/src/schema"
)

var (
	ErrNoSchema = errors.New("no schema applied")
	ErrClosed   = errors.New("storage engine closed")
)

// Query selects objects of one table. A nil Filter matches everything;
// Limit 0 means no limit.
type Query struct {
	Filter     *query.Filter
	Skip       int
	Limit      int
	SortBy     string
	Descending bool
}

// Table is the per-collection view of an engine.
type Table interface {
	Name() string
	// Put inserts or replaces an object by primary key and returns the stored
	// object, with an assigned key for auto-increment tables.
	Put(ctx context.Context, object models.Object) (models.Object, error)
	Find(ctx context.Context, q Query) ([]models.Object, error)
	Count(ctx context.Context, q Query) (int, error)
	Remove(ctx context.Context, q Query) (int, error)
	// PrimaryKey returns the primary key value of a stored object: a scalar,
	// or an ordered list for compound keys.
	PrimaryKey(object models.Object) (interface{}, error)
}

// Engine is a storage engine laid out from compiled schema versions.
type Engine interface {
	// ApplySchema registers all versions, each additive over the previous.
	ApplySchema(ctx context.Context, versions []schema.Version) error
	Table(name string) (Table, error)
	// Transaction runs body with all-or-nothing semantics over exactly the
	// named tables. Touching any other table inside body is an error.
	Transaction(ctx context.Context, tables []string, body func(ctx context.Context) error) error
	SupportsTransactions() bool
	Close() error
}

type scopeKey struct{}

// transactionScope travels in the context of a running transaction.
type transactionScope struct {
	tables map[string]bool
	handle interface{}
}

func newScope(tables []string, handle interface{}) *transactionScope {
	scope := &transactionScope{tables: make(map[string]bool, len(tables)), handle: handle}
	for _, table := range tables {
		scope.tables[table] = true
	}
	return scope
}

func scopeFrom(ctx context.Context) (*transactionScope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(*transactionScope)
	return scope, ok
}

// InTransaction reports whether ctx belongs to a running engine transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := scopeFrom(ctx)
	return ok
}

// checkScope fails when ctx is inside a transaction that does not cover table.
func checkScope(ctx context.Context, table string) (*transactionScope, error) {
	scope, ok := scopeFrom(ctx)
	if !ok {
		return nil, nil
	}
	if !scope.tables[table] {
		return nil, fmt.Errorf("table '%s' is not part of the current transaction", table)
	}
	return scope, nil
}

// coversAll reports whether an outer transaction already spans tables, in
// which case a nested Transaction call just joins it.
func (s *transactionScope) coversAll(tables []string) bool {
	for _, table := range tables {
		if !s.tables[table] {
			return false
		}
	}
	return true
}
