package engine

import (
	"context"

	"docbatch/src/storage"

	"go.uber.org/zap"
)

// TransactionOrchestrator wraps batch execution in one engine transaction
// scoped to the tables the batch touches.
type TransactionOrchestrator struct {
	engine        storage.Engine
	transactional bool
	logger        *zap.SugaredLogger
}

func NewTransactionOrchestrator(engine storage.Engine, transactional bool, logger *zap.SugaredLogger) *TransactionOrchestrator {
	return &TransactionOrchestrator{engine: engine, transactional: transactional, logger: logger}
}

// Transactional reports whether bodies really run inside engine transactions.
func (o *TransactionOrchestrator) Transactional() bool {
	return o.transactional && o.engine.SupportsTransactions()
}

// RunInTransaction runs body atomically over tables. When transactions are
// disabled or the engine has none, body runs unwrapped and partial writes
// survive a failure.
func (o *TransactionOrchestrator) RunInTransaction(ctx context.Context, tables []string, body func(ctx context.Context) error) error {
	if !o.Transactional() {
		o.logger.Warnf("Running batch over %v without a transaction; a failing step leaves earlier writes in place", tables)
		return body(ctx)
	}
	return o.engine.Transaction(ctx, tables, body)
}
