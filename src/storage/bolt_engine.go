package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"docbatch/src/helpers"
	"docbatch/src/models"
	"docbatch/src/schema"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

var schemaBucket = []byte("_schema")

// BoltEngine stores every collection in its own bbolt bucket, one BSON
// document per primary key. Applied schema versions are kept in the
// _schema bucket so a reopened store knows its layout before any version is
// applied again.
type BoltEngine struct {
	db     *bolt.DB
	path   string
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	versions []schema.Version
	layouts  map[string]*tableLayout
}

func OpenBoltEngine(path string, logger *zap.SugaredLogger) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt store %s: %w", path, err)
	}

	e := &BoltEngine{db: db, path: path, logger: logger, layouts: make(map[string]*tableLayout)}

	var versions []schema.Version
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(schemaBucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", schemaBucket, err)
		}
		return bucket.ForEach(func(_, v []byte) error {
			var version schema.Version
			if err := bson.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("error decoding stored schema version: %w", err)
			}
			versions = append(versions, version)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if len(versions) > 0 {
		layouts, err := layoutsFor(versions)
		if err != nil {
			db.Close()
			return nil, err
		}
		e.versions = versions
		e.layouts = layouts
	}

	logger.Infof("Opened bbolt store %s with %d stored schema version(s)", path, len(versions))
	return e, nil
}

func versionKey(number int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(number))
	return key
}

func (e *BoltEngine) ApplySchema(ctx context.Context, versions []schema.Version) error {
	layouts, err := layoutsFor(versions)
	if err != nil {
		return err
	}

	err = e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(schemaBucket)
		for _, version := range versions {
			data, err := bson.Marshal(version)
			if err != nil {
				return fmt.Errorf("error encoding schema version %d: %w", version.Number, err)
			}
			if stored := bucket.Get(versionKey(version.Number)); stored != nil && string(stored) != string(data) {
				e.logger.Warnf("Schema version %d of %s changed since it was first applied", version.Number, e.path)
			}
			if err := bucket.Put(versionKey(version.Number), data); err != nil {
				return err
			}
		}
		for name := range layouts {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.versions = append([]schema.Version(nil), versions...)
	e.layouts = layouts
	e.mu.Unlock()

	e.logger.Debugf("bbolt store %s applied %d schema version(s) with %d table(s)", e.path, len(versions), len(layouts))
	return nil
}

// Versions returns the schema versions known to the store.
func (e *BoltEngine) Versions() []schema.Version {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]schema.Version(nil), e.versions...)
}

func (e *BoltEngine) Table(name string) (Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	layout, ok := e.layouts[name]
	if !ok {
		return nil, &models.UnknownCollectionError{Collection: name}
	}
	return &boltTable{engine: e, layout: layout}, nil
}

func (e *BoltEngine) SupportsTransactions() bool {
	return true
}

// Transaction runs body inside one bbolt read-write transaction. The handle
// travels in the context passed to body.
func (e *BoltEngine) Transaction(ctx context.Context, tables []string, body func(ctx context.Context) error) error {
	if scope, ok := scopeFrom(ctx); ok {
		if !scope.coversAll(tables) {
			return fmt.Errorf("nested transaction over %v exceeds the enclosing transaction", tables)
		}
		return body(ctx)
	}

	return e.db.Update(func(tx *bolt.Tx) error {
		for _, table := range tables {
			if tx.Bucket([]byte(table)) == nil {
				return &models.UnknownCollectionError{Collection: table}
			}
		}
		return body(context.WithValue(ctx, scopeKey{}, newScope(tables, tx)))
	})
}

func (e *BoltEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close bbolt store %s: %w", e.path, err)
	}
	return nil
}

type boltTable struct {
	engine *BoltEngine
	layout *tableLayout
}

func (t *boltTable) Name() string {
	return t.layout.name
}

func (t *boltTable) PrimaryKey(object models.Object) (interface{}, error) {
	return t.layout.primaryKey(object)
}

// withBucket runs fn against the table bucket, inside the transaction carried
// by ctx when there is one.
func (t *boltTable) withBucket(ctx context.Context, writable bool, fn func(bucket *bolt.Bucket) error) error {
	scope, err := checkScope(ctx, t.layout.name)
	if err != nil {
		return err
	}

	run := func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(t.layout.name))
		if bucket == nil {
			return &models.UnknownCollectionError{Collection: t.layout.name}
		}
		return fn(bucket)
	}

	if scope != nil {
		tx, ok := scope.handle.(*bolt.Tx)
		if !ok {
			return fmt.Errorf("context carries a transaction of another engine")
		}
		return run(tx)
	}
	if writable {
		return t.engine.db.Update(run)
	}
	return t.engine.db.View(run)
}

func decodeAll(bucket *bolt.Bucket) ([]models.Object, error) {
	var objects []models.Object
	err := bucket.ForEach(func(_, v []byte) error {
		object, err := helpers.DecodeBSON(v)
		if err != nil {
			return err
		}
		objects = append(objects, object)
		return nil
	})
	return objects, err
}

func (t *boltTable) Put(ctx context.Context, object models.Object) (models.Object, error) {
	stored := cloneObject(object)
	err := t.withBucket(ctx, true, func(bucket *bolt.Bucket) error {
		if t.layout.needsKey(stored) {
			sequence, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("table '%s': error assigning key: %w", t.layout.name, err)
			}
			stored[t.layout.pkFields[0]] = int64(sequence)
		}

		key, err := t.layout.primaryKey(stored)
		if err != nil {
			return err
		}
		if t.layout.autoInc {
			if n, ok := asUint(key); ok && n > bucket.Sequence() {
				if err := bucket.SetSequence(n); err != nil {
					return err
				}
			}
		}
		encoded, err := t.layout.encodeKey(key)
		if err != nil {
			return err
		}

		err = t.layout.checkUnique(stored, encoded, func(visit func([]byte, models.Object) error) error {
			return bucket.ForEach(func(k, v []byte) error {
				other, err := helpers.DecodeBSON(v)
				if err != nil {
					return err
				}
				return visit(k, other)
			})
		})
		if err != nil {
			return err
		}

		data, err := helpers.EncodeBSON(stored)
		if err != nil {
			return fmt.Errorf("table '%s': %w", t.layout.name, err)
		}
		return bucket.Put(encoded, data)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (t *boltTable) Find(ctx context.Context, q Query) ([]models.Object, error) {
	var result []models.Object
	err := t.withBucket(ctx, false, func(bucket *bolt.Bucket) error {
		objects, err := decodeAll(bucket)
		if err != nil {
			return err
		}
		result = applyQuery(objects, q)
		return nil
	})
	return result, err
}

func (t *boltTable) Count(ctx context.Context, q Query) (int, error) {
	objects, err := t.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(objects), nil
}

func (t *boltTable) Remove(ctx context.Context, q Query) (int, error) {
	var removed int
	err := t.withBucket(ctx, true, func(bucket *bolt.Bucket) error {
		objects, err := decodeAll(bucket)
		if err != nil {
			return err
		}

		var keys [][]byte
		for _, object := range applyQuery(objects, q) {
			key, err := t.layout.primaryKey(object)
			if err != nil {
				return err
			}
			encoded, err := t.layout.encodeKey(key)
			if err != nil {
				return err
			}
			keys = append(keys, encoded)
		}
		for _, key := range keys {
			if err := bucket.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
