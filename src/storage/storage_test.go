package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docbatch/src/models"
	"docbatch/src/query"
	"docbatch/src/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testVersions = []schema.Version{
	{
		Number:        1,
		SchemaVersion: time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC),
		Schema:        map[string]string{"user": "++id, &email"},
	},
	{
		Number:        2,
		SchemaVersion: time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
		Schema: map[string]string{
			"user":   "++id, &email",
			"tag":    "slug",
			"member": "[userId+groupId], userId",
		},
	},
}

type engineFactory func(t *testing.T) Engine

func engines() map[string]engineFactory {
	return map[string]engineFactory{
		"memory": func(t *testing.T) Engine {
			return NewMemoryEngine(zap.NewNop().Sugar())
		},
		"bolt": func(t *testing.T) Engine {
			e, err := OpenBoltEngine(filepath.Join(t.TempDir(), "store.db"), zap.NewNop().Sugar())
			require.NoError(t, err)
			return e
		},
	}
}

func openWithSchema(t *testing.T, factory engineFactory) Engine {
	t.Helper()
	e := factory(t)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.ApplySchema(context.Background(), testVersions))
	return e
}

func filter(t *testing.T, where map[string]interface{}) *query.Filter {
	t.Helper()
	f, err := query.NewFilter(where)
	require.NoError(t, err)
	return f
}

func TestEngineAutoIncrementAndFind(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			users, err := e.Table("user")
			require.NoError(t, err)

			for _, userName := range []string{"Jane", "Joe", "Ann"} {
				stored, err := users.Put(ctx, models.Object{"name": userName, "email": userName + "@doe.com"})
				require.NoError(t, err)
				assert.NotNil(t, stored["id"])
			}

			all, err := users.Find(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, int64(1), all[0]["id"])
			assert.Equal(t, int64(3), all[2]["id"])

			key, err := users.PrimaryKey(all[1])
			require.NoError(t, err)
			assert.Equal(t, int64(2), key)

			sorted, err := users.Find(ctx, Query{SortBy: "name", Skip: 1, Limit: 1})
			require.NoError(t, err)
			require.Len(t, sorted, 1)
			assert.Equal(t, "Jane", sorted[0]["name"])

			count, err := users.Count(ctx, Query{Filter: filter(t, map[string]interface{}{"name": map[string]interface{}{"$ne": "Joe"}})})
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			removed, err := users.Remove(ctx, Query{Filter: filter(t, map[string]interface{}{"name": "Joe"})})
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			stored, err := users.Put(ctx, models.Object{"name": "Zed", "email": "zed@doe.com"})
			require.NoError(t, err)
			assert.Equal(t, int64(4), stored["id"])
		})
	}
}

func TestEnginePutReplacesByKey(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			tags, err := e.Table("tag")
			require.NoError(t, err)

			_, err = tags.Put(ctx, models.Object{"slug": "go", "label": "Go"})
			require.NoError(t, err)
			_, err = tags.Put(ctx, models.Object{"slug": "go", "label": "Golang"})
			require.NoError(t, err)

			all, err := tags.Find(ctx, Query{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "Golang", all[0]["label"])

			_, err = tags.Put(ctx, models.Object{"label": "no slug"})
			assert.Error(t, err)
		})
	}
}

func TestEngineCompoundKey(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			members, err := e.Table("member")
			require.NoError(t, err)

			for _, member := range []models.Object{
				{"userId": 1, "groupId": 1, "role": "owner"},
				{"userId": 1, "groupId": 2, "role": "guest"},
				{"userId": 1, "groupId": 1, "role": "admin"},
			} {
				_, err := members.Put(ctx, member)
				require.NoError(t, err)
			}

			all, err := members.Find(ctx, Query{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			key, err := members.PrimaryKey(models.Object{"userId": 1, "groupId": 2})
			require.NoError(t, err)
			assert.Equal(t, []interface{}{1, 2}, key)
		})
	}
}

func TestEngineUniqueConstraint(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			users, err := e.Table("user")
			require.NoError(t, err)

			jane, err := users.Put(ctx, models.Object{"name": "Jane", "email": "jane@doe.com"})
			require.NoError(t, err)

			_, err = users.Put(ctx, models.Object{"name": "Other", "email": "jane@doe.com"})
			var constraint *models.ConstraintError
			require.True(t, errors.As(err, &constraint))
			assert.Equal(t, []string{"email"}, constraint.Fields)

			jane["name"] = "Jane Doe"
			_, err = users.Put(ctx, jane)
			assert.NoError(t, err)
		})
	}
}

func TestEngineTransactionRollback(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			users, err := e.Table("user")
			require.NoError(t, err)
			tags, err := e.Table("tag")
			require.NoError(t, err)

			_, err = users.Put(ctx, models.Object{"name": "Jane", "email": "jane@doe.com"})
			require.NoError(t, err)

			failure := errors.New("step failed")
			err = e.Transaction(ctx, []string{"user", "tag"}, func(ctx context.Context) error {
				assert.True(t, InTransaction(ctx))
				if _, err := users.Put(ctx, models.Object{"name": "Joe", "email": "joe@doe.com"}); err != nil {
					return err
				}
				if _, err := tags.Put(ctx, models.Object{"slug": "go"}); err != nil {
					return err
				}
				count, err := users.Count(ctx, Query{})
				require.NoError(t, err)
				assert.Equal(t, 2, count)
				return failure
			})
			assert.ErrorIs(t, err, failure)

			count, err := users.Count(ctx, Query{})
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			count, err = tags.Count(ctx, Query{})
			require.NoError(t, err)
			assert.Equal(t, 0, count)

			err = e.Transaction(ctx, []string{"user"}, func(ctx context.Context) error {
				_, err := users.Put(ctx, models.Object{"name": "Joe", "email": "joe@doe.com"})
				return err
			})
			require.NoError(t, err)
			count, err = users.Count(ctx, Query{})
			require.NoError(t, err)
			assert.Equal(t, 2, count)
		})
	}
}

func TestEngineTransactionScope(t *testing.T) {
	for name, factory := range engines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := openWithSchema(t, factory)
			tags, err := e.Table("tag")
			require.NoError(t, err)

			err = e.Transaction(ctx, []string{"user"}, func(ctx context.Context) error {
				_, err := tags.Put(ctx, models.Object{"slug": "go"})
				return err
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "not part of the current transaction")

			err = e.Transaction(ctx, []string{"user", "tag"}, func(ctx context.Context) error {
				return e.Transaction(ctx, []string{"tag"}, func(ctx context.Context) error {
					_, err := tags.Put(ctx, models.Object{"slug": "go"})
					return err
				})
			})
			require.NoError(t, err)

			err = e.Transaction(ctx, []string{"nothing"}, func(ctx context.Context) error { return nil })
			var unknown *models.UnknownCollectionError
			assert.True(t, errors.As(err, &unknown))

			_, err = e.Table("nothing")
			assert.True(t, errors.As(err, &unknown))
		})
	}
}

func TestBoltEngineReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	logger := zap.NewNop().Sugar()

	e, err := OpenBoltEngine(path, logger)
	require.NoError(t, err)
	require.NoError(t, e.ApplySchema(ctx, testVersions))
	users, err := e.Table("user")
	require.NoError(t, err)
	created := time.Date(2019, 2, 1, 10, 30, 0, 0, time.UTC)
	_, err = users.Put(ctx, models.Object{"name": "Jane", "email": "jane@doe.com", "created": created, "terms": []interface{}{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := OpenBoltEngine(path, logger)
	require.NoError(t, err)
	defer reopened.Close()

	versions := reopened.Versions()
	require.Len(t, versions, 2)
	assert.Equal(t, testVersions[1].Schema, versions[1].Schema)
	assert.True(t, testVersions[1].SchemaVersion.Equal(versions[1].SchemaVersion))

	users, err = reopened.Table("user")
	require.NoError(t, err)
	all, err := users.Find(ctx, Query{Filter: filter(t, map[string]interface{}{"terms": "b"})})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(1), all[0]["id"])
	assert.Equal(t, created, all[0]["created"])

	stored, err := users.Put(ctx, models.Object{"name": "Joe", "email": "joe@doe.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored["id"])
}

func TestLayoutErrors(t *testing.T) {
	_, err := newTableLayout("note", "*_body_terms")
	assert.Error(t, err)

	_, err = layoutsFor(nil)
	assert.ErrorIs(t, err, ErrNoSchema)

	layout, err := newTableLayout("member", "[userId+groupId], &code")
	require.NoError(t, err)
	assert.Equal(t, []string{"userId", "groupId"}, layout.pkFields)
	assert.Equal(t, []string{"code"}, layout.unique)
	assert.False(t, layout.autoInc)
}
