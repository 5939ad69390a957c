package engine

import (
	"context"
	"testing"
	"time"

	"docbatch/src/fields"
	"docbatch/src/models"
	"docbatch/src/registry"
	"docbatch/src/schema"
	"docbatch/src/stemming"
	"docbatch/src/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testVersion = time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC)
	fixedNow    = time.Date(2020, 5, 17, 12, 0, 0, 0, time.UTC)
)

func testCollections() map[string][]models.CollectionDefinition {
	return map[string][]models.CollectionDefinition{
		"user": {{
			Version: testVersion,
			Fields: []models.FieldDefinition{
				{Name: "displayName", Type: models.FieldTypeString},
				{Name: "logins", Type: models.FieldTypeInt, Optional: true},
				{Name: "settings", Type: fields.TypeJSON, Optional: true},
				{Name: "created", Type: models.FieldTypeTimestamp, Optional: true},
			},
		}},
		"email": {{
			Version:       testVersion,
			Fields:        []models.FieldDefinition{{Name: "address", Type: models.FieldTypeString}},
			Relationships: []models.Relationship{{Kind: models.ChildOf, TargetCollection: "user", FieldName: "userId"}},
		}},
		"profile": {{
			Version:       testVersion,
			Fields:        []models.FieldDefinition{{Name: "bio", Type: models.FieldTypeString}},
			Relationships: []models.Relationship{{Kind: models.SingleChildOf, TargetCollection: "user"}},
		}},
		"group": {{
			Version: testVersion,
			Fields:  []models.FieldDefinition{{Name: "name", Type: models.FieldTypeString}},
		}},
		"membership": {{
			Version:       testVersion,
			Fields:        []models.FieldDefinition{{Name: "role", Type: models.FieldTypeString, Optional: true}},
			Relationships: []models.Relationship{{Kind: models.Connects, Connects: [2]string{"user", "group"}}},
		}},
		"note": {{
			Version: testVersion,
			Fields:  []models.FieldDefinition{{Name: "body", Type: models.FieldTypeText}},
			Indices: []models.IndexDefinition{{Fields: []models.IndexFieldRef{{Field: "body"}}}},
		}},
		"list": {{
			Version: testVersion,
			Fields: []models.FieldDefinition{
				{Name: "owner", Type: models.FieldTypeString},
				{Name: "name", Type: models.FieldTypeString},
			},
			Indices: []models.IndexDefinition{{Fields: []models.IndexFieldRef{{Field: "owner"}, {Field: "name"}}, Compound: true, PK: true}},
		}},
		"entry": {{
			Version:       testVersion,
			Fields:        []models.FieldDefinition{{Name: "title", Type: models.FieldTypeString}},
			Relationships: []models.Relationship{{Kind: models.ChildOf, TargetCollection: "list"}},
		}},
		"tag": {{
			Version:       testVersion,
			Fields:        []models.FieldDefinition{{Name: "label", Type: models.FieldTypeString}},
			Relationships: []models.Relationship{{Kind: models.ChildOf, TargetCollection: "entry"}},
		}},
	}
}

type fixture struct {
	registry *registry.Registry
	engine   *storage.MemoryEngine
	executor *BatchExecutor
}

func wordSelector(t *testing.T) stemming.Selector {
	t.Helper()
	word, err := stemming.ByName(stemming.Word, "")
	require.NoError(t, err)
	return stemming.StaticSelector(word)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(fields.NewTypeRegistry(), zap.NewNop().Sugar())
	require.NoError(t, r.RegisterCollections(testCollections()))
	require.NoError(t, r.FinishInitialization())
	return r
}

func newFixture(t *testing.T, config ExecutorConfig) *fixture {
	t.Helper()
	r := newTestRegistry(t)
	versions, err := schema.Compile(r.SchemaHistory())
	require.NoError(t, err)

	e := storage.NewMemoryEngine(zap.NewNop().Sugar())
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.ApplySchema(context.Background(), versions))

	if config.Clock == nil {
		config.Clock = func() time.Time { return fixedNow }
	}
	return &fixture{
		registry: r,
		engine:   e,
		executor: NewBatchExecutor(e, r, config, zap.NewNop().Sugar()),
	}
}

func (f *fixture) all(t *testing.T, collection string) []models.Object {
	t.Helper()
	table, err := f.engine.Table(collection)
	require.NoError(t, err)
	objects, err := table.Find(context.Background(), storage.Query{})
	require.NoError(t, err)
	return objects
}

func (f *fixture) collection(t *testing.T, name string) *models.CollectionDefinition {
	t.Helper()
	def, err := f.registry.Collection(name)
	require.NoError(t, err)
	return def
}

func janeWithEmails() *models.CreateObjectOperation {
	return &models.CreateObjectOperation{
		Collection: "user",
		Args: models.Object{
			"displayName": "Jane",
			"emails": []interface{}{
				map[string]interface{}{"address": "jane@doe.com"},
				map[string]interface{}{"address": "jane@work.com"},
			},
		},
	}
}
