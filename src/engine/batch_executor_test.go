package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docbatch/src/models"
	"docbatch/src/stemming"
	"docbatch/src/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestExecuteNestedCreate(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	ctx := context.Background()

	flat, err := Flatten(models.Batch{janeWithEmails()}, f.registry)
	require.NoError(t, err)
	result, err := f.executor.Execute(ctx, flat)
	require.NoError(t, err)
	assert.NotEmpty(t, result.BatchID)
	require.Len(t, result.Info, 3)

	jane := result.Info["auto-gen:1"].Object
	assert.Equal(t, int64(1), jane["id"])
	assert.Equal(t, "Jane", jane["displayName"])

	email := result.Info["auto-gen:3"].Object
	assert.Equal(t, "jane@work.com", email["address"])
	assert.Equal(t, int64(1), email["user"])
	assert.NotContains(t, email, "userId")

	stored := f.all(t, "email")
	require.Len(t, stored, 2)
	for _, object := range stored {
		assert.Equal(t, int64(1), object["userId"])
		assert.NotContains(t, object, "user")
	}
}

func TestExecuteWritesCleanedObjects(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})

	result, err := f.executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{
			Placeholder: "jane",
			Collection:  "user",
			Args: models.Object{
				"displayName": "Jane",
				"settings":    map[string]interface{}{"theme": "dark"},
				"created":     models.Now,
			},
		},
		&models.CreateObjectOperation{Placeholder: "joe", Collection: "user", Args: models.Object{"displayName": "Joe"}},
	})
	require.NoError(t, err)

	stored := f.all(t, "user")
	require.Len(t, stored, 2)
	assert.Equal(t, `{"theme":"dark"}`, stored[0]["settings"])
	assert.Equal(t, fixedNow, stored[0]["created"])
	assert.Equal(t, map[string]interface{}{"theme": "dark"}, result.Info["jane"].Object["settings"])

	// absent optional fields are stored as explicit nils
	assert.Contains(t, stored[1], "settings")
	assert.Nil(t, stored[1]["settings"])
	assert.Contains(t, stored[1], "created")
	assert.Nil(t, stored[1]["created"])
}

func TestExecuteResolvesExplicitPlaceholders(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})

	result, err := f.executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{Placeholder: "admins", Collection: "group", Args: models.Object{"name": "admins"}, Replace: []models.Replacement{}},
		&models.CreateObjectOperation{Placeholder: "jane", Collection: "user", Args: models.Object{"displayName": "Jane"}, Replace: []models.Replacement{}},
		&models.CreateObjectOperation{
			Placeholder: "membership",
			Collection:  "membership",
			Args:        models.Object{"role": "owner"},
			Replace: []models.Replacement{
				{Path: "user", Placeholder: "jane"},
				{Path: "group", Placeholder: "admins"},
			},
		},
	})
	require.NoError(t, err)

	membership := result.Info["membership"].Object
	assert.Equal(t, int64(1), membership["user"])
	assert.Equal(t, int64(1), membership["group"])
	assert.Equal(t, "owner", membership["role"])
}

func TestExecuteUnresolvedPlaceholder(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})

	_, err := f.executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{Collection: "user", Args: models.Object{"displayName": "Jane"}},
		&models.CreateObjectOperation{
			Collection: "email",
			Args:       models.Object{"address": "jane@doe.com"},
			Replace:    []models.Replacement{{Path: "user", Placeholder: "jane"}},
		},
	})
	var unresolved *models.UnresolvedPlaceholderError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "jane", unresolved.Placeholder)
	assert.Equal(t, 1, unresolved.Step)
	assert.Equal(t, "email", unresolved.Collection)
}

func TestExecuteFullTextTerms(t *testing.T) {
	f := newFixture(t, ExecutorConfig{Stemmers: wordSelector(t)})
	ctx := context.Background()

	result, err := f.executor.Execute(ctx, models.Batch{
		&models.CreateObjectOperation{Placeholder: "note", Collection: "note", Args: models.Object{"body": "This is some test text. This is some test text."}},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"this", "is", "some", "test", "text"}, result.Info["note"].Object["_body_terms"])

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "note", Where: models.Object{}, Updates: models.Object{"$set": map[string]interface{}{"body": "Other words, other words"}}},
	})
	require.NoError(t, err)
	stored := f.all(t, "note")
	require.Len(t, stored, 1)
	assert.Equal(t, []interface{}{"other", "words"}, stored[0]["_body_terms"])

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "note", Where: models.Object{"_body_terms": "other"}, Updates: models.Object{
			"body":        "Completely new",
			"_body_terms": []interface{}{"custom"},
		}},
	})
	require.NoError(t, err)
	stored = f.all(t, "note")
	assert.Equal(t, "Completely new", stored[0]["body"])
	assert.Equal(t, []interface{}{"custom"}, stored[0]["_body_terms"])
}

func TestExecuteFullTextWithoutStemmer(t *testing.T) {
	f := newFixture(t, ExecutorConfig{Stemmers: stemming.StaticSelector(nil)})

	_, err := f.executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{Collection: "note", Args: models.Object{"body": "text"}},
	})
	var configuration *models.ConfigurationError
	require.True(t, errors.As(err, &configuration))
	assert.Contains(t, err.Error(), "without specifying a stemmer for that field")
	assert.Contains(t, err.Error(), "step 0 (createObject on 'note')")
}

func TestExecuteUpdateAndDelete(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	ctx := context.Background()

	flat, err := Flatten(models.Batch{janeWithEmails()}, f.registry)
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, flat)
	require.NoError(t, err)

	result, err := f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{
			Placeholder: "renamed",
			Collection:  "user",
			Where:       models.Object{"displayName": "Jane"},
			Updates: models.Object{
				"displayName": "Janet",
				"$inc":        map[string]interface{}{"logins": 2},
			},
		},
		&models.UpdateObjectsOperation{
			Placeholder: "moved",
			Collection:  "email",
			Where:       models.Object{"user": 1, "address": "jane@work.com"},
			Updates:     models.Object{"$set": map[string]interface{}{"address": "janet@work.com"}},
		},
		&models.DeleteObjectsOperation{Placeholder: "dropped", Collection: "email", Where: models.Object{"address": "jane@doe.com"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Info["renamed"].Count)
	assert.Equal(t, 1, result.Info["moved"].Count)
	assert.Equal(t, 1, result.Info["dropped"].Count)

	users := f.all(t, "user")
	require.Len(t, users, 1)
	assert.Equal(t, "Janet", users[0]["displayName"])
	assert.EqualValues(t, 2, users[0]["logins"])

	emails := f.all(t, "email")
	require.Len(t, emails, 1)
	assert.Equal(t, "janet@work.com", emails[0]["address"])
	assert.Equal(t, int64(1), emails[0]["userId"])

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "email", Where: models.Object{}, Updates: models.Object{"$unset": map[string]interface{}{"user": ""}}},
	})
	require.NoError(t, err)
	emails = f.all(t, "email")
	assert.NotContains(t, emails[0], "userId")
}

func TestExecuteRejectsUnsupportedOperators(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})

	_, err := f.executor.Execute(context.Background(), models.Batch{
		&models.UpdateObjectsOperation{Collection: "user", Where: models.Object{}, Updates: models.Object{"$push": map[string]interface{}{"tags": "x"}}},
	})
	var unsupported *models.UnsupportedOperatorError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "$push", unsupported.Operator)
}

func TestExecuteRejectsPrimaryKeyUpdates(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	ctx := context.Background()

	_, err := f.executor.Execute(ctx, models.Batch{
		&models.CreateObjectOperation{Collection: "user", Args: models.Object{"displayName": "Jane"}},
	})
	require.NoError(t, err)

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "user", Where: models.Object{}, Updates: models.Object{"$set": map[string]interface{}{"id": 5}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot update primary key field 'id'")

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "user", Where: models.Object{}, Updates: models.Object{"$set": map[string]interface{}{"id": 1}}},
	})
	assert.NoError(t, err)
}

func TestRunInTransactionRollsBack(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	ctx := context.Background()
	orchestrator := NewTransactionOrchestrator(f.engine, true, zap.NewNop().Sugar())
	require.True(t, orchestrator.Transactional())

	flat, err := Flatten(models.Batch{
		janeWithEmails(),
		&models.UpdateObjectsOperation{Collection: "user", Where: models.Object{}, Updates: models.Object{"$push": map[string]interface{}{"tags": "x"}}},
	}, f.registry)
	require.NoError(t, err)

	err = orchestrator.RunInTransaction(ctx, TouchedCollections(flat), func(ctx context.Context) error {
		_, err := f.executor.Execute(ctx, flat)
		return err
	})
	var unsupported *models.UnsupportedOperatorError
	require.True(t, errors.As(err, &unsupported))
	assert.Empty(t, f.all(t, "user"))
	assert.Empty(t, f.all(t, "email"))
}

func TestRunInTransactionScopesTables(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	orchestrator := NewTransactionOrchestrator(f.engine, true, zap.NewNop().Sugar())

	err := orchestrator.RunInTransaction(context.Background(), []string{"user"}, func(ctx context.Context) error {
		_, err := f.executor.Execute(ctx, models.Batch{
			&models.CreateObjectOperation{Collection: "group", Args: models.Object{"name": "admins"}},
		})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of the current transaction")
	assert.Empty(t, f.all(t, "group"))
}

func TestRunWithoutTransactionKeepsPartialWrites(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	core, logs := observer.New(zapcore.WarnLevel)
	orchestrator := NewTransactionOrchestrator(f.engine, false, zap.New(core).Sugar())
	assert.False(t, orchestrator.Transactional())

	flat := models.Batch{
		&models.CreateObjectOperation{Collection: "user", Args: models.Object{"displayName": "Jane"}},
		&models.UpdateObjectsOperation{Collection: "user", Where: models.Object{}, Updates: models.Object{"$pop": map[string]interface{}{"tags": 1}}},
	}
	err := orchestrator.RunInTransaction(context.Background(), TouchedCollections(flat), func(ctx context.Context) error {
		_, err := f.executor.Execute(ctx, flat)
		return err
	})
	require.Error(t, err)
	assert.Len(t, f.all(t, "user"), 1)
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "without a transaction")
}

func TestExecuteJournalsSteps(t *testing.T) {
	dir := t.TempDir()
	journal, err := newJournal(filepath.Join(dir, "ops.journal"), 0, func() time.Time { return fixedNow })
	require.NoError(t, err)
	defer journal.Close()

	f := newFixture(t, ExecutorConfig{Journal: journal})
	result, err := f.executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{Placeholder: "jane", Collection: "user", Args: models.Object{"displayName": "Jane"}},
		&models.DeleteObjectsOperation{Collection: "user", Where: models.Object{"displayName": "Joe"}},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "ops_2020-05-17.journal"))
	require.NoError(t, err)
	assert.Contains(t, string(data), result.BatchID+" | createObject | user | placeholder=jane key=1")
	assert.Contains(t, string(data), result.BatchID+" | deleteObjects | user | removed=0")
}

func TestExecuteTranslatesAliasesInNestedFilters(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	ctx := context.Background()

	flat, err := Flatten(models.Batch{janeWithEmails()}, f.registry)
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, flat)
	require.NoError(t, err)

	where := models.Object{"$and": []map[string]interface{}{{"user": 1}, {"address": "jane@work.com"}}}
	result, err := f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{
			Placeholder: "moved",
			Collection:  "email",
			Where:       where,
			Updates:     models.Object{"address": "janet@work.com"},
		},
		&models.DeleteObjectsOperation{
			Placeholder: "dropped",
			Collection:  "email",
			Where:       models.Object{"$or": []interface{}{map[string]interface{}{"user": 1}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Info["moved"].Count)
	assert.Equal(t, 2, result.Info["dropped"].Count)
	assert.Empty(t, f.all(t, "email"))
	assert.Equal(t, map[string]interface{}{"user": 1}, where["$and"].([]map[string]interface{})[0])
}

func TestExecuteNestedCreateUnderCompoundKey(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})

	flat, err := Flatten(models.Batch{&models.CreateObjectOperation{
		Collection: "list",
		Args: models.Object{
			"owner": "jane",
			"name":  "todo",
			"entries": []interface{}{
				map[string]interface{}{
					"title": "milk",
					"tags": []interface{}{
						map[string]interface{}{"label": "shop"},
						map[string]interface{}{"label": "dairy"},
					},
				},
				map[string]interface{}{"title": "mail"},
			},
		},
	}}, f.registry)
	require.NoError(t, err)
	require.Len(t, flat, 5)

	// every placeholder a step refers to is produced by an earlier step
	producedAt := make(map[string]int)
	for i, operation := range flat {
		create := operation.(*models.CreateObjectOperation)
		for _, replace := range create.Replace {
			at, ok := producedAt[replace.Placeholder]
			require.True(t, ok, "step %d refers to %s before it is created", i, replace.Placeholder)
			assert.Less(t, at, i)
		}
		if create.Placeholder != "" {
			producedAt[create.Placeholder] = i
		}
	}

	_, err = f.executor.Execute(context.Background(), flat)
	require.NoError(t, err)

	lists := f.all(t, "list")
	require.Len(t, lists, 1)

	entries := f.all(t, "entry")
	require.Len(t, entries, 2)
	titles := make(map[string]int64)
	for _, entry := range entries {
		assert.Equal(t, []interface{}{"jane", "todo"}, entry["list"])
		titles[entry["title"].(string)] = entry["id"].(int64)
	}

	tags := f.all(t, "tag")
	require.Len(t, tags, 2)
	for _, tag := range tags {
		assert.Equal(t, titles["milk"], tag["entry"])
	}
	assert.Equal(t, int64(1), titles["milk"])
}

func TestExecuteUnsetTextDropsTerms(t *testing.T) {
	f := newFixture(t, ExecutorConfig{Stemmers: wordSelector(t)})
	ctx := context.Background()

	_, err := f.executor.Execute(ctx, models.Batch{
		&models.CreateObjectOperation{Collection: "note", Args: models.Object{"body": "Hello world"}},
		&models.CreateObjectOperation{Collection: "note", Args: models.Object{"body": "Second note"}},
	})
	require.NoError(t, err)

	_, err = f.executor.Execute(ctx, models.Batch{
		&models.UpdateObjectsOperation{Collection: "note", Where: models.Object{"id": 1}, Updates: models.Object{"body": ""}},
		&models.UpdateObjectsOperation{Collection: "note", Where: models.Object{"id": 2}, Updates: models.Object{"$unset": map[string]interface{}{"body": ""}}},
	})
	require.NoError(t, err)

	notes := f.all(t, "note")
	require.Len(t, notes, 2)
	assert.Equal(t, "", notes[0]["body"])
	assert.Equal(t, []interface{}{}, notes[0]["_body_terms"])
	assert.NotContains(t, notes[1], "body")
	assert.NotContains(t, notes[1], "_body_terms")
}

type keylessEngine struct {
	storage.Engine
}

func (e keylessEngine) Table(name string) (storage.Table, error) {
	table, err := e.Engine.Table(name)
	if err != nil {
		return nil, err
	}
	return keylessTable{table}, nil
}

type keylessTable struct {
	storage.Table
}

func (keylessTable) PrimaryKey(models.Object) (interface{}, error) {
	return nil, errors.New("no key")
}

func TestExecuteReportsPrimaryKeyErrors(t *testing.T) {
	f := newFixture(t, ExecutorConfig{})
	executor := NewBatchExecutor(keylessEngine{f.engine}, f.registry, ExecutorConfig{Clock: func() time.Time { return fixedNow }}, zap.NewNop().Sugar())

	_, err := executor.Execute(context.Background(), models.Batch{
		&models.CreateObjectOperation{Collection: "group", Args: models.Object{"name": "admins"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key")
}
