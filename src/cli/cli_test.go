package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRegistry = `
collections:
  user:
    version: 2019-02-01
    fields:
      displayName: string
      logins: {type: int, optional: true}
  email:
    version: 2019-02-01
    fields:
      address: string
    relationships:
      - childOf: user
`

const testBatch = `
- operation: createObject
  placeholder: jane
  collection: user
  args:
    displayName: Jane
    emails:
      - address: jane@doe.com
      - address: jane@work.com
- operation: createObject
  placeholder: joe
  collection: user
  args: {displayName: Joe}
`

// mkFile creates a file with the given name and content.
func mkFile(t *testing.T, name, content string) string {
	err := os.WriteFile(name, []byte(content), 0644)
	require.NoError(t, err, "error creating file %s", name)
	return name
}

// docbatch runs the cli with the given arguments and returns stdout, stderr
// and the error, if any.
func docbatch(args ...string) (stdout, stderr bytes.Buffer, err error) {
	config := NewCliConfig()
	config.Stdout = &stdout
	config.Stderr = &stderr
	config.Logger = zap.NewNop().Sugar()

	var exitRc int
	// replace the kong exit function with one that doesn't exit
	config.Exit = func(rc int) {
		exitRc = rc
	}

	rc, err := Cli(args, config)
	if err == nil && (exitRc != 0 || rc != 0) {
		err = fmt.Errorf("rc: %v exitRc: %v", rc, exitRc)
	}
	return
}

func TestCli(t *testing.T) {
	dir := t.TempDir()
	registry := mkFile(t, filepath.Join(dir, "registry.yaml"), testRegistry)
	batch := mkFile(t, filepath.Join(dir, "batch.yaml"), testBatch)
	dataDir := filepath.Join(dir, "data")
	common := []string{"-r", registry, "--datadir", dataDir, "--journaldir", filepath.Join(dir, "journal")}

	stdout, stderr, err := docbatch("schema", "-r", registry)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "resultCount: 1")
	assert.Contains(t, stdout.String(), "email: ++id, user")

	stdout, stderr, err = docbatch(append([]string{"exec", batch}, common...)...)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "resultCount: 4")
	assert.FileExists(t, filepath.Join(dataDir, "docbatch.db"))

	stdout, stderr, err = docbatch(append([]string{"find", "email", "-w", "{user: 1}", "--order", "address", "--desc", "-f", "json"}, common...)...)
	require.NoError(t, err, stderr.String())
	var found struct {
		ResultCount int                      `json:"resultCount"`
		Result      []map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &found))
	require.Equal(t, 2, found.ResultCount)
	assert.Equal(t, "jane@work.com", found.Result[0]["address"])
	assert.EqualValues(t, 1, found.Result[0]["user"])

	stdout, stderr, err = docbatch(append([]string{"update", "user", "-w", "displayName: joe", "-u", "$set: {logins: 4}"}, common...)...)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "resultCount: 0")

	stdout, stderr, err = docbatch(append([]string{"find", "user", "-w", "displayName: joe", "--ignore-case", "displayName"}, common...)...)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "displayName: Joe")

	stdout, stderr, err = docbatch(append([]string{"delete", "email", "-w", "{address: jane@doe.com}"}, common...)...)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "result: 1")

	stdout, stderr, err = docbatch(append([]string{"count", "email"}, common...)...)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "resultCount: 1")

	journals, err := filepath.Glob(filepath.Join(dir, "journal", "docbatch_*.journal"))
	require.NoError(t, err)
	require.Len(t, journals, 1)
	content, err := os.ReadFile(journals[0])
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(content), "createObject"))
	assert.Equal(t, 1, strings.Count(string(content), "deleteObjects"))
}

func TestCliConfigFile(t *testing.T) {
	dir := t.TempDir()
	registry := mkFile(t, filepath.Join(dir, "registry.yaml"), testRegistry)
	config := mkFile(t, filepath.Join(dir, "docbatch.yaml"), fmt.Sprintf("datadir: %s\ndbfile: other.db\n", filepath.Join(dir, "store")))

	_, stderr, err := docbatch("count", "user", "-r", registry, "-c", config)
	require.NoError(t, err, stderr.String())
	assert.FileExists(t, filepath.Join(dir, "store", "other.db"))

	bad := mkFile(t, filepath.Join(dir, "bad.yaml"), "port: 1776\n")
	_, _, err = docbatch("count", "user", "-r", registry, "-c", bad)
	assert.Error(t, err)
}

func TestCliErrors(t *testing.T) {
	dir := t.TempDir()
	registry := mkFile(t, filepath.Join(dir, "registry.yaml"), testRegistry)

	// missing --registry
	_, _, err := docbatch("schema")
	assert.Error(t, err)

	_, _, err = docbatch("find", "user", "-r", registry, "--format", "xml")
	assert.Error(t, err)

	_, stderr, err := docbatch("find", "account", "-r", registry, "--datadir", filepath.Join(dir, "data"))
	require.Error(t, err)
	assert.Contains(t, stderr.String(), "error finding objects in 'account'")

	_, _, err = docbatch("update", "user", "-r", registry, "--datadir", filepath.Join(dir, "data"), "-u", "[1]")
	assert.Error(t, err)
}
