package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsAreRegistered(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"migrate", "sweep", "get", "list"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGetRequiresToken(t *testing.T) {
	_, err := run(t, "get")
	assert.Error(t, err)
}

func TestListRequiresUser(t *testing.T) {
	_, err := run(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestMigrateRejectsDynamoDBBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "dynamodb")
	_, err := run(t, "migrate", "--env-file", t.TempDir()+"/missing.env")
	assert.ErrorIs(t, err, errNotPostgres)
}

func TestPrintJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, map[string]int{"expired": 2}))
	assert.JSONEq(t, `{"expired":2}`, out.String())
}
