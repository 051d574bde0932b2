package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAccountsDevThenList(t *testing.T) {
	dir := t.TempDir()
	flags := []string{"--keystore-path", dir, "--env-file", ""}

	_, err := execute(t, append([]string{"accounts", "dev", "--count", "2"}, flags...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"accounts", "list"}, flags...)...)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "dev-0")
	// anvil account #0
	assert.Contains(t, lines[1], "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	assert.Contains(t, lines[2], "dev-1")
}

func TestAccountsImportKeepsFileOrder(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
  "zeta": "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
  "alpha": "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
}`), 0o600))

	flags := []string{"--keystore-backend", "sqlite", "--keystore-path", dir, "--env-file", ""}
	_, err := execute(t, append([]string{"accounts", "import", file}, flags...)...)
	require.NoError(t, err)

	out, err := execute(t, append([]string{"accounts", "list"}, flags...)...)
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "zeta"), strings.Index(out, "alpha"))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := execute(t, "accounts", "list", "--keystore-path", t.TempDir(), "--env-file", "", "--log-format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log format")
}

func TestRunRequiresArgsFree(t *testing.T) {
	_, err := execute(t, "run", "extra")
	require.Error(t, err)
}
