package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["scan"])
	assert.True(t, names["rules"])
	assert.True(t, names["export"])
	assert.True(t, names["version"])
}

func TestScanCommandRequiresTarget(t *testing.T) {
	err := scanCmd.Args(scanCmd, []string{})
	assert.Error(t, err)
	assert.NoError(t, scanCmd.Args(scanCmd, []string{"example.com"}))
}

func TestRulesValidateCommand(t *testing.T) {
	dir := t.TempDir()
	doc := `
id: cli_rule
version: 1
enabled: true
meta:
  name: CLI rule
  risk: LOW
collections:
  - collect:
      - method: exact
        field: type
        value: IP_ADDRESS
headline: "addresses found"
`
	require.NoError(t, writeFile(filepath.Join(dir, "rule.yaml"), doc))

	rulesValidateCmd.SetArgs(nil)
	err := rulesValidateCmd.RunE(rulesValidateCmd, []string{dir})
	assert.NoError(t, err)
}

func TestRulesValidateRejectsBadRule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(filepath.Join(dir, "bad.yaml"), "id: [broken"))

	err := rulesValidateCmd.RunE(rulesValidateCmd, []string{dir})
	assert.Error(t, err)
}

func TestExportCommandFormats(t *testing.T) {
	flag := exportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "json", flag.DefValue)
}
