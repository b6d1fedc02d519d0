package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigDefaults(t *testing.T) {
	out, err := execute(t, "config", "defaults")
	require.NoError(t, err)
	assert.Contains(t, out, "baud: 115200")
	assert.Contains(t, out, "engine: none")
}

func TestConfigPrint_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9999\"\nserial:\n  baud: 9600\n"), 0o644))

	out, err := execute(t, "config", "print", "--config", path, "--env-file", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Contains(t, out, "9999")
	assert.Contains(t, out, "baud: 9600")
}

func TestSay_RequiresText(t *testing.T) {
	_, err := execute(t, "say")
	assert.Error(t, err)
}

func TestSay_NoneEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greeter.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tts:\n  engine: local\n"), 0o644))

	out, err := execute(t, "say", "hello", "there", "--engine", "none",
		"--config", path, "--env-file", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Contains(t, out, `spoke "hello there" with none engine`)
}
