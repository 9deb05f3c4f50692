package lspmux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	data := []byte(`
servers:
  gopls:
    command: gopls
    args: ["serve"]
    env:
      GOFLAGS: -mod=readonly
    workdir: /src/project
    request_timeout: 45s
  pyright:
    command: pyright-langserver
    args: ["--stdio"]
`)

	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	gopls := cfg.Servers["gopls"]
	assert.Equal(t, "gopls", gopls.Command)
	assert.Equal(t, []string{"serve"}, gopls.Args)
	assert.Equal(t, "-mod=readonly", gopls.Env["GOFLAGS"])
	assert.Equal(t, "/src/project", gopls.WorkDir)
	assert.Equal(t, 45*time.Second, gopls.RequestTimeout)

	pyright := cfg.Servers["pyright"]
	assert.Equal(t, "pyright-langserver", pyright.Command)
	assert.Zero(t, pyright.RequestTimeout)
}

func TestParseConfig_MissingCommand(t *testing.T) {
	_, err := ParseConfig([]byte("servers:\n  broken:\n    args: [\"x\"]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, err.Error(), "command is required")
}

func TestParseConfig_BadDuration(t *testing.T) {
	_, err := ParseConfig([]byte("servers:\n  s:\n    command: cat\n    request_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_timeout")
}

func TestParseConfig_BadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("servers: [not a map"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lspmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  echo:\n    command: cat\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "cat", cfg.Servers["echo"].Command)
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
