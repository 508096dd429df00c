package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefault(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"
format = "json"

[line]
addr = ":9000"

[remote]
addr = ""
idle_timeout = "30s"

[vm]
memory_size = 4096
tx_file = "tx.json"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, ":9000", c.Line.Addr)
	assert.Equal(t, "", c.Remote.Addr)
	assert.Equal(t, 30*time.Second, c.Remote.IdleTimeout)
	assert.Equal(t, 4096, c.VM.MemorySize)
	assert.Equal(t, "tx.json", c.VM.TxFile)
	// 没有配置的字段保持默认值
	assert.Equal(t, Default().VM.GasLimit, c.VM.GasLimit)
}

func TestLoadInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "[vm]\nmemory_size = 0\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[vm]\nunknown = 1\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[log]\nformat = \"xml\"\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
