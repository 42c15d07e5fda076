package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidMarkedConfig(t *testing.T) {
	path := writeConfig(t, `
bootstrap:
  host: 127.0.0.1
  port: 9000
shards:
  - host: 127.0.0.1
    port: 9001
    name: shard-0
    start: 0.0
    end: 0.5
  - host: 127.0.0.1
    port: 9002
    name: shard-1
    start: 0.5
    end: 1.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Bootstrap.String())
	assert.Len(t, cfg.Shards, 2)
}

func TestLoadRejectsPartiallyMarkedConfig(t *testing.T) {
	path := writeConfig(t, `
bootstrap: {host: 127.0.0.1, port: 9000}
shards:
  - {host: 127.0.0.1, port: 9001, name: shard-0, start: 0.0, end: 0.5}
  - {host: 127.0.0.1, port: 9002, name: shard-1}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNonContiguousRanges(t *testing.T) {
	path := writeConfig(t, `
bootstrap: {host: 127.0.0.1, port: 9000}
shards:
  - {host: 127.0.0.1, port: 9001, name: shard-0, start: 0.0, end: 0.4}
  - {host: 127.0.0.1, port: 9002, name: shard-1, start: 0.5, end: 1.0}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsFirstStartNonZero(t *testing.T) {
	path := writeConfig(t, `
bootstrap: {host: 127.0.0.1, port: 9000}
shards:
  - {host: 127.0.0.1, port: 9001, name: shard-0, start: 0.1, end: 0.6}
  - {host: 127.0.0.1, port: 9002, name: shard-1, start: 0.6, end: 1.0}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeConfig(t, `
bootstrap: {host: 127.0.0.1, port: 9000}
shards:
  - {host: 127.0.0.1, port: 9001, name: dup, start: 0.0, end: 0.5}
  - {host: 127.0.0.1, port: 9002, name: dup, start: 0.5, end: 1.0}
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsUnmarkedConfig(t *testing.T) {
	path := writeConfig(t, `
bootstrap: {host: 127.0.0.1, port: 9000}
shards:
  - {host: 127.0.0.1, port: 9001, name: shard-0}
  - {host: 127.0.0.1, port: 9002, name: shard-1}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.Shards[0].Start)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 1024, s.BufferSize)
	assert.Equal(t, 5, s.ConnectTimeout)
}
