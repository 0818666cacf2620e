package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

const testCatalog = `
workers:
  - id: data-exporter
    capabilities: [data, export]
    category: implementation
    triggers: [export, csv]
    stats:
      success_rate: 0.9
      mean_latency: 150ms
    exec: ["sh", "-c", "echo exported"]
  - id: reviewer
    capabilities: [review, quality]
    category: quality
commands:
  export:
    workers: [data-exporter]
triggers:
  csv: [export]
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	require.Len(t, c.Workers, 2)

	w, ok := c.Worker("data-exporter")
	require.True(t, ok)
	assert.Equal(t, core.CategoryImplementation, w.Category)
	assert.Equal(t, 0.9, w.Stats.SuccessRate)
	assert.Equal(t, 150*time.Millisecond, w.Stats.MeanLatency)
	assert.Equal(t, []string{"sh", "-c", "echo exported"}, w.Exec)
	assert.Equal(t, []string{"data-exporter"}, c.Commands["export"].Workers)
	assert.Equal(t, []string{"export"}, c.Triggers["csv"])

	_, ok = c.Worker("ghost")
	assert.False(t, ok)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"syntax", "workers: ["},
		{"no capabilities", "workers:\n  - id: a\n"},
		{"duplicate", "workers:\n  - id: a\n    capabilities: [x]\n  - id: a\n    capabilities: [y]\n"},
		{"unknown command worker", "workers:\n  - id: a\n    capabilities: [x]\ncommands:\n  go:\n    workers: [b]\n"},
		{"empty command", "workers:\n  - id: a\n    capabilities: [x]\ncommands:\n  go: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.NotEmpty(t, c.Workers)
	_, ok := c.Worker("data-exporter")
	assert.True(t, ok)

	r := New(DefaultConfig())
	defer r.Close()
	added, replaced, err := r.Apply(c)
	require.NoError(t, err)
	assert.Equal(t, len(c.Workers), added)
	assert.Zero(t, replaced)

	added, replaced, err = r.Apply(c)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, len(c.Workers), replaced)
}

func TestRegistry_ApplySeedsStats(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	r := New(DefaultConfig())
	defer r.Close()
	_, _, err = r.Apply(c)
	require.NoError(t, err)

	d, err := r.Lookup("data-exporter")
	require.NoError(t, err)
	assert.Equal(t, 0.9, d.Stats.SuccessRate)

	d, err = r.Lookup("reviewer")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultSuccessRate, d.Stats.SuccessRate)
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	r := New(DefaultConfig())
	defer r.Close()
	_, _, err = r.Apply(c)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Catalog, 4)
	require.NoError(t, r.Watch(ctx, path, func(c *Catalog) { reloaded <- c }))

	updated := strings.Replace(testCatalog, "commands:", `  - id: latecomer
    capabilities: [docs]
    category: management
commands:`, 1)
	// Give the watcher a moment to settle before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case c := <-reloaded:
		assert.Len(t, c.Workers, 3)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded")
	}
	_, err = r.Lookup("latecomer")
	assert.NoError(t, err)
}

func TestLoadCatalog_Missing(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}
