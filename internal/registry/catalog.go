package registry

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/fsutil"
)

// maxCatalogSize bounds catalog files read from disk.
const maxCatalogSize = 4 << 20

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the on-disk description of the worker pool.
type Catalog struct {
	Workers  []WorkerSpec               `yaml:"workers"`
	Commands map[string]CommandTemplate `yaml:"commands"`
	// Triggers maps a lower-case keyword or phrase to capability tags.
	Triggers map[string][]string `yaml:"triggers"`
}

// WorkerSpec is a descriptor plus how to invoke the worker.
type WorkerSpec struct {
	core.WorkerDescriptor `yaml:",inline"`
	Exec                  []string          `yaml:"exec,omitempty"`
	Env                   map[string]string `yaml:"env,omitempty"`
	Dir                   string            `yaml:"dir,omitempty"`
}

// CommandTemplate expands a short command into workers or tags.
type CommandTemplate struct {
	Description string   `yaml:"description"`
	Workers     []string `yaml:"workers"`
	Tags        []string `yaml:"tags"`
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := fsutil.ReadFileScoped(path, maxCatalogSize)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in worker pool.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// DefaultCatalogYAML returns the built-in catalog source, used as the
// starting point of a project catalog.
func DefaultCatalogYAML() []byte {
	return append([]byte(nil), defaultCatalogYAML...)
}

// Validate checks worker ids are unique and commands reference known workers.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Workers))
	for i := range c.Workers {
		w := &c.Workers[i].WorkerDescriptor
		if err := w.Validate(); err != nil {
			return err
		}
		if seen[w.ID] {
			return core.ErrValidation(core.CodeInvalidWorker, "duplicate worker id").WithDetail("worker_id", w.ID)
		}
		seen[w.ID] = true
	}
	for name, cmd := range c.Commands {
		if len(cmd.Workers) == 0 && len(cmd.Tags) == 0 {
			return core.ErrValidation(core.CodeInvalidConfig, "command needs workers or tags").WithDetail("command", name)
		}
		for _, id := range cmd.Workers {
			if !seen[id] {
				return core.ErrValidation(core.CodeInvalidConfig, "command references unknown worker").
					WithDetail("command", name).WithDetail("worker_id", id)
			}
		}
	}
	return nil
}

// Worker returns the spec for id.
func (c *Catalog) Worker(id string) (WorkerSpec, bool) {
	for _, w := range c.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return WorkerSpec{}, false
}

// Apply registers every catalog worker. Workers missing from the catalog
// stay registered.
func (r *Registry) Apply(c *Catalog) (added, replaced int, err error) {
	for i := range c.Workers {
		d := &c.Workers[i].WorkerDescriptor
		_, lookupErr := r.Lookup(d.ID)
		if err := r.Register(d); err != nil {
			return added, replaced, err
		}
		if lookupErr == nil {
			replaced++
		} else {
			added++
		}
	}
	return added, replaced, nil
}
