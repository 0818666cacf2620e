package registry

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// Snapshot is a read-only copy of the registry taken at one instant. The
// classifier works against a snapshot so classification stays pure.
type Snapshot struct {
	workers map[string]*core.WorkerDescriptor
	ids     []string
}

// NewSnapshot builds a snapshot from descriptors. Later duplicates win.
func NewSnapshot(descs ...*core.WorkerDescriptor) *Snapshot {
	s := &Snapshot{workers: make(map[string]*core.WorkerDescriptor, len(descs))}
	for _, d := range descs {
		if d == nil {
			continue
		}
		if _, dup := s.workers[d.ID]; !dup {
			s.ids = append(s.ids, d.ID)
		}
		s.workers[d.ID] = d.Clone()
	}
	sort.Strings(s.ids)
	return s
}

// Get returns the worker with id.
func (s *Snapshot) Get(id string) (*core.WorkerDescriptor, bool) {
	d, ok := s.workers[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Lookup mirrors Registry.Lookup.
func (s *Snapshot) Lookup(id string) (*core.WorkerDescriptor, error) {
	d, ok := s.Get(id)
	if !ok {
		return nil, core.ErrNotFound("worker", id)
	}
	return d, nil
}

// All returns the workers sorted by id.
func (s *Snapshot) All() []*core.WorkerDescriptor {
	out := make([]*core.WorkerDescriptor, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.workers[id].Clone())
	}
	return out
}

// IDs returns the worker ids sorted.
func (s *Snapshot) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Suggest returns up to max ids that fuzzy-match ref, best first.
func (s *Snapshot) Suggest(ref string, max int) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" || len(s.ids) == 0 {
		return nil
	}
	matches := fuzzy.Find(ref, s.ids)
	if len(matches) == 0 {
		// Try the other direction so "exporter" still finds "data-exporter"
		// and a long typo still finds a shorter id.
		for _, id := range s.ids {
			if strings.Contains(ref, id) || strings.Contains(id, ref) {
				matches = append(matches, fuzzy.Match{Str: id})
			}
		}
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Str)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
