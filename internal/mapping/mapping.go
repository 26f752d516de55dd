// Package mapping builds per-entity row transforms from configuration.
package mapping

import (
	"fmt"
	"sort"

	"relmigrate/internal/config"
	"relmigrate/internal/storage"
)

// Func transforms one source row into its destination shape.
type Func func(storage.Row) (storage.Row, error)

// New compiles a configured mapping. Renames are applied first, then drops,
// then constants. A rename whose source column is missing fails the record.
func New(m config.Mapping) (Func, error) {
	for from, to := range m.Rename {
		if from == "" || to == "" {
			return nil, fmt.Errorf("rename %q -> %q: empty column name", from, to)
		}
	}

	targets := make(map[string]string, len(m.Rename))
	for from, to := range m.Rename {
		if prev, ok := targets[to]; ok {
			return nil, fmt.Errorf("columns %q and %q both renamed to %q", prev, from, to)
		}
		targets[to] = from
	}

	renames := make([]string, 0, len(m.Rename))
	for from := range m.Rename {
		renames = append(renames, from)
	}
	sort.Strings(renames)

	drop := append([]string(nil), m.Drop...)
	constants := make(map[string]any, len(m.Constants))
	for k, v := range m.Constants {
		constants[k] = v
	}

	return func(in storage.Row) (storage.Row, error) {
		out := in.Clone()
		for _, from := range renames {
			if _, ok := in[from]; !ok {
				return nil, fmt.Errorf("source column %q not present", from)
			}
			delete(out, from)
		}
		for _, from := range renames {
			out[m.Rename[from]] = in[from]
		}
		for _, col := range drop {
			delete(out, col)
		}
		for k, v := range constants {
			out[k] = v
		}
		return out, nil
	}, nil
}

// FromConfig compiles every configured mapping keyed by entity type.
func FromConfig(mappings map[string]config.Mapping) (map[string]Func, error) {
	out := make(map[string]Func, len(mappings))
	for entity, m := range mappings {
		fn, err := New(m)
		if err != nil {
			return nil, fmt.Errorf("mapping %s: %w", entity, err)
		}
		out[entity] = fn
	}
	return out, nil
}
