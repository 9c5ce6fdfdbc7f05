// Package registry maintains state.json, the durable set of known
// contexts. It generalizes an in-memory session list into an on-disk
// registry rewritten atomically on every mutation, with no locking
// beyond safeio's atomic replace (the registry is small and
// single-writer in the cooperative scheduling model).
package registry

import (
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/chibi-run/chibi/internal/entry"
	"github.com/chibi-run/chibi/internal/errs"
	"github.com/chibi-run/chibi/internal/home"
	"github.com/chibi-run/chibi/internal/safeio"
)

// Record is one context's registry entry.
type Record struct {
	Name                        string `json:"name"`
	CreatedAt                   int64  `json:"created_at"`
	LastActivityAt              int64  `json:"last_activity_at"`
	DestroyAt                   int64  `json:"destroy_at,omitempty"`
	DestroyAfterSecondsInactive int64  `json:"destroy_after_seconds_inactive,omitempty"`
}

type doc struct {
	Contexts []Record `json:"contexts"`
}

// Registry is the in-memory view of state.json, rewritten atomically on
// every mutation.
type Registry struct {
	path    string
	layout  home.Layout
	records map[string]Record
}

// Load reads state.json (tolerating its absence) and reconciles it
// against the contexts directory: entries whose directories disappeared
// are dropped, valid-name orphan directories are registered, and expired
// contexts are destroyed.
func Load(layout home.Layout, now int64) (*Registry, error) {
	r := &Registry{path: layout.State, layout: layout, records: map[string]Record{}}

	data, err := os.ReadFile(layout.State)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errs.Wrap(errs.Io, "registry.Load", "read", err)
		}
	} else {
		var d doc
		if err := json.Unmarshal(data, &d); err == nil {
			for _, rec := range d.Contexts {
				r.records[rec.Name] = rec
			}
		}
	}

	if err := r.reconcile(now); err != nil {
		return nil, err
	}
	if _, err := r.AutoDestroyExpired(now); err != nil {
		return nil, err
	}
	return r, nil
}

// reconcile drops entries whose directories vanished and registers
// orphan directories not yet tracked.
func (r *Registry) reconcile(now int64) error {
	for name := range r.records {
		if _, err := os.Stat(r.layout.ContextDir(name)); os.IsNotExist(err) {
			delete(r.records, name)
		}
	}

	entries, err := os.ReadDir(r.layout.Contexts)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Wrap(errs.Io, "registry.reconcile", "readdir", err)
	}
	for _, de := range entries {
		if !de.IsDir() || !entry.ValidName(de.Name()) {
			continue
		}
		if _, ok := r.records[de.Name()]; ok {
			continue
		}
		r.records[de.Name()] = Record{Name: de.Name(), CreatedAt: now, LastActivityAt: now}
	}
	return r.save()
}

// AutoDestroyExpired removes every context whose destroy_at has passed or
// whose inactivity window has elapsed, deleting both the directory and
// the registry entry. Returns the count destroyed.
func (r *Registry) AutoDestroyExpired(now int64) (int, error) {
	var destroyed []string
	for name, rec := range r.records {
		expired := (rec.DestroyAt > 0 && rec.DestroyAt <= now) ||
			(rec.DestroyAfterSecondsInactive > 0 && now-rec.LastActivityAt >= rec.DestroyAfterSecondsInactive)
		if expired {
			destroyed = append(destroyed, name)
		}
	}
	for _, name := range destroyed {
		if err := os.RemoveAll(r.layout.ContextDir(name)); err != nil {
			return 0, errs.Wrap(errs.Io, "registry.AutoDestroyExpired", "remove "+name, err)
		}
		delete(r.records, name)
	}
	if len(destroyed) > 0 {
		if err := r.save(); err != nil {
			return 0, err
		}
	}
	return len(destroyed), nil
}

// Touch updates a context's last_activity_at and, when non-nil, its
// destroy fields, in one atomic rewrite.
func (r *Registry) Touch(name string, now int64, destroyAt, destroyAfterInactive *int64) error {
	rec, ok := r.records[name]
	if !ok {
		rec = Record{Name: name, CreatedAt: now}
	}
	rec.LastActivityAt = now
	if destroyAt != nil {
		rec.DestroyAt = *destroyAt
	}
	if destroyAfterInactive != nil {
		rec.DestroyAfterSecondsInactive = *destroyAfterInactive
	}
	r.records[name] = rec
	return r.save()
}

// List returns every known context, sorted by name.
func (r *Registry) List() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a single record and whether it exists.
func (r *Registry) Get(name string) (Record, bool) {
	rec, ok := r.records[name]
	return rec, ok
}

// Remove drops a record without touching its directory (the caller owns
// that decision, e.g. explicit destroy vs. auto-destroy).
func (r *Registry) Remove(name string) error {
	delete(r.records, name)
	return r.save()
}

func (r *Registry) save() error {
	out := r.List()
	data, err := json.MarshalIndent(doc{Contexts: out}, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Io, "registry.save", "marshal", err)
	}
	return safeio.AtomicReplace(r.path, data)
}

// Now is a small seam so callers don't need time.Now() sprinkled through
// their own code; it is not used internally to keep Load/Touch testable
// with injected timestamps.
func Now() int64 { return time.Now().Unix() }
