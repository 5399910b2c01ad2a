// Package cachemgr implements the Cache Manager action framework: a process-
// wide registry of named introspection/control actions, each either handled
// locally by a strand or fanned out across every strand via the
// Coordinator's Inquirer (internal/ipc/coordination) and merged back
// together. A Params is a plain map[string]any keyed result, rendered
// as JSON for the informal format tag and as a block-style YAML document
// for the YAML tag, rather than a bespoke struct per action; callers
// build Params{...} literals.
package cachemgr

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Params is one action's collected or merged output.
type Params map[string]any

// Format is an action's rendered output format.
type Format int

const (
	FormatInformal Format = iota
	FormatYAML
	// FormatPrometheus renders the prometheus text exposition format already
	// produced by the `metrics` action's own collector; Render passes it
	// through untouched rather than re-encoding it as JSON or YAML.
	FormatPrometheus
)

func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatPrometheus:
		return "prometheus"
	default:
		return "informal"
	}
}

// Render serializes p per its format tag.
func (f Format) Render(p Params) (string, error) {
	switch f {
	case FormatYAML:
		b, err := yaml.Marshal(p)
		if err != nil {
			return "", errors.Wrap(err, "cachemgr: render yaml")
		}
		return string(b), nil
	case FormatPrometheus:
		text, _ := p["text"].(string)
		return text, nil
	default:
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "cachemgr: render informal")
		}
		return string(b), nil
	}
}

// Parse decodes a rendered body back into Params, the inverse of
// Render, used by the Coordinator to read a strand's collected answer
// back out before merging it with the others.
func (f Format) Parse(body string) (Params, error) {
	p := make(Params)
	if body == "" {
		return p, nil
	}
	switch f {
	case FormatYAML:
		var raw any
		if err := yaml.Unmarshal([]byte(body), &raw); err != nil {
			return nil, errors.Wrap(err, "cachemgr: parse yaml")
		}
		// re-decode through JSON so numbers come back as float64, the same
		// shape the informal format's Parse produces.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "cachemgr: parse yaml")
		}
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, errors.Wrap(err, "cachemgr: parse yaml")
		}
	case FormatPrometheus:
		p["text"] = body
	default:
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, errors.Wrap(err, "cachemgr: parse informal")
		}
	}
	return p, nil
}

// Profile is an action's immutable identity.
type Profile struct {
	Name         string
	Description  string
	Protected    bool // requires a password (external auth, not enforced here)
	Atomic       bool // entire output produced in one call, never streamed
	Format       Format
	Aggregatable bool // fanned out and merged across every strand when SMP is active
}

// CollectFunc produces one strand's local contribution for an action.
// params carries the raw query-string-shaped arguments from the
// request URL.
type CollectFunc func(ctx context.Context, params Params) (Params, error)

// MergeFunc commutatively folds other into acc and returns the result; acc
// is nil on the first call for a given Dispatch round.
type MergeFunc func(acc, other Params) Params

// Registration ties a Profile to its local collector and (if
// Aggregatable) its cross-strand merge rule.
type Registration struct {
	Profile Profile
	Collect CollectFunc
	Merge   MergeFunc
}

// Registry is the process-wide action table; both the Coordinator and every
// Strand build an identical one at startup.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Registration)}
}

// Add registers reg, overwriting any prior registration under the
// same name.
func (r *Registry) Add(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[reg.Profile.Name] = reg
}

// Get returns the registration for name, if any.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.actions[name]
	return reg, ok
}

// List returns every registered profile, sorted by name (the `index`/
// `menu` actions' listing order).
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.actions))
	for _, reg := range r.actions {
		out = append(out, reg.Profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
