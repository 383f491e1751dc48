// Package registry holds the processor and criterion implementations the
// runtime advertises to the platform.
//
// Registration is an explicit phase that runs before the supervisor
// starts. Once Freeze is called the registry never changes again, which
// is what lets the Join frame replayed after a reconnect list the exact
// same handler set as the first one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowrelay/flowrelay-go/internal/codec"
)

var (
	// ErrHandlerNotFound indicates no handler matches (kind, name,
	// version).
	ErrHandlerNotFound = errors.New("registry: handler not found")

	// ErrDuplicateHandler indicates a second registration for the same
	// (kind, name, version).
	ErrDuplicateHandler = errors.New("registry: duplicate handler")

	// ErrFrozen indicates a registration after Freeze.
	ErrFrozen = errors.New("registry: frozen")
)

// Kind discriminates the two handler families.
type Kind string

const (
	KindProcessor Kind = "processor"
	KindCriterion Kind = "criterion"
)

// ProcessorFunc transforms an entity as one workflow step. It may do I/O
// and should honor ctx cancellation.
type ProcessorFunc func(ctx context.Context, e codec.Entity) (codec.Entity, error)

// CriterionFunc evaluates a predicate gating a workflow transition.
// Expected to be cheap and side-effect free.
type CriterionFunc func(ctx context.Context, e codec.Entity) (bool, error)

// Handler is one registered implementation.
type Handler struct {
	Kind       Kind
	Name       string
	Version    int
	Descriptor *codec.Descriptor

	Process *ProcessorFunc
	Check   *CriterionFunc
}

// Private reports whether the handler is reachable by direct resolution
// but not advertised on the Join handshake.
func (h *Handler) Private() bool {
	return strings.HasPrefix(h.Name, "_")
}

// Info is the discovery record sent to the platform.
type Info struct {
	Kind    Kind
	Name    string
	Version int
}

type nameKey struct {
	kind Kind
	name string
}

// Registry is the handler table. Mutation is only legal before Freeze.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[nameKey][]*Handler // sorted by Version ascending
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[nameKey][]*Handler)}
}

// RegisterProcessor adds a processor implementation.
func (r *Registry) RegisterProcessor(name string, version int, d *codec.Descriptor, fn ProcessorFunc) error {
	if fn == nil {
		return fmt.Errorf("registry: processor %s has a nil function", name)
	}
	return r.add(&Handler{Kind: KindProcessor, Name: name, Version: version, Descriptor: d, Process: &fn})
}

// RegisterCriterion adds a criterion implementation.
func (r *Registry) RegisterCriterion(name string, version int, d *codec.Descriptor, fn CriterionFunc) error {
	if fn == nil {
		return fmt.Errorf("registry: criterion %s has a nil function", name)
	}
	return r.add(&Handler{Kind: KindCriterion, Name: name, Version: version, Descriptor: d, Check: &fn})
}

func (r *Registry) add(h *Handler) error {
	if h.Name == "" || h.Version <= 0 {
		return fmt.Errorf("registry: %s needs a name and a positive version", h.Kind)
	}
	if h.Descriptor == nil {
		return fmt.Errorf("registry: %s %s/v%d has no entity descriptor", h.Kind, h.Name, h.Version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	key := nameKey{kind: h.Kind, name: h.Name}
	for _, existing := range r.handlers[key] {
		if existing.Version == h.Version {
			return fmt.Errorf("%w: %s %s/v%d", ErrDuplicateHandler, h.Kind, h.Name, h.Version)
		}
	}
	versions := append(r.handlers[key], h)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	r.handlers[key] = versions
	return nil
}

// Freeze makes the registry immutable. The supervisor calls it before
// handing the registry to the stream session.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve finds a handler. version 0 means unpinned, which resolves the
// highest registered version; a pinned version requires an exact match.
func (r *Registry) Resolve(kind Kind, name string, version int) (*Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.handlers[nameKey{kind: kind, name: name}]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrHandlerNotFound, kind, name)
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, h := range versions {
		if h.Version == version {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q v%d", ErrHandlerNotFound, kind, name, version)
}

// List returns the advertised handler set for the Join handshake, in a
// stable order. Private handlers are omitted.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, versions := range r.handlers {
		for _, h := range versions {
			if h.Private() {
				continue
			}
			out = append(out, Info{Kind: h.Kind, Name: h.Name, Version: h.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}
