// Package codec maps wire payloads to typed domain entities and back.
//
// Entity classes register a Descriptor keyed by (modelName, modelVersion).
// Decoding splits the payload into schema fields, which are handed to the
// typed entity, and everything else, which is kept verbatim on the entity
// and re-emitted on encode. The platform evolves entity shapes on its own
// schedule; the passthrough map is what keeps a processor round-trip from
// silently dropping fields this client has never heard of.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrUnknownModel indicates no descriptor is registered for the
	// (modelName, modelVersion) named by a request.
	ErrUnknownModel = errors.New("codec: unknown model")

	// ErrMalformedPayload indicates the payload does not satisfy the
	// descriptor's required fields or cannot be bound to the entity.
	ErrMalformedPayload = errors.New("codec: malformed payload")

	// ErrDuplicateModel indicates a second Register for the same key.
	ErrDuplicateModel = errors.New("codec: duplicate model registration")
)

// MetaKey is the reserved payload slot owned by the platform. It holds at
// minimum the current workflow state. Handlers may read it; the codec
// passes it through untouched.
const MetaKey = "meta"

// ModelKey identifies an entity class.
type ModelKey struct {
	Name    string
	Version int
}

func (k ModelKey) String() string {
	return fmt.Sprintf("%s/v%d", k.Name, k.Version)
}

// Field is one schema entry of a descriptor.
type Field struct {
	Name     string
	Required bool
}

// Entity is a typed domain object. Implementations embed Base and map
// their schema fields in FromFields/Fields.
type Entity interface {
	// FromFields binds the schema subset of a decoded payload onto the
	// typed entity.
	FromFields(fields map[string]interface{}) error

	// Fields emits the schema subset for encoding.
	Fields() map[string]interface{}

	base() *Base
}

// Base carries the platform-owned slots of an entity: the technical id,
// the meta block and the passthrough map of fields outside the schema.
// Embed it in every entity type.
type Base struct {
	TechnicalID string

	meta  map[string]interface{}
	extra map[string]interface{}
}

func (b *Base) base() *Base { return b }

// State returns the current workflow state from the meta slot, or "".
func (b *Base) State() string {
	if b.meta == nil {
		return ""
	}
	s, _ := b.meta["state"].(string)
	return s
}

// Meta returns the platform-owned meta block. Read-only by contract:
// handlers must not forge state transitions here.
func (b *Base) Meta() map[string]interface{} { return b.meta }

// Extra returns the passthrough fields preserved verbatim across a
// decode/encode round trip.
func (b *Base) Extra() map[string]interface{} { return b.extra }

func (b *Base) attach(meta, extra map[string]interface{}) {
	b.meta = meta
	b.extra = extra
	if meta != nil {
		if id, ok := meta["technicalId"].(string); ok {
			b.TechnicalID = id
		}
	}
}

// Descriptor registers an entity class with the codec.
type Descriptor struct {
	ModelName    string
	ModelVersion int

	// Schema lists the fields the typed entity understands. Anything
	// outside it rides in the passthrough map.
	Schema []Field

	// New produces a blank typed entity.
	New func() Entity
}

// Key returns the descriptor's model key.
func (d *Descriptor) Key() ModelKey {
	return ModelKey{Name: d.ModelName, Version: d.ModelVersion}
}

func (d *Descriptor) schemaSet() map[string]bool {
	set := make(map[string]bool, len(d.Schema))
	for _, f := range d.Schema {
		set[f.Name] = true
	}
	return set
}

// Codec holds the descriptor table. Registration happens before the
// supervisor starts; afterwards the codec is read-only and safe for
// concurrent use.
type Codec struct {
	mu          sync.RWMutex
	descriptors map[ModelKey]*Descriptor
}

// New creates an empty codec.
func New() *Codec {
	return &Codec{descriptors: make(map[ModelKey]*Descriptor)}
}

// Register adds a descriptor, rejecting duplicates for the same key.
func (c *Codec) Register(d *Descriptor) error {
	if d.ModelName == "" || d.ModelVersion <= 0 {
		return fmt.Errorf("%w: descriptor needs a model name and a positive version", ErrMalformedPayload)
	}
	if d.New == nil {
		return fmt.Errorf("%w: descriptor %s has no constructor", ErrMalformedPayload, d.Key())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := d.Key()
	if _, exists := c.descriptors[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, key)
	}
	c.descriptors[key] = d
	return nil
}

// Lookup returns the descriptor for a model key.
func (c *Codec) Lookup(name string, version int) (*Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[ModelKey{Name: name, Version: version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/v%d", ErrUnknownModel, name, version)
	}
	return d, nil
}

// Models lists the registered model keys, sorted for stable output.
func (c *Codec) Models() []ModelKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]ModelKey, 0, len(c.descriptors))
	for k := range c.descriptors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return keys[i].Version < keys[j].Version
	})
	return keys
}

// Decode builds a typed entity from a wire payload.
func (c *Codec) Decode(name string, version int, payload *structpb.Struct) (Entity, error) {
	d, err := c.Lookup(name, version)
	if err != nil {
		return nil, err
	}

	var all map[string]interface{}
	if payload != nil {
		all = payload.AsMap()
	} else {
		all = map[string]interface{}{}
	}

	schema := d.schemaSet()
	known := make(map[string]interface{})
	extra := make(map[string]interface{})
	var meta map[string]interface{}

	for k, v := range all {
		switch {
		case k == MetaKey:
			meta, _ = v.(map[string]interface{})
		case schema[k]:
			known[k] = v
		default:
			extra[k] = v
		}
	}

	for _, f := range d.Schema {
		if f.Required {
			if _, ok := known[f.Name]; !ok {
				return nil, fmt.Errorf("%w: %s missing required field %q", ErrMalformedPayload, d.Key(), f.Name)
			}
		}
	}

	e := d.New()
	if err := e.FromFields(known); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, d.Key(), err)
	}
	e.base().attach(meta, extra)
	return e, nil
}

// Encode emits the wire payload for an entity. Schema fields come from
// the entity, passthrough fields and the meta slot are re-attached
// verbatim. Schema fields win over stale passthrough entries.
func (c *Codec) Encode(name string, version int, e Entity) (*structpb.Struct, error) {
	d, err := c.Lookup(name, version)
	if err != nil {
		return nil, err
	}

	out := make(map[string]interface{})
	for k, v := range e.base().Extra() {
		out[k] = v
	}
	schema := d.schemaSet()
	for k, v := range e.Fields() {
		if !schema[k] {
			continue
		}
		out[k] = v
	}
	if meta := e.base().Meta(); meta != nil {
		out[MetaKey] = meta
	}

	s, err := structpb.NewStruct(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, d.Key(), err)
	}
	return s, nil
}
