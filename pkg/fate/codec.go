package fate

import (
	"fmt"
	"sync"

	"github.com/meatballspaghetti/fate/pkg/types"
)

// Serializable is the extra contract a Step must satisfy to be persisted
// on a transaction's stack: a stable tag identifying its variant, a
// payload version so old persisted entries can still be rehydrated after
// an upgrade, and an explicit byte encoding of its closure state.
type Serializable interface {
	types.Step
	Tag() string
	Version() int
	MarshalPayload() ([]byte, error)
}

// Factory rehydrates one step variant from its persisted payload.
type Factory func(version int, payload []byte) (types.Step, error)

// Registry maps step tags to factories. Operation packages register their
// step variants at startup; the worker pool uses the registry (via Codec)
// to rebuild a transaction's stack after a crash or failover.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs the factory for tag. Registering the same tag twice
// panics: it is a wiring bug, not a runtime condition.
func (r *Registry) Register(tag string, fn Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		panic(fmt.Sprintf("fate: step tag %q registered twice", tag))
	}
	r.factories[tag] = fn
}

// Codec turns persisted stack entries back into live steps and vice
// versa. It satisfies the worker pool's StepCodec contract.
type Codec struct {
	registry *Registry
}

// NewCodec builds a Codec over registry.
func NewCodec(registry *Registry) *Codec {
	return &Codec{registry: registry}
}

// Decode rehydrates entry into a concrete Step via its registered factory.
func (c *Codec) Decode(entry types.StackEntry) (types.Step, error) {
	c.registry.mu.RLock()
	fn, ok := c.registry.factories[entry.Tag]
	c.registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fate: no factory registered for step tag %q", entry.Tag)
	}
	step, err := fn(entry.Version, entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("fate: rehydrate step %q: %w", entry.Tag, err)
	}
	return step, nil
}

// Encode serializes step for storage. The step must implement
// Serializable; a step that does not cannot be persisted and is a
// programming error in the operation that produced it.
func (c *Codec) Encode(step types.Step) (types.StackEntry, error) {
	s, ok := step.(Serializable)
	if !ok {
		return types.StackEntry{}, fmt.Errorf("fate: step %q does not implement Serializable", step.Name())
	}
	payload, err := s.MarshalPayload()
	if err != nil {
		return types.StackEntry{}, fmt.Errorf("fate: marshal step %q: %w", s.Tag(), err)
	}
	return types.StackEntry{Tag: s.Tag(), Version: s.Version(), Payload: payload}, nil
}
