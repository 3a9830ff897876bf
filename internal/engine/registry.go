package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/durable/internal/validation"
	"github.com/rendis/durable/pkg/schema"
)

// Handler is user code run durably. It is re-invoked from the top on every
// resume and must issue the same durable operations in the same order.
// Non-deterministic work belongs inside steps.
type Handler func(ctx context.Context, dc *DurableContext, input json.RawMessage) (any, error)

type registration struct {
	handler     Handler
	inputSchema json.RawMessage
}

// RegisterOption configures a handler registration.
type RegisterOption func(*registration)

// WithInputSchema validates invocation input against a JSON Schema document.
func WithInputSchema(raw json.RawMessage) RegisterOption {
	return func(r *registration) { r.inputSchema = raw }
}

// Registry maps handler names to handlers. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]*registration
	validator validation.Validator
}

// NewRegistry creates an empty Registry validating inputs with JSON Schema.
func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[string]*registration),
		validator: validation.NewJSONSchemaValidator(),
	}
}

// Register adds a handler. Returns CONFLICT on a duplicate name and
// VALIDATION_ERROR if the input schema does not compile.
func (r *Registry) Register(name string, fn Handler, opts ...RegisterOption) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "handler %q is nil", name)
	}
	reg := &registration{handler: fn}
	for _, opt := range opts {
		opt(reg)
	}
	if len(reg.inputSchema) > 0 {
		if err := r.validator.Compile(reg.inputSchema); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", name)
	}
	r.handlers[name] = reg
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(name string, fn Handler, opts ...RegisterOption) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "handler %q not registered", name)
	}
	return reg, nil
}

// Validate checks input against the handler's schema, if it has one.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	reg, err := r.lookup(name)
	if err != nil {
		return err
	}
	if len(reg.inputSchema) == 0 {
		return nil
	}
	return r.validator.ValidateInput(input, reg.inputSchema)
}
