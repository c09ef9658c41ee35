package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/erc7824/nitrolite/chainrpc/pkg/jsonrpc"
)

// InputFormatter rewrites the caller's arguments before they are sent, for
// example to fill in a default block.
type InputFormatter func(cfg Config, args []any) ([]any, error)

// OutputFormatter converts the raw result into a Go value.
type OutputFormatter func(raw json.RawMessage) (any, error)

// Method describes a named remote call.
type Method struct {
	// Name is the key used with Invoke, e.g. "getBalance".
	Name string `validate:"required"`
	// Call is the wire method, e.g. "eth_getBalance".
	Call string `validate:"required,rpcmethod"`
	// Params is the number of arguments after input formatting.
	Params int `validate:"gte=0"`

	InputFormatter  InputFormatter
	OutputFormatter OutputFormatter
}

var rpcMethodPattern = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*_[a-zA-Z0-9]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		if err := validate.RegisterValidation("rpcmethod", func(fl validator.FieldLevel) bool {
			return rpcMethodPattern.MatchString(fl.Field().String())
		}); err != nil {
			panic(fmt.Sprintf("failed to register rpcmethod validation: %v", err))
		}
	})
	return validate
}

// Registry maps method names to their descriptions.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry returns a registry holding methods.
func NewRegistry(methods ...Method) (*Registry, error) {
	r := &Registry{methods: make(map[string]Method, len(methods))}
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m. Names must be unique.
func (r *Registry) Register(m Method) error {
	if err := getValidator().Struct(m); err != nil {
		return fmt.Errorf("%w: method %q: %w", jsonrpc.ErrConfiguration, m.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("%w: method %q already registered", jsonrpc.ErrConfiguration, m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the registry method name. Without an OutputFormatter the raw
// result is returned.
func (rm *RequestManager) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := rm.cfg.Registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", jsonrpc.ErrUnknownMethod, name)
	}

	args = slices.Clone(args)
	var err error
	if m.InputFormatter != nil {
		if args, err = m.InputFormatter(rm.cfg, args); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", jsonrpc.ErrInvalidParams, name, err)
		}
	}
	if len(args) != m.Params {
		return nil, fmt.Errorf("%w: %s expects %d params, got %d", jsonrpc.ErrInvalidParams, name, m.Params, len(args))
	}

	raw, err := rm.Send(ctx, m.Call, args...)
	if err != nil {
		return nil, err
	}
	if m.OutputFormatter == nil {
		return raw, nil
	}
	out, err := m.OutputFormatter(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", jsonrpc.ErrUnmarshalingResult, name, err)
	}
	return out, nil
}
