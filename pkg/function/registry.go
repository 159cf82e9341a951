package function

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/harunnryd/toolcall/pkg/llm"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Func is the shape of a function that can be registered with a derived schema.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// Handler runs a tool whose schema was declared explicitly.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	tool     llm.Tool
	resolved *jsonschema.Resolved
	invoke   func(ctx context.Context, arguments string) (any, error)
}

// Registry maps tool names to functions and their parameter schemas.
// Duplicate names are rejected rather than overwritten. It is meant to be
// filled once at startup and read afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	frozen  bool
	log     *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		log:     slog.Default(),
	}
}

// SetLogger replaces the logger used for registration events.
func (r *Registry) SetLogger(log *slog.Logger) {
	if log != nil {
		r.log = log
	}
}

// Register records fn under name with a schema derived from A and returns fn
// unchanged, so it can wrap a declaration:
//
//	var randomNumber, _ = function.Register(reg, "random_number", "Generate a random number.", randomNumberImpl)
func Register[A, R any](r *Registry, name, description string, fn Func[A, R]) (Func[A, R], error) {
	if fn == nil {
		return fn, fmt.Errorf("register %s: function is nil", name)
	}
	s, err := schemaFor[A]()
	if err != nil {
		return fn, fmt.Errorf("register %s: %w", name, err)
	}
	invoke := func(ctx context.Context, arguments string) (any, error) {
		var args A
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, args)
	}
	return fn, r.add(name, description, s, invoke)
}

// MustRegister is Register for package-level declarations; it panics on error.
func MustRegister[A, R any](r *Registry, name, description string, fn Func[A, R]) Func[A, R] {
	out, err := Register(r, name, description, fn)
	if err != nil {
		panic(err)
	}
	return out
}

// RegisterTool records a handler with an explicitly declared schema.
func (r *Registry) RegisterTool(tool llm.Tool, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("register %s: handler is nil", tool.Name)
	}
	s, err := schemaFromMap(tool.Schema)
	if err != nil {
		return fmt.Errorf("register %s: %w", tool.Name, err)
	}
	invoke := func(ctx context.Context, arguments string) (any, error) {
		args := map[string]any{}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return handler(ctx, args)
	}
	return r.add(tool.Name, tool.Description, s, invoke)
}

func (r *Registry) add(name, description string, s *jsonschema.Schema, invoke func(context.Context, string) (any, error)) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("register %s: %w: %v", name, ErrInvalidSchema, err)
	}
	params, err := schemaToMap(s)
	if err != nil {
		return fmt.Errorf("register %s: %w: %v", name, ErrInvalidSchema, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %s: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateFunction)
	}
	r.entries[name] = entry{
		tool:     llm.Tool{Name: name, Description: strings.TrimSpace(description), Schema: params},
		resolved: resolved,
		invoke:   invoke,
	}
	r.log.Debug("function_registered", "name", name)
	return nil
}

// Freeze rejects every later registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Tools exports every registered schema, sorted by name.
func (r *Registry) Tools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Lookup(name string) (llm.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Call invokes the named function with JSON-encoded arguments and returns its
// result as a string.
func (r *Registry) Call(ctx context.Context, name, arguments string) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", &UnknownFunctionError{Name: name}
	}

	arguments = normalizeArguments(arguments)
	var instance any
	if err := json.Unmarshal([]byte(arguments), &instance); err != nil {
		return "", &InvocationError{Name: name, Err: fmt.Errorf("decode arguments: %w", err)}
	}
	if err := e.resolved.Validate(instance); err != nil {
		return "", &InvocationError{Name: name, Err: err}
	}

	result, err := safeInvoke(ctx, e, arguments)
	if err != nil {
		return "", &InvocationError{Name: name, Err: err}
	}
	out, err := Stringify(result)
	if err != nil {
		return "", &InvocationError{Name: name, Err: fmt.Errorf("output must be convertible to string: %w", err)}
	}
	return out, nil
}

// safeInvoke reports a panic inside the tool as an error.
func safeInvoke(ctx context.Context, e entry, arguments string) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return e.invoke(ctx, arguments)
}

// HandleTool satisfies llm.ToolRegistry.
func (r *Registry) HandleTool(ctx context.Context, name, arguments string) (string, error) {
	return r.Call(ctx, name, arguments)
}

var _ llm.ToolRegistry = (*Registry)(nil)

// Stringify converts a function result to the text sent back to the model.
func Stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case fmt.Stringer:
		return val.String(), nil
	case error:
		return val.Error(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
