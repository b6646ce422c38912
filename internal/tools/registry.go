package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds tools and their compiled argument schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles the tool's schema and adds it.
func (r *Registry) Register(t Tool) error {
	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return fmt.Errorf("encode %s schema: %w", t.Name(), err)
	}
	compiled, err := jsonschema.CompileString(t.Name()+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = entry{tool: t, schema: compiled}
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Validate checks raw arguments against the tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Enabled returns the registered tools named in names, sorted by name.
// A nil names slice returns every tool.
func (r *Registry) Enabled(names []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	if names == nil {
		for _, e := range r.tools {
			out = append(out, e.tool)
		}
	} else {
		for _, n := range names {
			if e, ok := r.tools[n]; ok {
				out = append(out, e.tool)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
