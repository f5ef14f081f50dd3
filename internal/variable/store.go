// Package variable provides the shared variable table used to materialize
// task inputs. Two namespaces live in one store: global variables keyed by
// plain name and run-scoped workflow variables keyed with the "workflow:"
// prefix, so the two can never collide.
package variable

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/chainflow-ai/chainflow/pkg/interpolate"
)

// WorkflowPrefix marks run-scoped variables inside the store.
const WorkflowPrefix = "workflow:"

// Type classifies a variable's value, detected from its string form.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeJSON    Type = "json"
	TypeArray   Type = "array"
)

// Variable is one entry in the store. Value is always carried as a string;
// Type records what the value parses as.
type Variable struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Type        Type   `json:"type"`
	Description string `json:"description,omitempty"`
	Folder      string `json:"folder,omitempty"`
}

// DetectType classifies a raw value: number, boolean, json object, json
// array, otherwise string.
func DetectType(value string) Type {
	trimmed := strings.TrimSpace(value)
	if trimmed == "true" || trimmed == "false" {
		return TypeBoolean
	}
	if _, err := strconv.ParseFloat(trimmed, 64); err == nil && trimmed != "" {
		return TypeNumber
	}
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return TypeJSON
	}
	if strings.HasPrefix(trimmed, "[") && json.Valid([]byte(trimmed)) {
		return TypeArray
	}
	return TypeString
}

// Store is a process-wide, mutable variable table. All access is key-scoped
// and serialized; callers never receive live references into the table.
type Store struct {
	mu   sync.RWMutex
	vars map[string]Variable
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{vars: make(map[string]Variable)}
}

// NewStoreFrom creates a store seeded with existing variables, keyed by name.
func NewStoreFrom(seed map[string]Variable) *Store {
	s := NewStore()
	for name, v := range seed {
		if v.Name == "" {
			v.Name = name
		}
		if v.Type == "" {
			v.Type = DetectType(v.Value)
		}
		s.vars[name] = v
	}
	return s
}

// Add creates or replaces a variable, detecting its type from value.
func (s *Store) Add(name, value, description, folder string) Variable {
	v := Variable{
		Name:        name,
		Value:       value,
		Type:        DetectType(value),
		Description: description,
		Folder:      folder,
	}
	s.mu.Lock()
	s.vars[name] = v
	s.mu.Unlock()
	return v
}

// Update changes the value (and re-detected type) of an existing variable,
// keeping its description and folder. Reports false when the name is absent.
func (s *Store) Update(name, value string) (Variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vars[name]
	if !ok {
		return Variable{}, false
	}
	v.Value = value
	v.Type = DetectType(value)
	s.vars[name] = v
	return v, true
}

// Upsert updates an existing variable in place, keeping its description
// and folder, or creates it with the given description and folder when
// absent.
func (s *Store) Upsert(name, value, description, folder string) Variable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.vars[name]; ok {
		existing.Value = value
		existing.Type = DetectType(value)
		s.vars[name] = existing
		return existing
	}

	v := Variable{
		Name:        name,
		Value:       value,
		Type:        DetectType(value),
		Description: description,
		Folder:      folder,
	}
	s.vars[name] = v
	return v
}

// Get returns the variable stored under the exact key.
func (s *Store) Get(name string) (Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Has reports whether the exact key exists.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vars[name]
	return ok
}

// Delete removes the exact key.
func (s *Store) Delete(name string) {
	s.mu.Lock()
	delete(s.vars, name)
	s.mu.Unlock()
}

// Resolve looks a name up for interpolation: the workflow namespace wins
// over the global one. Names already carrying the workflow prefix resolve
// exactly.
func (s *Store) Resolve(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !strings.HasPrefix(name, WorkflowPrefix) {
		if v, ok := s.vars[WorkflowPrefix+name]; ok {
			return v.Value, true
		}
	}
	if v, ok := s.vars[name]; ok {
		return v.Value, true
	}
	return "", false
}

// Interpolate replaces {{name}} placeholders in template using this store's
// resolution order. Missing variables are not errors; their placeholders
// survive verbatim.
func (s *Store) Interpolate(template string) string {
	return interpolate.Replace(template, s.Resolve)
}

// SetWorkflow upserts a run-scoped variable under the workflow prefix.
func (s *Store) SetWorkflow(name, value string) Variable {
	return s.Add(WorkflowPrefix+name, value, "", "")
}

// GetWorkflow returns a run-scoped variable without its prefix applied by
// the caller.
func (s *Store) GetWorkflow(name string) (Variable, bool) {
	return s.Get(WorkflowPrefix + name)
}

// ClearWorkflow purges the whole workflow namespace as a set.
func (s *Store) ClearWorkflow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.vars {
		if strings.HasPrefix(name, WorkflowPrefix) {
			delete(s.vars, name)
		}
	}
}

// All returns a snapshot copy of the table keyed by storage name.
func (s *Store) All() map[string]Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Variable, len(s.vars))
	for name, v := range s.vars {
		out[name] = v
	}
	return out
}

// Len returns the number of stored variables across both namespaces.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vars)
}
