package variable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectType(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  Type
	}{
		{name: "plain string", value: "hello", want: TypeString},
		{name: "integer", value: "42", want: TypeNumber},
		{name: "float", value: "3.14", want: TypeNumber},
		{name: "negative", value: "-7", want: TypeNumber},
		{name: "boolean true", value: "true", want: TypeBoolean},
		{name: "boolean false", value: "false", want: TypeBoolean},
		{name: "json object", value: `{"a":1}`, want: TypeJSON},
		{name: "json array", value: `[1,2,3]`, want: TypeArray},
		{name: "broken json stays string", value: `{"a":`, want: TypeString},
		{name: "empty string", value: "", want: TypeString},
		{name: "numeric with text", value: "42nd", want: TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectType(tt.value))
		})
	}
}

func TestStoreAddUpdateUpsert(t *testing.T) {
	s := NewStore()

	added := s.Add("greeting", "hello", "a greeting", "misc")
	assert.Equal(t, TypeString, added.Type)

	_, ok := s.Update("absent", "x")
	assert.False(t, ok)

	updated, ok := s.Update("greeting", "42")
	require.True(t, ok)
	assert.Equal(t, "42", updated.Value)
	assert.Equal(t, TypeNumber, updated.Type)
	assert.Equal(t, "a greeting", updated.Description)
	assert.Equal(t, "misc", updated.Folder)

	// Upsert on an existing name keeps the description and folder.
	upserted := s.Upsert("greeting", "hi again", "a different description", "other")
	assert.Equal(t, "a greeting", upserted.Description)
	assert.Equal(t, "misc", upserted.Folder)
	assert.Equal(t, "hi again", upserted.Value)

	// Upsert on a new name creates with the given description and folder.
	created := s.Upsert("fresh", "v", "brand new", "other")
	assert.Equal(t, "brand new", created.Description)
	assert.Equal(t, "other", created.Folder)
}

func TestStoreNamespaces(t *testing.T) {
	s := NewStore()
	s.Add("name", "global", "", "")
	s.SetWorkflow("name", "scoped")

	// Workflow namespace wins for interpolation.
	value, ok := s.Resolve("name")
	require.True(t, ok)
	assert.Equal(t, "scoped", value)

	// Exact prefixed lookup works too.
	value, ok = s.Resolve("workflow:name")
	require.True(t, ok)
	assert.Equal(t, "scoped", value)

	// Both keys coexist; no collision.
	assert.Equal(t, 2, s.Len())

	s.ClearWorkflow()
	assert.Equal(t, 1, s.Len())

	value, ok = s.Resolve("name")
	require.True(t, ok)
	assert.Equal(t, "global", value)
}

func TestStoreInterpolate(t *testing.T) {
	s := NewStore()
	s.Add("x", "X", "", "")

	assert.Equal(t, "X", s.Interpolate("{{x}}"))
	assert.Equal(t, "{{y}}", s.Interpolate("{{y}}"))
	assert.Equal(t, "no placeholders", s.Interpolate("no placeholders"))
}

func TestNewStoreFrom(t *testing.T) {
	s := NewStoreFrom(map[string]Variable{
		"a":          {Value: "1"},
		"workflow:b": {Name: "workflow:b", Value: "[1]"},
	})

	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, TypeNumber, a.Type)

	b, ok := s.Get("workflow:b")
	require.True(t, ok)
	assert.Equal(t, TypeArray, b.Type)
}

func TestStoreAllReturnsCopy(t *testing.T) {
	s := NewStore()
	s.Add("a", "1", "", "")

	snapshot := s.All()
	snapshot["a"] = Variable{Name: "a", Value: "tampered"}

	v, _ := s.Get("a")
	assert.Equal(t, "1", v.Value)
}
