package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

func filterSchema() *schema.Schema {
	sch := schema.NewSchema("").AddBuiltins()
	input := schema.NewType("FilterInput", schema.TypeKindInputObject, "")
	input.AddInputField(schema.NewInputValue("required", "", schema.NonNullType(schema.NamedType("String"))))
	input.AddInputField(schema.NewInputValue("optional", "", schema.NamedType("Int")).SetDefault(5))
	sch.AddType(input)

	oneOf := schema.NewType("Target", schema.TypeKindInputObject, "").SetOneOf(true)
	oneOf.AddInputField(schema.NewInputValue("room", "", schema.NamedType("String")))
	oneOf.AddInputField(schema.NewInputValue("user", "", schema.NamedType("ID")))
	sch.AddType(oneOf)
	return sch
}

func operationWithVariable(name string, typ *ast.Type) *language.OperationDefinition {
	return &language.OperationDefinition{
		Operation: language.Subscription,
		VariableDefinitions: ast.VariableDefinitionList{
			&ast.VariableDefinition{Variable: name, Type: typ},
		},
	}
}

func TestCoerceVariableValues_InputObject(t *testing.T) {
	sch := filterSchema()
	op := operationWithVariable("input", &ast.Type{NamedType: "FilterInput", NonNull: true})

	_, err := coerceVariableValues(sch, op, map[string]any{"input": map[string]any{"optional": 10}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required field 'required'")

	_, err = coerceVariableValues(sch, op, map[string]any{"input": map[string]any{"required": "x", "extra": 1}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "field 'extra' is not defined by type FilterInput")

	got, err := coerceVariableValues(sch, op, map[string]any{"input": map[string]any{"required": "x"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"input": map[string]any{"required": "x", "optional": 5}}, got)
}

func TestCoerceVariableValues_OneOf(t *testing.T) {
	sch := filterSchema()
	op := operationWithVariable("target", &ast.Type{NamedType: "Target"})

	_, err := coerceVariableValues(sch, op, map[string]any{"target": map[string]any{"room": "a", "user": "b"}})
	require.ErrorContains(t, err, "exactly one field must be specified for Target")

	got, err := coerceVariableValues(sch, op, map[string]any{"target": map[string]any{"user": 7}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"user": "7"}, got["target"])
}

func TestCoerceVariableValues_Scalars(t *testing.T) {
	sch := filterSchema()
	tests := []struct {
		name    string
		typ     *ast.Type
		value   any
		want    any
		wantErr string
	}{
		{name: "int from string", typ: &ast.Type{NamedType: "Int", NonNull: true}, value: "42", wantErr: "cannot coerce"},
		{name: "int from json number", typ: &ast.Type{NamedType: "Int"}, value: float64(42), want: 42},
		{name: "int from fraction", typ: &ast.Type{NamedType: "Int"}, value: 4.5, wantErr: "cannot coerce 4.5 (float64) to Int"},
		{name: "float from int", typ: &ast.Type{NamedType: "Float"}, value: 3, want: float64(3)},
		{name: "id from int", typ: &ast.Type{NamedType: "ID"}, value: 12, want: "12"},
		{name: "list from single", typ: &ast.Type{Elem: &ast.Type{NamedType: "String"}}, value: "a", want: []any{"a"}},
		{name: "null for non-null", typ: &ast.Type{NamedType: "String", NonNull: true}, value: nil, wantErr: "must not be null"},
		{name: "boolean from string", typ: &ast.Type{NamedType: "Boolean"}, value: "true", wantErr: "to Boolean"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerceVariableValues(sch, operationWithVariable("v", tt.typ), map[string]any{"v": tt.value})
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got["v"])
		})
	}
}

func TestCoerceVariableValues_DefaultsAndAbsence(t *testing.T) {
	op := operationWithVariable("limit", &ast.Type{NamedType: "Int"})
	op.VariableDefinitions[0].DefaultValue = &ast.Value{Kind: ast.IntValue, Raw: "20"}

	got, err := coerceVariableValues(nil, op, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"limit": 20}, got)

	got, err = coerceVariableValues(nil, operationWithVariable("limit", &ast.Type{NamedType: "Int"}), nil)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetArgumentValues(t *testing.T) {
	sch := filterSchema()
	def := schema.NewField("events", "", schema.NamedType("String")).
		AddArgument(schema.NewInputValue("filter", "", schema.NonNullType(schema.NamedType("FilterInput")))).
		AddArgument(schema.NewInputValue("limit", "", schema.NamedType("Int")).SetDefault(10))

	doc := mustParseQuery(t, `subscription ($f: String) { events(filter: {required: $f}, limit: $missing) }`)
	node := doc.Operations[0].SelectionSet[0].(*language.Field)

	got, err := getArgumentValues(sch, def, node, map[string]any{"f": "x"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"filter": map[string]any{"required": "x", "optional": 5},
		"limit":  10,
	}, got)

	_, err = getArgumentValues(sch, def, node, map[string]any{"f": nil})
	require.ErrorContains(t, err, `Argument "filter" has invalid value`)
}
