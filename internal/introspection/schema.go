package introspection

import (
	"github.com/hanpama/graphsub/internal/schema"
)

func extend(orig *schema.Schema) *schema.Schema {
	ext := &schema.Schema{
		QueryType:        orig.QueryType,
		MutationType:     orig.MutationType,
		SubscriptionType: orig.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(orig.Types)+8),
		Directives:       orig.Directives,
		Description:      orig.Description,
		AST:              orig.AST,
	}
	for name, t := range orig.Types {
		ext.Types[name] = t
	}
	for _, t := range metaTypes() {
		ext.Types[t.Name] = t
	}

	if q := orig.GetQueryType(); q != nil {
		cp := *q
		cp.Fields = append(append([]*schema.Field{}, q.Fields...),
			schema.NewField("__schema", "Access the current type schema of this server.",
				schema.NonNullType(schema.NamedType("__Schema"))),
			schema.NewField("__type", "Request the type information of a single type.",
				schema.NamedType("__Type")).
				AddArgument(schema.NewInputValue("name", "", schema.NonNullType(schema.NamedType("String")))),
		)
		ext.Types[cp.Name] = &cp
	}
	return ext
}

func nonNull(name string) *schema.TypeRef { return schema.NonNullType(schema.NamedType(name)) }

// listOf is [name!]
func listOf(name string) *schema.TypeRef { return schema.ListType(nonNull(name)) }

func withDeprecated(f *schema.Field) *schema.Field {
	return f.AddArgument(schema.NewInputValue("includeDeprecated", "", schema.NamedType("Boolean")).SetDefault(false))
}

func metaTypes() []*schema.Type {
	str := schema.NamedType("String")

	schemaT := schema.NewType("__Schema", schema.TypeKindObject,
		"A GraphQL Schema defines the capabilities of a GraphQL server.").
		AddField(schema.NewField("description", "", str)).
		AddField(schema.NewField("types", "", schema.NonNullType(listOf("__Type")))).
		AddField(schema.NewField("queryType", "", nonNull("__Type"))).
		AddField(schema.NewField("mutationType", "", schema.NamedType("__Type"))).
		AddField(schema.NewField("subscriptionType", "", schema.NamedType("__Type"))).
		AddField(schema.NewField("directives", "", schema.NonNullType(listOf("__Directive"))))

	typeT := schema.NewType("__Type", schema.TypeKindObject, "").
		AddField(schema.NewField("kind", "", nonNull("__TypeKind"))).
		AddField(schema.NewField("name", "", str)).
		AddField(schema.NewField("description", "", str)).
		AddField(schema.NewField("specifiedByURL", "", str)).
		AddField(withDeprecated(schema.NewField("fields", "", listOf("__Field")))).
		AddField(schema.NewField("interfaces", "", listOf("__Type"))).
		AddField(schema.NewField("possibleTypes", "", listOf("__Type"))).
		AddField(withDeprecated(schema.NewField("enumValues", "", listOf("__EnumValue")))).
		AddField(withDeprecated(schema.NewField("inputFields", "", listOf("__InputValue")))).
		AddField(schema.NewField("ofType", "", schema.NamedType("__Type"))).
		AddField(schema.NewField("isOneOf", "", schema.NamedType("Boolean")))

	fieldT := schema.NewType("__Field", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", str)).
		AddField(withDeprecated(schema.NewField("args", "", schema.NonNullType(listOf("__InputValue"))))).
		AddField(schema.NewField("type", "", nonNull("__Type"))).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", str))

	inputValueT := schema.NewType("__InputValue", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", str)).
		AddField(schema.NewField("type", "", nonNull("__Type"))).
		AddField(schema.NewField("defaultValue", "", str)).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", str))

	enumValueT := schema.NewType("__EnumValue", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", str)).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", str))

	directiveT := schema.NewType("__Directive", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", str)).
		AddField(schema.NewField("isRepeatable", "", nonNull("Boolean"))).
		AddField(schema.NewField("locations", "", schema.NonNullType(listOf("__DirectiveLocation")))).
		AddField(withDeprecated(schema.NewField("args", "", schema.NonNullType(listOf("__InputValue")))))

	return []*schema.Type{
		schemaT, typeT, fieldT, inputValueT, enumValueT, directiveT,
		enumType("__TypeKind",
			"SCALAR", "OBJECT", "INTERFACE", "UNION", "ENUM", "INPUT_OBJECT", "LIST", "NON_NULL"),
		enumType("__DirectiveLocation",
			"QUERY", "MUTATION", "SUBSCRIPTION", "FIELD", "FRAGMENT_DEFINITION", "FRAGMENT_SPREAD",
			"INLINE_FRAGMENT", "VARIABLE_DEFINITION", "SCHEMA", "SCALAR", "OBJECT", "FIELD_DEFINITION",
			"ARGUMENT_DEFINITION", "INTERFACE", "UNION", "ENUM", "ENUM_VALUE", "INPUT_OBJECT",
			"INPUT_FIELD_DEFINITION"),
	}
}

func enumType(name string, values ...string) *schema.Type {
	t := schema.NewType(name, schema.TypeKindEnum, "")
	for _, v := range values {
		t.AddEnumValue(schema.NewEnumValue(v, ""))
	}
	return t
}
