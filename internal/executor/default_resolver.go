package executor

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	schema "github.com/hanpama/graphsub/internal/schema"
)

// DefaultSubscribeResolver reads the field from the root value the way
// DefaultRuntime reads fields from a source. A func value found there is
// called as a SubscribeFunc.
func DefaultSubscribeResolver(ctx context.Context, p schema.ResolveParams) (any, error) {
	v, err := projectField(ctx, p.Source, p.Info.FieldName)
	if err != nil {
		return nil, err
	}
	switch fn := v.(type) {
	case schema.SubscribeFunc:
		return fn(ctx, p)
	case func(context.Context, schema.ResolveParams) (any, error):
		return fn(ctx, p)
	}
	return v, nil
}

// DefaultRuntime resolves every field by reading it from the source value:
// map entries, struct fields (by name or json tag) and methods. Root fields
// of the subscription type resolve to the event itself unless the event is
// an object carrying the field.
type DefaultRuntime struct {
	Schema *schema.Schema
}

func NewDefaultRuntime(sch *schema.Schema) *DefaultRuntime {
	return &DefaultRuntime{Schema: sch}
}

func (r *DefaultRuntime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	if r.Schema != nil && objectType == r.Schema.SubscriptionType && objectType != "" {
		if _, ok := lookupField(ctx, source, field); !ok {
			return source, nil
		}
	}
	return projectField(ctx, source, field)
}

func (r *DefaultRuntime) BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult {
	results := make([]AsyncResolveResult, len(tasks))
	for i, t := range tasks {
		v, err := r.ResolveSync(ctx, t.ObjectType, t.Field, t.Source, t.Args)
		results[i] = AsyncResolveResult{Value: v, Error: err}
	}
	return results
}

// ResolveType uses a "__typename" entry, then a struct type named like an
// object type, then the only possible type.
func (r *DefaultRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok {
			return name, nil
		}
	}
	if r.Schema == nil {
		return "", fmt.Errorf("cannot resolve type of %s value", abstractType)
	}
	t := r.Schema.Types[abstractType]
	if t == nil {
		return "", fmt.Errorf("unknown abstract type %s", abstractType)
	}
	rt := reflect.TypeOf(value)
	for rt != nil && rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt != nil {
		for _, name := range t.PossibleTypes {
			if name == rt.Name() {
				return name, nil
			}
		}
	}
	if len(t.PossibleTypes) == 1 {
		return t.PossibleTypes[0], nil
	}
	return "", fmt.Errorf("cannot resolve type of %s value %s", abstractType, inspect(value))
}

func (r *DefaultRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	switch typeName {
	case "Int":
		return coerceToInt(value)
	case "Float":
		return coerceToFloat(value)
	case "String":
		if s, ok := value.(string); ok {
			return s, nil
		}
		if s, ok := value.(fmt.Stringer); ok {
			return s.String(), nil
		}
		return fmt.Sprint(value), nil
	case "Boolean":
		return coerceToBoolean(value)
	case "ID":
		return coerceToID(value)
	}
	if r.Schema != nil {
		if t := r.Schema.Types[typeName]; t != nil && t.Kind == schema.TypeKindEnum {
			name := fmt.Sprint(value)
			for _, ev := range t.EnumValues {
				if ev.Name == name {
					return name, nil
				}
			}
			return nil, fmt.Errorf("Enum %q cannot represent value: %s", typeName, inspect(value))
		}
	}
	return value, nil
}

func projectField(ctx context.Context, source any, field string) (any, error) {
	v, ok := lookupField(ctx, source, field)
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr && !isNullish(err) {
		return nil, err
	}
	return v, nil
}

// lookupField reads field from source. ok is false when source has no such
// member.
func lookupField(ctx context.Context, source any, field string) (any, bool) {
	if isNullish(source) {
		return nil, false
	}
	if m, isMap := source.(map[string]any); isMap {
		v, ok := m[field]
		return v, ok
	}

	rv := reflect.ValueOf(source)
	if v, ok := callMethod(ctx, rv, field); ok {
		return v, true
	}
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			sf := rt.Field(i)
			if !sf.IsExported() {
				continue
			}
			if jsonName(sf) == field || strings.EqualFold(sf.Name, field) {
				return rv.Field(i).Interface(), true
			}
		}
	}
	return nil, false
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// callMethod calls a method named like field that takes no arguments or a
// context and returns a value, optionally with an error.
func callMethod(ctx context.Context, rv reflect.Value, field string) (any, bool) {
	if field == "" || !rv.IsValid() {
		return nil, false
	}
	name := []rune(field)
	name[0] = unicode.ToUpper(name[0])
	m := rv.MethodByName(string(name))
	if !m.IsValid() {
		return nil, false
	}
	mt := m.Type()
	var in []reflect.Value
	switch {
	case mt.NumIn() == 0:
	case mt.NumIn() == 1 && mt.In(0) == contextType:
		in = []reflect.Value{reflect.ValueOf(ctx)}
	default:
		return nil, false
	}
	switch {
	case mt.NumOut() == 1:
		return m.Call(in)[0].Interface(), true
	case mt.NumOut() == 2 && mt.Out(1) == errorType:
		out := m.Call(in)
		if !out[1].IsNil() {
			return out[1].Interface(), true
		}
		return out[0].Interface(), true
	}
	return nil, false
}

func jsonName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}
