package executor

import (
	"slices"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

// collectedFieldMap groups field nodes by response name in query order.
type collectedFieldMap struct {
	fields []collectedField
	index  map[string]int
}

type collectedField struct {
	ResponseName string
	Fields       []*language.Field
}

func newCollectedFieldMap() *collectedFieldMap {
	return &collectedFieldMap{index: make(map[string]int)}
}

func (cfm *collectedFieldMap) add(responseName string, field *language.Field) {
	if idx, exists := cfm.index[responseName]; exists {
		cfm.fields[idx].Fields = append(cfm.fields[idx].Fields, field)
		return
	}
	cfm.index[responseName] = len(cfm.fields)
	cfm.fields = append(cfm.fields, collectedField{
		ResponseName: responseName,
		Fields:       []*language.Field{field},
	})
}

func (cfm *collectedFieldMap) orderedFields() []collectedField {
	return cfm.fields
}

// fieldCollector holds what field collection needs from a request.
type fieldCollector struct {
	schema         *schema.Schema
	fragments      language.FragmentDefinitionList
	variableValues map[string]any
}

// collectFields collects the fields of selectionSet that apply to objectType,
// following fragments and honouring @skip and @include.
func collectFields(fc fieldCollector, objectType *schema.Type, selectionSet language.SelectionSet) *collectedFieldMap {
	grouped := newCollectedFieldMap()
	fc.collect(objectType, selectionSet, grouped, make(map[string]bool))
	return grouped
}

func (fc fieldCollector) collect(objectType *schema.Type, selectionSet language.SelectionSet, grouped *collectedFieldMap, visited map[string]bool) {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			if !fc.shouldInclude(sel.Directives) {
				continue
			}
			responseName := sel.Alias
			if responseName == "" {
				responseName = sel.Name
			}
			grouped.add(responseName, sel)

		case *language.InlineFragment:
			if !fc.shouldInclude(sel.Directives) || !fc.conditionMatches(sel.TypeCondition, objectType) {
				continue
			}
			fc.collect(objectType, sel.SelectionSet, grouped, visited)

		case *language.FragmentSpread:
			if !fc.shouldInclude(sel.Directives) || visited[sel.Name] {
				continue
			}
			visited[sel.Name] = true
			def := fc.fragments.ForName(sel.Name)
			if def == nil || !fc.conditionMatches(def.TypeCondition, objectType) {
				continue
			}
			fc.collect(objectType, def.SelectionSet, grouped, visited)
		}
	}
}

// conditionMatches reports whether a fragment with the given type condition
// applies to objectType, including interface and union conditions.
func (fc fieldCollector) conditionMatches(condition string, objectType *schema.Type) bool {
	if condition == "" || condition == objectType.Name {
		return true
	}
	if slices.Contains(objectType.Interfaces, condition) {
		return true
	}
	if fc.schema == nil {
		return false
	}
	abstract := fc.schema.Types[condition]
	if abstract == nil {
		return false
	}
	return slices.Contains(abstract.PossibleTypes, objectType.Name)
}

func (fc fieldCollector) shouldInclude(directives language.DirectiveList) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if v, ok := fc.directiveArg(skip, "if").(bool); ok && v {
			return false
		}
	}
	if include := directives.ForName("include"); include != nil {
		if v, ok := fc.directiveArg(include, "if").(bool); ok && !v {
			return false
		}
	}
	return true
}

func (fc fieldCollector) directiveArg(d *language.Directive, name string) any {
	arg := d.Arguments.ForName(name)
	if arg == nil {
		return nil
	}
	return valueFromASTWithVars(arg.Value, fc.variableValues)
}

func getFieldDefinition(objectType *schema.Type, fieldName string) *schema.Field {
	if objectType == nil {
		return nil
	}
	return objectType.Field(fieldName)
}

// mergeSelectionSets concatenates the sub-selections of a field group.
func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}
