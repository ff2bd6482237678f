// Package binding attaches broker topics to subscription fields.
package binding

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	executor "github.com/hanpama/graphsub/internal/executor"
	schema "github.com/hanpama/graphsub/internal/schema"
)

// Broker opens source streams for topics.
type Broker interface {
	Subscribe(ctx context.Context, topic string) (executor.SourceStream, error)
}

// Publisher sends payloads to topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Binding maps a subscription field to a topic. Field is either a field of
// the subscription root type ("postAdded") or qualified ("Subscription.postAdded").
// Topic may reference field arguments as {name}.
type Binding struct {
	Field string
	Topic string
}

// FromMap builds bindings from a field to topic map, ordered by field.
func FromMap(m map[string]string) []Binding {
	out := make([]Binding, 0, len(m))
	for f, t := range m {
		out = append(out, Binding{Field: f, Topic: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

var placeholder = regexp.MustCompile(`\{([_A-Za-z][_0-9A-Za-z]*)\}`)

// Apply sets the subscribe resolver of every bound field. All bindings are
// checked before any field is changed.
func Apply(sch *schema.Schema, bindings []Binding, broker Broker) error {
	fields := make([]*schema.Field, len(bindings))
	for i, b := range bindings {
		f, err := lookup(sch, b)
		if err != nil {
			return err
		}
		fields[i] = f
	}
	for i, b := range bindings {
		fields[i].SetSubscribe(resolver(b.Topic, broker))
	}
	return nil
}

func lookup(sch *schema.Schema, b Binding) (*schema.Field, error) {
	typeName, fieldName := sch.SubscriptionType, b.Field
	if i := strings.IndexByte(b.Field, '.'); i >= 0 {
		typeName, fieldName = b.Field[:i], b.Field[i+1:]
	}
	if typeName == "" || typeName != sch.SubscriptionType {
		return nil, fmt.Errorf("binding %q: schema has no subscription type %q", b.Field, typeName)
	}
	if b.Topic == "" {
		return nil, fmt.Errorf("binding %q: empty topic", b.Field)
	}
	field := sch.Field(typeName, fieldName)
	if field == nil {
		return nil, fmt.Errorf("binding %q: %s has no field %q", b.Field, typeName, fieldName)
	}
	for _, m := range placeholder.FindAllStringSubmatch(b.Topic, -1) {
		if !hasArgument(field, m[1]) {
			return nil, fmt.Errorf("binding %q: topic %q references unknown argument %q", b.Field, b.Topic, m[1])
		}
	}
	return field, nil
}

func hasArgument(f *schema.Field, name string) bool {
	for _, a := range f.Arguments {
		if a.Name == name {
			return true
		}
	}
	return false
}

func resolver(template string, broker Broker) schema.SubscribeFunc {
	return func(ctx context.Context, p schema.ResolveParams) (any, error) {
		topic, err := Expand(template, p.Args)
		if err != nil {
			return nil, err
		}
		return broker.Subscribe(ctx, topic)
	}
}

// Expand substitutes {name} placeholders with argument values.
func Expand(template string, args map[string]any) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := args[name]
		if !ok || v == nil {
			if missing == "" {
				missing = name
			}
			return m
		}
		return fmt.Sprint(v)
	})
	if missing != "" {
		return "", fmt.Errorf("topic %q needs argument %q", template, missing)
	}
	return out, nil
}
