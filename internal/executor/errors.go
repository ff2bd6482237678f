package executor

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	language "github.com/hanpama/graphsub/internal/language"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidArguments is returned when Execute or Subscribe is called with a
// structurally invalid schema, document or variables map.
var ErrInvalidArguments = errors.New("invalid execution arguments")

// FatalError marks an error as a system failure. Subscribe returns it to the
// caller instead of reporting it inside an ExecutionResult.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so that it escapes GraphQL error reporting. Resolvers and
// source streams use it for failures the client should never see as data.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// NewGraphQLError builds a protocol error located at the given field nodes.
func NewGraphQLError(message string, nodes []*language.Field, path Path) *GraphQLError {
	return &GraphQLError{Message: message, Locations: fieldLocations(nodes), Path: path}
}

// locatedError attributes err to a field. Fatal errors pass through
// untouched; protocol errors that already carry a path are kept as is.
func locatedError(err error, nodes []*language.Field, path Path) error {
	if err == nil {
		return nil
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return err
	}
	gqlErr, ok := asGraphQLError(err)
	if ok && gqlErr.Path != nil {
		return gqlErr
	}
	located := NewGraphQLError(err.Error(), nodes, path)
	located.original = err
	if ok {
		located.Extensions = gqlErr.Extensions
		if len(gqlErr.Locations) > 0 {
			located.Locations = gqlErr.Locations
		}
	}
	return located
}

// protocolError reports whether err belongs to the protocol class and
// returns it. Fatal errors are never protocol errors, even when they wrap one.
func protocolError(err error) (*GraphQLError, bool) {
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return nil, false
	}
	return asGraphQLError(err)
}

// asGraphQLError finds a GraphQLError in err's chain, held by pointer or by
// value.
func asGraphQLError(err error) (*GraphQLError, bool) {
	var ptr *GraphQLError
	if errors.As(err, &ptr) {
		return ptr, true
	}
	var val GraphQLError
	if errors.As(err, &val) {
		return &val, true
	}
	return nil, false
}

// reportError is the per-event error policy of a response stream.
func reportError(err error) (*ExecutionResult, error) {
	if gqlErr, ok := protocolError(err); ok {
		return errorResult(gqlErr), nil
	}
	return nil, err
}

func fieldLocations(nodes []*language.Field) []Location {
	var locs []Location
	for _, n := range nodes {
		if n == nil || n.Position == nil {
			continue
		}
		locs = append(locs, Location{Line: n.Position.Line, Column: n.Position.Column})
	}
	return locs
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// inspect renders a value for error messages.
func inspect(v any) string {
	if v == nil {
		return "null"
	}
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case fmt.Stringer:
		return x.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		if rv.IsNil() {
			return "null"
		}
	}
	switch rv.Kind() {
	case reflect.Func:
		return "[function]"
	case reflect.Chan:
		return "[channel]"
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}
