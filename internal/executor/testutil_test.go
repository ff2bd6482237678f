package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	language "github.com/hanpama/graphsub/internal/language"
	schema "github.com/hanpama/graphsub/internal/schema"
)

// mustParseQuery parses a GraphQL query and fails the test on error.
func mustParseQuery(t *testing.T, q string) *language.QueryDocument {
	t.Helper()
	d, err := language.ParseQuery(q)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	return d
}

func mustBuildSchema(t *testing.T, sdl string) *schema.Schema {
	t.Helper()
	s, err := schema.BuildFromSDL(sdl)
	require.NoError(t, err)
	return s
}

var ignoreLocations = cmpopts.IgnoreFields(GraphQLError{}, "Locations")

// diffResult compares results, ignoring the wrapped original error.
func diffResult(t *testing.T, want, got *ExecutionResult, opts ...cmp.Option) {
	t.Helper()
	opts = append(opts, cmpopts.IgnoreUnexported(GraphQLError{}), cmpopts.EquateEmpty())
	if diff := cmp.Diff(want, got, opts...); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

// drain reads a response stream until Done.
func drain(t *testing.T, stream ResponseStream) []*ExecutionResult {
	t.Helper()
	var out []*ExecutionResult
	for {
		res, err := stream.Next(context.Background())
		if errors.Is(err, Done) {
			return out
		}
		require.NoError(t, err)
		out = append(out, res)
	}
}

// countingSource counts Close calls on the wrapped stream.
type countingSource struct {
	SourceStream
	closes atomic.Int32
}

func (s *countingSource) Close() error {
	s.closes.Add(1)
	return s.SourceStream.Close()
}
