package executor

// Location is a line/column pair in the request document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is a protocol-level error. It is always reported inside an
// ExecutionResult and never returned to the caller as a failure.
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`

	original error
}

func (e GraphQLError) Error() string {
	return e.Message
}

// Unwrap returns the error the resolver produced, if any.
func (e GraphQLError) Unwrap() error {
	return e.original
}

// ExecutionResult is the only shape surfaced to callers: data, errors or both.
type ExecutionResult struct {
	Data   any            `json:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// errorResult wraps a single protocol error in a result without data.
func errorResult(err *GraphQLError) *ExecutionResult {
	return &ExecutionResult{Errors: []GraphQLError{*err}}
}
