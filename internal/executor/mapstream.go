package executor

import (
	"context"
	"errors"
	"sync"
)

// MapFunc produces the result for one source payload.
type MapFunc func(ctx context.Context, payload any) (*ExecutionResult, error)

// ReportFunc decides what happens when producing an element fails. Returning
// a result emits it in place of the failed element; returning an error ends
// the stream with that error.
type ReportFunc func(err error) (*ExecutionResult, error)

type streamState int32

const (
	streamActive streamState = iota
	streamClosing
	streamClosed
)

type mappedStream struct {
	source SourceStream
	mapFn  MapFunc
	report ReportFunc

	// pull serializes Next so that one payload is in flight at a time.
	pull sync.Mutex

	mu       sync.Mutex
	state    streamState
	once     sync.Once
	closeErr error
}

// MapSourceToResponse lazily maps every element of source through mapFn.
// Failures from the source or from mapFn go through reportFn. Closing the
// returned stream closes source exactly once, before Close returns.
func MapSourceToResponse(source SourceStream, mapFn MapFunc, reportFn ReportFunc) ResponseStream {
	if reportFn == nil {
		reportFn = func(err error) (*ExecutionResult, error) { return nil, err }
	}
	return &mappedStream{source: source, mapFn: mapFn, report: reportFn}
}

func (s *mappedStream) Next(ctx context.Context) (*ExecutionResult, error) {
	s.pull.Lock()
	defer s.pull.Unlock()

	if !s.active() {
		return nil, Done
	}
	payload, err := s.source.Next(ctx)
	if errors.Is(err, Done) || !s.active() {
		// Exhausted, or closed while the pull was pending.
		s.Close()
		return nil, Done
	}
	if err != nil {
		return s.fail(err)
	}
	res, err := s.mapFn(ctx, payload)
	if err != nil {
		return s.fail(err)
	}
	return res, nil
}

func (s *mappedStream) fail(err error) (*ExecutionResult, error) {
	res, err := s.report(err)
	if err != nil {
		s.Close()
		return nil, err
	}
	return res, nil
}

func (s *mappedStream) Close() error {
	s.once.Do(func() {
		s.setState(streamClosing)
		s.closeErr = s.source.Close()
		s.setState(streamClosed)
	})
	return s.closeErr
}

func (s *mappedStream) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == streamActive
}

func (s *mappedStream) setState(st streamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
