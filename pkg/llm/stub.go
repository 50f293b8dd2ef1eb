package llm

import (
	"context"
	"sync"
)

// Stub is a scripted Provider for tests and local development. Responses
// are consumed in order; when the script runs out it falls back to a
// canned reply.
type Stub struct {
	mu       sync.Mutex
	script   []stubStep
	requests []Request
	fallback Response
}

type stubStep struct {
	resp *Response
	err  error
}

// NewStub builds an empty stub that answers every call with the fallback.
func NewStub() *Stub {
	return &Stub{fallback: Response{Text: "ok"}}
}

// Respond queues a successful response.
func (s *Stub) Respond(resp Response) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, stubStep{resp: &resp})
	return s
}

// Fail queues an error.
func (s *Stub) Fail(err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, stubStep{err: err})
	return s
}

// Requests returns the calls made so far.
func (s *Stub) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, classifyErr(s.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.script) == 0 {
		resp := s.fallback
		return &resp, nil
	}
	step := s.script[0]
	s.script = s.script[1:]
	if step.err != nil {
		return nil, step.err
	}
	resp := *step.resp
	return &resp, nil
}
