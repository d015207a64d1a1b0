package provider

import (
	"context"
	"fmt"
	"sync"
)

// MockProtocol is a deterministic in-process provider used in tests and
// local development without a model endpoint.
type MockProtocol struct {
	mu       sync.Mutex
	calls    int
	FailN    int   // fail the first N calls with a transient error
	FixedErr error // returned on every call when set

	// Respond overrides the default echo response when set.
	Respond func(req *CompletionRequest) string
}

// NewMockProtocol creates a mock that echoes a canned completion.
func NewMockProtocol() *MockProtocol {
	return &MockProtocol{}
}

// Complete implements Protocol.
func (m *MockProtocol) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.FixedErr != nil {
		return nil, m.FixedErr
	}
	if call <= m.FailN {
		return nil, TransientError(fmt.Errorf("mock failure %d", call))
	}

	text := fmt.Sprintf("generated(%s)", req.Prompt)
	if m.Respond != nil {
		text = m.Respond(req)
	}
	return &CompletionResponse{
		Text:             text,
		PromptTokens:     len(req.Prompt) / 4,
		CompletionTokens: len(text) / 4,
	}, nil
}

// Calls reports how many completions were requested.
func (m *MockProtocol) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
