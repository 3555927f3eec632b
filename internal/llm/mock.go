package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a test implementation of Client. Responses are chosen by the
// first registered substring found in the prompt.
type MockClient struct {
	responses map[string]MockResponse
	fallback  *MockResponse
	calls     []MockCall
	keys      []string
	mu        sync.Mutex
}

// MockResponse is a canned completion.
type MockResponse struct {
	Err  error
	Text string
}

// MockCall records details of a completion request.
type MockCall struct {
	Prompt  string
	Options Options
}

// NewMockClient creates an empty mock client.
func NewMockClient() *MockClient {
	return &MockClient{responses: make(map[string]MockResponse)}
}

// On registers a response for prompts containing substr.
func (m *MockClient) On(substr, text string) *MockClient {
	return m.OnResponse(substr, MockResponse{Text: text})
}

// OnError registers a failure for prompts containing substr.
func (m *MockClient) OnError(substr string, err error) *MockClient {
	return m.OnResponse(substr, MockResponse{Err: err})
}

// OnResponse registers r for prompts containing substr.
func (m *MockClient) OnResponse(substr string, r MockResponse) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.responses[substr]; !exists {
		m.keys = append(m.keys, substr)
	}
	m.responses[substr] = r
	return m
}

// Default sets the response for prompts matching no registered substring.
func (m *MockClient) Default(text string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &MockResponse{Text: text}
	return m
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, prompt string, opts Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{Prompt: prompt, Options: opts})
	for _, k := range m.keys {
		if strings.Contains(prompt, k) {
			r := m.responses[k]
			return r.Text, r.Err
		}
	}
	if m.fallback != nil {
		return m.fallback.Text, m.fallback.Err
	}
	return "", fmt.Errorf("mock: no response registered for prompt %.60q", prompt)
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns the number of requests whose prompt contains substr.
// An empty substr counts every request.
func (m *MockClient) CallCount(substr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.Contains(c.Prompt, substr) {
			n++
		}
	}
	return n
}
