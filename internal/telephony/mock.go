package telephony

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider records placed calls and supports scripted failures.
// Useful for tests and local development without a telephony account.
type MockProvider struct {
	mu       sync.Mutex
	seq      int
	attempts int
	placed   []PlacedCall
	hungUp   []string
	failErr  error
	failN    int
}

type PlacedCall struct {
	ProviderCallID string
	Number         string
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) PlaceCall(_ context.Context, number string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failN != 0 && m.failErr != nil {
		if m.failN > 0 {
			m.failN--
		}
		return "", m.failErr
	}
	m.seq++
	id := fmt.Sprintf("mock-call-%d", m.seq)
	m.placed = append(m.placed, PlacedCall{ProviderCallID: id, Number: number})
	return id, nil
}

func (m *MockProvider) Hangup(_ context.Context, providerCallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hungUp = append(m.hungUp, providerCallID)
	return nil
}

// FailNext makes the next n PlaceCall invocations return err.
// n < 0 fails every call until cleared with FailNext(0, nil).
func (m *MockProvider) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
	m.failErr = err
}

// Attempts counts every PlaceCall invocation, failed ones included.
func (m *MockProvider) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Placed returns a copy of all successfully placed calls.
func (m *MockProvider) Placed() []PlacedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlacedCall, len(m.placed))
	copy(out, m.placed)
	return out
}

// HungUp returns a copy of all hangup requests.
func (m *MockProvider) HungUp() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.hungUp))
	copy(out, m.hungUp)
	return out
}
