package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter captures alerts for test assertions.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// NewMockAlerter creates a capturing alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns the channel name.
func (m *MockAlerter) Name() string { return "mock" }

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Fields: fields})
	return nil
}

// Alerts returns a copy of all captured alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Contains reports whether any captured alert message contains substr.
func (m *MockAlerter) Contains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.alerts {
		if strings.Contains(alert.Message, substr) {
			return true
		}
	}
	return false
}

// Clear drops all captured alerts.
func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = m.alerts[:0]
}
