package alert

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider is a mock alert provider for local development and tests.
// It keeps the last body per alert ID, mirroring the replace-not-stack
// behavior of a real alert surface.
type MockProvider struct {
	logger *slog.Logger

	mu    sync.Mutex
	shown map[string]string // alert ID -> last body
	order []string          // IDs in first-shown order
}

// NewMockProvider creates a new mock alert provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
		shown:  make(map[string]string),
	}
}

// Send logs the alert instead of delivering it.
func (m *MockProvider) Send(_ context.Context, id, title, htmlBody string) error {
	m.mu.Lock()
	if _, ok := m.shown[id]; !ok {
		m.order = append(m.order, id)
	}
	m.shown[id] = htmlBody
	m.mu.Unlock()

	m.logger.Info("MOCK ALERT",
		"id", id,
		"title", title,
		"body_length", len(htmlBody))
	return nil
}

// Shown returns the IDs of alerts delivered so far, in first-shown order.
func (m *MockProvider) Shown() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}
