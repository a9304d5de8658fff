package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/lexflow/pkg/dispatch"
	"github.com/dukex/lexflow/pkg/notification"
)

// MockNotifier is a mock implementation of notification.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, msg notification.Message) error {
	args := m.Called(ctx, msg)

	return args.Error(0)
}

// MockDocumentService is a mock implementation of dispatch.DocumentService.
type MockDocumentService struct {
	mock.Mock
}

func (m *MockDocumentService) RequestDocument(ctx context.Context, req dispatch.DocumentRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}

// MockFormService is a mock implementation of dispatch.FormService.
type MockFormService struct {
	mock.Mock
}

func (m *MockFormService) RequestForm(ctx context.Context, req dispatch.FormRequest) (string, error) {
	args := m.Called(ctx, req)

	return args.String(0), args.Error(1)
}
