package services

import (
	"context"
	"database/sql"
	"sync"

	"github.com/jubok/foundation-backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) FindByID(id int) (*models.User, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserStore) UpdateRoleAndStatusTx(tx *sql.Tx, id int, role models.UserRole, status models.UserStatus) error {
	args := m.Called(tx, id, role, status)
	return args.Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(recipient *int, title, message string) {
	m.Called(recipient, title, message)
}

// recordingPublisher captures published messages for assertions.
type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	messages [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.messages = append(p.messages, message)
	return nil
}
