package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/repositories"
	"go.uber.org/zap"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu       sync.Mutex
	inserted []*models.AuditRecord
}

func (m *MockAuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	args := m.Called(ctx, record)

	m.mu.Lock()
	defer m.mu.Unlock()
	if args.Error(0) == nil {
		m.inserted = append(m.inserted, record)
	}
	return args.Error(0)
}

func (m *MockAuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	args := m.Called(ctx, id)
	if record := args.Get(0); record != nil {
		return record.(*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetBySessionID(ctx context.Context, sessionID string, limit, offset int) ([]*models.AuditRecord, error) {
	args := m.Called(ctx, sessionID, limit, offset)
	if records := args.Get(0); records != nil {
		return records.([]*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	args := m.Called(ctx, requestID)
	if records := args.Get(0); records != nil {
		return records.([]*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) GetByStream(ctx context.Context, stream models.AuditStream, start, end time.Time, limit, offset int) ([]*models.AuditRecord, error) {
	args := m.Called(ctx, stream, start, end, limit, offset)
	if records := args.Get(0); records != nil {
		return records.([]*models.AuditRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) Inserted() []*models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditRecord, len(m.inserted))
	copy(out, m.inserted)
	return out
}

type countingTxManager struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	return nil, errors.New("not supported")
}

func (c *countingTxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return fn(ctx, nil)
}

func newRecord(i int) *models.AuditRecord {
	return models.NewAuditRecord(models.AuditStreamOperations, "Success", fixedTime.Add(time.Duration(i)*time.Second), json.RawMessage(`{}`))
}

func TestDispatcher_StartStop(t *testing.T) {
	repo := new(MockAuditRepository)
	d := NewDispatcher(repo, nil, zap.NewNop(), DefaultDispatcherConfig())

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start should fail")
	assert.True(t, d.Stats().Running)

	require.NoError(t, d.Stop(time.Second))
	assert.False(t, d.Stats().Running)
	assert.Error(t, d.Stop(time.Second))
}

func TestDispatcher_EnqueueRequiresRunning(t *testing.T) {
	repo := new(MockAuditRepository)
	d := NewDispatcher(repo, nil, zap.NewNop(), DefaultDispatcherConfig())

	assert.Error(t, d.Enqueue(newRecord(0)))

	require.NoError(t, d.Start())
	require.NoError(t, d.Stop(time.Second))
	assert.Error(t, d.Enqueue(newRecord(1)))
}

func TestDispatcher_InsertsInOrder(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil)
	tm := &countingTxManager{}

	d := NewDispatcher(repo, tm, zap.NewNop(), DispatcherConfig{BufferSize: 100, BatchSize: 10})
	require.NoError(t, d.Start())

	var want []*models.AuditRecord
	for i := 0; i < 25; i++ {
		r := newRecord(i)
		want = append(want, r)
		require.NoError(t, d.Enqueue(r))
	}
	require.NoError(t, d.Stop(5*time.Second))

	assert.Equal(t, want, repo.Inserted())
	assert.Equal(t, 0, d.Stats().Failed)
}

func TestDispatcher_CountsFailures(t *testing.T) {
	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	d := NewDispatcher(repo, nil, zap.NewNop(), DispatcherConfig{BufferSize: 10, BatchSize: 1})
	require.NoError(t, d.Start())
	require.NoError(t, d.Enqueue(newRecord(0)))
	require.NoError(t, d.Enqueue(newRecord(1)))
	require.NoError(t, d.Stop(5*time.Second))

	assert.Equal(t, 2, d.Stats().Failed)
}

func TestDispatcher_DropsWhenBufferFull(t *testing.T) {
	release := make(chan struct{})
	picked := make(chan struct{}, 1)

	repo := new(MockAuditRepository)
	repo.On("Insert", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		select {
		case picked <- struct{}{}:
		default:
		}
		<-release
	}).Return(nil)

	d := NewDispatcher(repo, nil, zap.NewNop(), DispatcherConfig{BufferSize: 1, BatchSize: 1})
	require.NoError(t, d.Start())

	require.NoError(t, d.Enqueue(newRecord(0)))
	<-picked
	require.NoError(t, d.Enqueue(newRecord(1)))
	assert.Error(t, d.Enqueue(newRecord(2)))
	assert.Equal(t, 1, d.Stats().Dropped)

	close(release)
	require.NoError(t, d.Stop(5*time.Second))
	assert.Len(t, repo.Inserted(), 2)
}
