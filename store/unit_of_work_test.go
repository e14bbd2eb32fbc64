package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockParticipant struct {
	mock.Mock
}

func (m *mockParticipant) Commit(ctx context.Context, uow *UnitOfWork) error {
	args := m.Called(ctx, uow)
	return args.Error(0)
}

func (m *mockParticipant) Rollback(ctx context.Context, uow *UnitOfWork) error {
	args := m.Called(ctx, uow)
	return args.Error(0)
}

func TestUnitOfWork_Commit(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork()
	p := &mockParticipant{}
	p.On("Commit", ctx, uow).Return(nil).Once()

	require.NoError(t, uow.Enlist(p))
	require.NoError(t, uow.Enlist(p))
	require.NoError(t, uow.Commit(ctx))

	p.AssertExpectations(t)
	assert.False(t, uow.Active())
	assert.ErrorIs(t, uow.Commit(ctx), ErrUnitCommitted)
	assert.ErrorIs(t, uow.Rollback(ctx), ErrUnitCommitted)
	assert.ErrorIs(t, uow.Enlist(&mockParticipant{}), ErrUnitCommitted)
}

func TestUnitOfWork_CommitFailureRollsBackRemaining(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork()
	failing := &mockParticipant{}
	remaining := &mockParticipant{}
	failing.On("Commit", ctx, uow).Return(errors.New("disk full"))
	remaining.On("Rollback", ctx, uow).Return(nil)

	require.NoError(t, uow.Enlist(failing))
	require.NoError(t, uow.Enlist(remaining))

	err := uow.Commit(ctx)
	assert.ErrorContains(t, err, "disk full")
	failing.AssertExpectations(t)
	remaining.AssertExpectations(t)
	remaining.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestUnitOfWork_Rollback(t *testing.T) {
	ctx := context.Background()
	uow := NewUnitOfWork()
	p := &mockParticipant{}
	p.On("Rollback", ctx, uow).Return(nil).Once()

	require.NoError(t, uow.Enlist(p))
	require.NoError(t, uow.Rollback(ctx))
	require.NoError(t, uow.Rollback(ctx))

	p.AssertExpectations(t)
	assert.ErrorIs(t, uow.Commit(ctx), ErrUnitRolledBack)
}

func TestRunInUnitOfWork(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		p := &mockParticipant{}
		p.On("Commit", mock.Anything, mock.Anything).Return(nil)

		err := RunInUnitOfWork(ctx, func(ctx context.Context) error {
			uow := FromContext(ctx)
			require.NotNil(t, uow)
			return uow.Enlist(p)
		})
		require.NoError(t, err)
		p.AssertNumberOfCalls(t, "Commit", 1)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		p := &mockParticipant{}
		p.On("Rollback", mock.Anything, mock.Anything).Return(nil)
		boom := errors.New("boom")

		err := RunInUnitOfWork(ctx, func(ctx context.Context) error {
			require.NoError(t, FromContext(ctx).Enlist(p))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		p.AssertNumberOfCalls(t, "Rollback", 1)
	})

	t.Run("no unit in a plain context", func(t *testing.T) {
		assert.Nil(t, FromContext(ctx))
	})
}

func TestLockSettingsDefaults(t *testing.T) {
	s := LockSettings{Resource: "r"}.WithDefaults()
	assert.NotEmpty(t, s.Owner)
	assert.Positive(t, s.TTL)
}
