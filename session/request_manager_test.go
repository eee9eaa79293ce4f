package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"duplexstream/message"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestManagerComplete(t *testing.T) {
	m := NewRequestManager(nil)
	id := uuid.New()

	p, err := m.Register(id)
	require.NoError(t, err)
	assert.True(t, m.Has(id))
	assert.Equal(t, 1, m.Len())

	resp := &message.ReceiveResponse{ID: id, StatusCode: 200}
	assert.True(t, m.Complete(id, resp))
	assert.False(t, m.Complete(id, resp), "second completion must be a no-op")

	got, err := m.Wait(context.Background(), p, time.Second)
	require.NoError(t, err)
	assert.Same(t, resp, got)
	assert.Equal(t, 0, m.Len())
}

func TestRequestManagerDuplicateRegister(t *testing.T) {
	m := NewRequestManager(nil)
	id := uuid.New()
	_, err := m.Register(id)
	require.NoError(t, err)

	_, err = m.Register(id)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestRequestManagerCompleteUnknownIsNoop(t *testing.T) {
	m := NewRequestManager(nil)
	assert.False(t, m.Complete(uuid.New(), &message.ReceiveResponse{}))
	assert.False(t, m.Cancel(uuid.New()))
	assert.Equal(t, 0, m.Len())
}

func TestRequestManagerTimeoutRemovesEntry(t *testing.T) {
	m := NewRequestManager(nil)
	id := uuid.New()
	p, err := m.Register(id)
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), p, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.False(t, m.Has(id))

	// A response arriving after the timeout is ignored.
	assert.False(t, m.Complete(id, &message.ReceiveResponse{}))
}

func TestRequestManagerContextCancel(t *testing.T) {
	m := NewRequestManager(nil)
	p, err := m.Register(uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Wait(ctx, p, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Len())
}

func TestRequestManagerCancelAndCancelAll(t *testing.T) {
	m := NewRequestManager(nil)
	a, _ := m.Register(uuid.New())
	b, _ := m.Register(uuid.New())
	c, _ := m.Register(uuid.New())

	assert.True(t, m.Cancel(a.ID))
	_, err := m.Wait(context.Background(), a, 0)
	assert.ErrorIs(t, err, ErrRequestCancelled)

	reason := errors.New("gone")
	assert.Equal(t, 2, m.CancelAll(reason))
	for _, p := range []*Pending{b, c} {
		_, err := m.Wait(context.Background(), p, 0)
		assert.ErrorIs(t, err, reason)
	}
	assert.Equal(t, 0, m.Len())
}
