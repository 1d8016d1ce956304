package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	env := Envelope{
		RequestID:        "req-1",
		TenantID:         "tenant-0042",
		OriginalTenantID: "tenant-0042",
		Deadline:         time.Now().Add(time.Second).UTC().Truncate(time.Millisecond),
		StartTime:        time.Now().UTC().Truncate(time.Millisecond),
	}

	msg, err := Encode(env)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	got, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, env.RequestID, got.RequestID)
	assert.Equal(t, env.TenantID, got.TenantID)
	assert.Equal(t, env.OriginalTenantID, got.OriginalTenantID)
	assert.True(t, env.Deadline.Equal(got.Deadline))
}

func TestDecode_CorruptBody(t *testing.T) {
	_, err := Decode(&Message{Body: []byte("not snappy data")})
	assert.Error(t, err)
}

func TestQueue_RoundTrip(t *testing.T) {
	q := New(4)
	defer q.Close()

	msg, err := Encode(Envelope{RequestID: "req-1", TenantID: "t1", OriginalTenantID: "t1"})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), msg))
	assert.Equal(t, 1, q.Len())

	got, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
}

func TestQueue_ReceiveWaitsForContext(t *testing.T) {
	q := New(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Closed(t *testing.T) {
	q := New(2)
	msg, err := Encode(Envelope{RequestID: "req-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), msg))

	q.Close()

	assert.ErrorIs(t, q.Enqueue(context.Background(), msg), ErrClosed)

	// Buffered messages drain after close.
	got, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)

	_, err = q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
