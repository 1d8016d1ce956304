// Package queue provides the in-memory queue hop the operation graph
// routes requests through. Message bodies carry the request's context
// fields, snappy-encoded, so the consumer side can re-validate identity
// after the asynchronous boundary.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Envelope is the context record carried across the queue boundary.
type Envelope struct {
	RequestID        string    `json:"request_id"`
	TenantID         string    `json:"tenant_id"`
	OriginalTenantID string    `json:"original_tenant_id"`
	Deadline         time.Time `json:"deadline"`
	StartTime        time.Time `json:"start_time"`
}

// Message is one queued item.
type Message struct {
	ID         string
	Body       []byte
	EnqueuedAt time.Time
}

// Encode serializes and snappy-compresses an envelope into a message.
func Encode(env Envelope) (*Message, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("queue: encode envelope: %w", err)
	}
	return &Message{
		ID:         uuid.New().String(),
		Body:       snappy.Encode(nil, raw),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode reverses Encode.
func Decode(msg *Message) (Envelope, error) {
	raw, err := snappy.Decode(nil, msg.Body)
	if err != nil {
		return Envelope{}, fmt.Errorf("queue: decompress body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("queue: decode envelope: %w", err)
	}
	return env, nil
}

// Queue is a bounded in-memory hop. Enqueue never blocks the producer
// beyond the buffer; Receive waits for the next message or cancellation.
type Queue struct {
	ch     chan *Message
	closed chan struct{}
}

// New creates a queue with the given buffer size.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Queue{
		ch:     make(chan *Message, buffer),
		closed: make(chan struct{}),
	}
}

// Enqueue adds a message.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-q.closed:
		// Drain anything already buffered before reporting closure.
		select {
		case msg := <-q.ch:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the queue. Subsequent enqueues fail; buffered messages
// remain receivable.
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// Len returns the buffered message count.
func (q *Queue) Len() int {
	return len(q.ch)
}
