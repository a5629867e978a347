package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"trade-replicator/internal/models"
)

const memoryBuffer = 1024

// Memory is an in-process queue for single-binary deployments and tests.
// Messages do not survive a restart; the ledger republish sweep covers that.
type Memory struct {
	mu     sync.Mutex
	topics map[string]chan []byte
	closed bool
	done   chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		topics: make(map[string]chan []byte),
		done:   make(chan struct{}),
	}
}

func (q *Memory) topic(name string) (chan []byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	ch, ok := q.topics[name]
	if !ok {
		ch = make(chan []byte, memoryBuffer)
		q.topics[name] = ch
	}
	return ch, nil
}

// Publish enqueues a copy of msg with its attempt counter reset to the first delivery.
func (q *Memory) Publish(ctx context.Context, topic string, msg *models.QueueMessage) error {
	cp := *msg
	cp.Attempt = 0
	return q.push(ctx, topic, &cp)
}

func (q *Memory) push(ctx context.Context, topic string, msg *models.QueueMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	ch, err := q.topic(topic)
	if err != nil {
		return err
	}
	select {
	case ch <- data:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next message on topic.
func (q *Memory) Receive(ctx context.Context, topic string) (Delivery, error) {
	ch, err := q.topic(topic)
	if err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		msg, err := decode(data)
		if err != nil {
			return nil, err
		}
		msg.Attempt++
		return &memoryDelivery{q: q, topic: topic, msg: msg}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops deliveries. Pending delayed redeliveries are dropped.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

type memoryDelivery struct {
	q       *Memory
	topic   string
	msg     *models.QueueMessage
	settled atomic.Bool
}

func (d *memoryDelivery) Message() *models.QueueMessage { return d.msg }

func (d *memoryDelivery) Ack(context.Context) error {
	d.settled.Store(true)
	return nil
}

func (d *memoryDelivery) Nack(_ context.Context, delay time.Duration) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	msg := *d.msg
	time.AfterFunc(delay, func() {
		_ = d.q.push(context.Background(), d.topic, &msg)
	})
	return nil
}
