package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-replicator/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Publisher hands a message to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *models.QueueMessage) error
}

// Delivery is one delivery of a message. Exactly one of Ack or Nack should be
// called; a delivery that is neither is redelivered by the backend.
type Delivery interface {
	Message() *models.QueueMessage
	// Ack removes the message from the queue.
	Ack(ctx context.Context) error
	// Nack schedules a redelivery after delay with the attempt counter incremented.
	Nack(ctx context.Context, delay time.Duration) error
}

// Queue is an at-least-once dispatch channel. Ordering is only kept per publisher
// and never across consumers.
type Queue interface {
	Publisher
	// Receive blocks until a delivery is available or ctx is done.
	Receive(ctx context.Context, topic string) (Delivery, error)
	Close() error
}

// NewTradeMessage wraps an event for the execution workers.
func NewTradeMessage(ev *models.TradeEvent) *models.QueueMessage {
	return &models.QueueMessage{
		ID:            uuid.NewString(),
		Kind:          models.KindTrade,
		SourceTradeID: ev.SourceTradeID,
		Event:         ev,
		PublishedAt:   time.Now().UTC(),
	}
}

// NewResultMessage wraps a final outcome for downstream subscribers.
func NewResultMessage(res *models.ResultEvent) *models.QueueMessage {
	return &models.QueueMessage{
		ID:            uuid.NewString(),
		Kind:          models.KindResult,
		SourceTradeID: res.SourceTradeID,
		Result:        res,
		PublishedAt:   time.Now().UTC(),
	}
}

func encode(msg *models.QueueMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*models.QueueMessage, error) {
	var msg models.QueueMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}
