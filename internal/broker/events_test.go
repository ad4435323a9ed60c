package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront-orders/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestPublisher() (*EventPublisher, *fakeWriter) {
	w := &fakeWriter{}
	return &EventPublisher{producer: &Producer{writer: w, logger: zap.NewNop()}}, w
}

func TestPublishKeysByAggregate(t *testing.T) {
	ep, w := newTestPublisher()
	ctx := context.Background()

	require.NoError(t, ep.PublishOrderStatusChanged(ctx, &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderStatusChanged, Timestamp: time.Now()},
		OrderID:   17,
		OldStatus: models.OrderStatusPending,
		NewStatus: models.OrderStatusConfirmed,
	}))
	require.NoError(t, ep.PublishStockAdjusted(ctx, &models.StockAdjustedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeStockAdjusted, Timestamp: time.Now()},
		ProductID: 3,
		OrderID:   17,
		Delta:     -2,
	}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "order-17", string(w.msgs[0].Key))
	assert.Equal(t, "product-3", string(w.msgs[1].Key))
	require.Len(t, w.msgs[1].Headers, 1)
	assert.Equal(t, headerEventType, w.msgs[1].Headers[0].Key)
	assert.Equal(t, models.EventTypeStockAdjusted, string(w.msgs[1].Headers[0].Value))

	var decoded models.OrderStatusChangedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.OrderStatusConfirmed, decoded.NewStatus)
}

func TestPublishWrapsWriterErrors(t *testing.T) {
	ep, w := newTestPublisher()
	w.err = errors.New("broker down")

	err := ep.PublishOrderCreated(context.Background(), &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderCreated},
		OrderID:   1,
	})
	assert.ErrorIs(t, err, w.err)
}

func TestHandleMessageRoutesStockAdjusted(t *testing.T) {
	eh := NewEventHandler()

	var got *models.StockAdjustedEvent
	eh.OnStockAdjusted(func(_ context.Context, e *models.StockAdjustedEvent) error {
		got = e
		return nil
	})

	body, err := json.Marshal(models.StockAdjustedEvent{
		BaseEvent:     models.BaseEvent{EventID: "e3", EventType: models.EventTypeStockAdjusted},
		ProductID:     9,
		StockQuantity: 4,
		Version:       100,
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: body}))
	require.NotNil(t, got)
	assert.Equal(t, int64(9), got.ProductID)
	assert.Equal(t, 4, got.StockQuantity)
	assert.Equal(t, int64(100), got.Version)
}

func TestHandleMessageIgnoresOtherEvents(t *testing.T) {
	eh := NewEventHandler()
	called := false
	eh.OnStockAdjusted(func(context.Context, *models.StockAdjustedEvent) error {
		called = true
		return nil
	})

	body, err := json.Marshal(models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderCreated},
	})
	require.NoError(t, err)

	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: body}))
	assert.False(t, called)

	assert.Error(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
}
