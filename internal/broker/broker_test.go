package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"settlement-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeDeduper struct {
	keys map[string]bool
}

func (d *fakeDeduper) MarkOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *fakeDeduper) ForgetKey(_ context.Context, key string) error {
	delete(d.keys, key)
	return nil
}

func TestEventPublisherKeysByPayment(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewEventPublisher(NewProducerWithWriter(writer))

	payment := &models.Payment{ID: 42, Status: models.PaymentStatusTransferred, TotalAmount: 100, SellerAmount: 90}
	err := publisher.PublishPaymentEvent(context.Background(),
		models.NewPaymentEvent(models.EventTypeTransferCompleted, payment, time.Now(), ""))
	require.NoError(t, err)

	err = publisher.PublishDisputeEvent(context.Background(), &models.DisputeEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeDisputeOpened, time.Now()),
		DisputeID: 3,
		PaymentID: 42,
	})
	require.NoError(t, err)

	require.Len(t, writer.messages, 2)
	assert.Equal(t, "payment-42", string(writer.messages[0].Key))
	assert.Equal(t, "payment-42", string(writer.messages[1].Key))

	var decoded models.PaymentEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &decoded))
	assert.Equal(t, models.EventTypeTransferCompleted, decoded.EventType)
	assert.Equal(t, int64(90), decoded.SellerAmount)
}

func TestNotifierDeduplicates(t *testing.T) {
	writer := &fakeWriter{}
	deduper := &fakeDeduper{keys: map[string]bool{}}
	notifier := NewNotifier(NewProducerWithWriter(writer), deduper, time.Hour)

	ctx := context.Background()
	notifier.Notify(ctx, []int64{1, 2}, "You won the auction", models.SubjectAuction, 9)
	notifier.Notify(ctx, []int64{2, 1}, "You won the auction", models.SubjectAuction, 9)
	notifier.Notify(ctx, []int64{1, 2}, "Item sold", models.SubjectAuction, 9)

	require.Len(t, writer.messages, 2)

	var event models.NotificationEvent
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &event))
	assert.Equal(t, NotificationID([]int64{1, 2}, "You won the auction", models.SubjectAuction, 9), event.EventID)
	assert.Equal(t, []int64{1, 2}, event.UserIDs)
}

func TestNotifierFailureIsSwallowedAndRetryable(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	deduper := &fakeDeduper{keys: map[string]bool{}}
	notifier := NewNotifier(NewProducerWithWriter(writer), deduper, time.Hour)

	notifier.Notify(context.Background(), []int64{5}, "Refund issued", models.SubjectPayment, 1)
	assert.Empty(t, deduper.keys)

	writer.err = nil
	notifier.Notify(context.Background(), []int64{5}, "Refund issued", models.SubjectPayment, 1)
	assert.Len(t, writer.messages, 1)
}

func TestDeliveryHandlerRoutes(t *testing.T) {
	var got *models.DeliveryConfirmedEvent
	handler := NewDeliveryHandler(func(_ context.Context, e *models.DeliveryConfirmedEvent) error {
		got = e
		return nil
	})

	value, err := json.Marshal(&models.DeliveryConfirmedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeDeliveryConfirmed, time.Now()),
		PaymentID: 12,
		BuyerID:   4,
	})
	require.NoError(t, err)

	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, got)
	assert.Equal(t, int64(12), got.PaymentID)

	got = nil
	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
	require.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"OTHER"}`)}))
	assert.Nil(t, got)
}

type fakeReader struct {
	messages  []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.messages) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestConsumerCommitsOnlyHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &fakeReader{
		messages: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}},
		cancel:   cancel,
	}
	consumer := NewConsumerWithReader(reader, "deliveries")

	err := consumer.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 2 {
			return errors.New("boom")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 3}, reader.committed)
}
