// Package boundary connects bookdist to the message queue: books and membership requests arrive on
// their own topics, and books no reader can take wait on a holding topic until a reader subscribes.
package boundary

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
	"github.com/G-Research/bookdist/internal/common/pulsarutils"
)

// PulsarBoundary publishes books and re-announces books held on the unallocated topic.
type PulsarBoundary struct {
	books               pulsar.Producer
	unallocated         pulsar.Producer
	unallocatedConsumer pulsar.Consumer
	// How long re-announcing waits for one more unallocated book before deciding the topic is empty.
	drainTimeout time.Duration
	log          *logrus.Entry
}

func NewPulsarBoundary(
	books pulsar.Producer,
	unallocated pulsar.Producer,
	unallocatedConsumer pulsar.Consumer,
	drainTimeout time.Duration,
	log *logrus.Entry,
) *PulsarBoundary {
	return &PulsarBoundary{
		books:               books,
		unallocated:         unallocated,
		unallocatedConsumer: unallocatedConsumer,
		drainTimeout:        drainTimeout,
		log:                 log,
	}
}

// Connect creates the producers and the unallocated-topic consumer the boundary needs.
func Connect(client pulsar.Client, config commonconfig.PulsarConfig, drainTimeout time.Duration, log *logrus.Entry) (*PulsarBoundary, error) {
	id := uuid.New()
	books, err := client.CreateProducer(ProducerOptions(config, config.BooksTopic, fmt.Sprintf("bookdist-books-%s", id)))
	if err != nil {
		return nil, errors.Wrapf(err, "error creating pulsar producer for %s", config.BooksTopic)
	}
	unallocated, err := client.CreateProducer(ProducerOptions(config, config.UnallocatedTopic, fmt.Sprintf("bookdist-unallocated-%s", id)))
	if err != nil {
		books.Close()
		return nil, errors.Wrapf(err, "error creating pulsar producer for %s", config.UnallocatedTopic)
	}
	consumer, err := NewFailoverConsumer(client, config, config.UnallocatedTopic)
	if err != nil {
		books.Close()
		unallocated.Close()
		return nil, err
	}
	return NewPulsarBoundary(books, unallocated, consumer, drainTimeout, log), nil
}

// NewFailoverConsumer opens a failover subscription on topic so only one bookdist instance consumes
// at a time.
func NewFailoverConsumer(client pulsar.Client, config commonconfig.PulsarConfig, topic string) (pulsar.Consumer, error) {
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: config.SubscriptionName,
		Type:             pulsar.Failover,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error subscribing to %s", topic)
	}
	return consumer, nil
}

// ProducerOptions applies the configured compression and send timeout to a producer for topic.
func ProducerOptions(config commonconfig.PulsarConfig, topic string, name string) pulsar.ProducerOptions {
	return pulsar.ProducerOptions{
		Name:             name,
		Topic:            topic,
		CompressionType:  config.CompressionType,
		CompressionLevel: config.CompressionLevel,
		SendTimeout:      config.SendTimeout,
	}
}

func (b *PulsarBoundary) PublishBook(ctx context.Context, payload model.BookPayload) error {
	if _, err := b.books.Send(ctx, NewBookMessage(payload)); err != nil {
		return model.NewBoundaryError("PublishBook", err)
	}
	return nil
}

func (b *PulsarBoundary) PublishUnallocated(ctx context.Context, payload model.BookPayload) error {
	if _, err := b.unallocated.Send(ctx, NewBookMessage(payload)); err != nil {
		return model.NewBoundaryError("PublishUnallocated", err)
	}
	return nil
}

// ReannounceUnallocated moves every book waiting on the unallocated topic back onto the books topic.
// It stops once no message arrives within the drain timeout and returns how many books it moved.
func (b *PulsarBoundary) ReannounceUnallocated(ctx context.Context) (int, error) {
	moved := 0
	for {
		receiveCtx, cancel := context.WithTimeout(ctx, b.drainTimeout)
		msg, err := b.unallocatedConsumer.Receive(receiveCtx)
		cancel()
		if ctx.Err() != nil {
			return moved, model.NewBoundaryError("ReannounceUnallocated", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			return moved, model.NewBoundaryError("ReannounceUnallocated", err)
		}
		if _, err := b.books.Send(ctx, NewBookMessage(model.BookPayload(msg.Payload()))); err != nil {
			return moved, model.NewBoundaryError("ReannounceUnallocated", err)
		}
		if err := b.unallocatedConsumer.Ack(msg); err != nil {
			return moved, model.NewBoundaryError("ReannounceUnallocated", err)
		}
		moved++
	}
	if moved > 0 {
		b.log.Infof("re-announced %d unallocated books", moved)
	}
	return moved, nil
}

func (b *PulsarBoundary) Close() {
	b.unallocatedConsumer.Close()
	b.books.Close()
	b.unallocated.Close()
}

// Handler processes one inbound message. A non-nil error stops consumption.
type Handler func(ctx context.Context, msg *Message) error

// Consume feeds every message received on consumer to handle until ctx is cancelled or handle fails.
// The handler's context carries a logger with the message id and topic.
func Consume(
	ctx context.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	log *logrus.Entry,
	handle Handler,
) error {
	for msg := range pulsarutils.Receive(ctx, consumer, receiveTimeout, backoffTime, log) {
		pulsarMessage := msg
		message := NewMessage(
			msg.ID().String(),
			msg.Topic(),
			msg.Payload(),
			msg.Properties(),
			func(context.Context) error {
				if err := consumer.Ack(pulsarMessage); err != nil {
					return model.NewBoundaryError("Ack", err)
				}
				return nil
			})
		msgCtx := ctxlogrus.ToContext(ctx, log.WithFields(logrus.Fields{
			"messageId": message.Id,
			"topic":     message.Topic,
		}))
		if err := handle(msgCtx, message); err != nil {
			return err
		}
	}
	return nil
}
