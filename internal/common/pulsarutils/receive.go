package pulsarutils

import (
	"context"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/common/logging"
)

// Receive pulls messages from the consumer until ctx is cancelled, sending each one on the returned channel.
// The channel is closed once the receiver has stopped.
func Receive(
	ctx context.Context,
	consumer pulsar.Consumer,
	receiveTimeout time.Duration,
	backoffTime time.Duration,
	log *logrus.Entry,
) chan pulsar.Message {
	out := make(chan pulsar.Message)
	go func() {
		defer close(out)
		// Periodically log the number of processed messages.
		logInterval := 60 * time.Second
		lastLogged := time.Now()
		numReceived := 0
		var lastMessageId pulsar.MessageID

		for {
			if time.Since(lastLogged) > logInterval {
				log.WithFields(
					logrus.Fields{
						"received":      numReceived,
						"interval":      logInterval,
						"lastMessageId": lastMessageId,
					},
				).Info("message statistics")
				numReceived = 0
				lastLogged = time.Now()
			}

			select {
			case <-ctx.Done():
				log.Infof("Shutting down pulsar receiver")
				return
			default:
			}

			ctxWithTimeout, cancel := context.WithTimeout(ctx, receiveTimeout)
			msg, err := consumer.Receive(ctxWithTimeout)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				log.Debugf("No message received")
				continue
			}
			if ctx.Err() != nil {
				log.Infof("Shutting down pulsar receiver")
				return
			}
			// If receiving fails, try again in the hope that the problem is transient.
			if err != nil {
				logging.
					WithStacktrace(log, err).
					WithField("lastMessageId", lastMessageId).
					Warnf("Pulsar receive failed; backing off for %s", backoffTime)
				select {
				case <-ctx.Done():
				case <-time.After(backoffTime):
				}
				continue
			}

			numReceived++
			lastMessageId = msg.ID()
			select {
			case out <- msg:
			case <-ctx.Done():
				log.Infof("Shutting down pulsar receiver")
				return
			}
		}
	}()
	return out
}
