// Package control handles the two inbound message streams: membership requests and books. Every
// message is handled to completion under one lock, and every write that spans stores is a saga
// whose failure is compensated and then reported as fatal.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	"github.com/G-Research/bookdist/internal/bookdist/group"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/repository"
	"github.com/G-Research/bookdist/internal/bookdist/saga"
	"github.com/G-Research/bookdist/internal/common/app"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
	"github.com/G-Research/bookdist/internal/common/logging"
)

// Boundary is the outbound side of the message queue.
type Boundary interface {
	PublishBook(ctx context.Context, payload model.BookPayload) error
	PublishUnallocated(ctx context.Context, payload model.BookPayload) error
	ReannounceUnallocated(ctx context.Context) (int, error)
}

// AuditStore is the part of the relational audit store membership changes write to.
type AuditStore interface {
	ReaderExists(ctx context.Context, address string) (bool, error)
	InsertReader(ctx context.Context, reader model.Reader) error
	SetSubscription(ctx context.Context, address string, subscribed bool) error
	DeleteReader(ctx context.Context, address string) error
}

type FatalReporter interface {
	Fail(err error)
	Failed() bool
}

type Orchestrator struct {
	// Held for the whole of each message.
	mutex                sync.Mutex
	group                *group.Registry
	documents            repository.ReaderRepository
	audit                AuditStore
	boundary             Boundary
	fatal                FatalReporter
	alignmentCoefficient float64
	clock                clock.Clock
	metrics              *metrics.Metrics
	log                  *logrus.Entry
}

func NewOrchestrator(
	group *group.Registry,
	documents repository.ReaderRepository,
	audit AuditStore,
	boundary Boundary,
	fatal FatalReporter,
	alignmentCoefficient float64,
	clock clock.Clock,
	metrics *metrics.Metrics,
	log *logrus.Entry,
) *Orchestrator {
	return &Orchestrator{
		group:                group,
		documents:            documents,
		audit:                audit,
		boundary:             boundary,
		fatal:                fatal,
		alignmentCoefficient: alignmentCoefficient,
		clock:                clock,
		metrics:              metrics,
		log:                  log,
	}
}

// WarmStart rebuilds the group from the document store. Each reader's freeAtQueued is recomputed
// and persisted before its loop starts; a loop with a book in progress finishes that book first.
func (o *Orchestrator) WarmStart(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	count, err := o.documents.CountReaders(ctx)
	if err != nil {
		return o.failed(ctx, model.NewDocumentStoreError("CountReaders", err))
	}
	if count == 0 {
		o.log.Info("no stored readers; starting with an empty group")
		return nil
	}
	states, err := o.documents.GetAllReaders(ctx)
	if err != nil {
		return o.failed(ctx, model.NewDocumentStoreError("GetAllReaders", err))
	}
	for i := range states {
		state := states[i]
		if err := o.group.Recalculate(&state); err != nil {
			return o.failed(ctx, err)
		}
		if err := o.documents.SetFreeAt(ctx, state.Address, state.FreeAtQueued, state.FreeAtActive); err != nil {
			return o.failed(ctx, model.NewDocumentStoreError("SetFreeAt", err))
		}
		if err := o.group.Add(ctx, state); err != nil {
			return o.failed(ctx, err)
		}
	}
	o.log.Infof("restored %d readers", len(states))
	return nil
}

// HandleMembership subscribes or unsubscribes a reader. Requests that cannot be decoded are
// acknowledged and dropped.
func (o *Orchestrator) HandleMembership(ctx context.Context, msg *boundary.Message) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.fatal.Failed() {
		return app.ErrStopped
	}
	log := o.logger(ctx)

	membership, err := boundary.DecodeMembership(msg.Properties, msg.Payload)
	if err != nil {
		if !bookdisterrors.IsInvalidArgument(err) {
			return o.failed(ctx, err)
		}
		logging.WithStacktrace(log, err).Warn("dropping invalid membership request")
		return o.ack(ctx, msg)
	}

	switch membership.Type {
	case boundary.Subscribe:
		err = o.subscribe(ctx, membership.Reader)
	case boundary.Unsubscribe:
		err = o.unsubscribe(ctx, membership.Address)
	}
	if err != nil {
		return o.failed(ctx, err)
	}
	return o.ack(ctx, msg)
}

func (o *Orchestrator) subscribe(ctx context.Context, reader model.Reader) error {
	log := o.logger(ctx).WithField("reader", reader.Address)
	known, err := o.isKnown(ctx, reader.Address)
	if err != nil {
		return err
	}
	if known {
		log.Info("reader is already registered; ignoring subscription")
		return nil
	}

	if err := o.rebalance(ctx, &reader); err != nil {
		return err
	}

	now := o.clock.Now()
	if reader.RegisteredAt.IsZero() {
		reader.RegisteredAt = now
	}
	state := model.ReaderState{Reader: reader, FreeAtQueued: now}

	err = saga.New("subscribe", log).
		Then("document-store",
			func(ctx context.Context) error {
				if err := o.documents.UpsertReader(ctx, state); err != nil {
					return model.NewDocumentStoreError("UpsertReader", err)
				}
				return nil
			},
			func(ctx context.Context) error {
				if err := o.documents.DeleteReader(ctx, reader.Address); err != nil {
					return model.NewDocumentStoreError("DeleteReader", err)
				}
				return nil
			}).
		Then("relational-store",
			func(ctx context.Context) error {
				if err := o.audit.InsertReader(ctx, reader); err != nil {
					return model.NewRelationalStoreError("InsertReader", err)
				}
				return nil
			},
			func(ctx context.Context) error {
				if err := o.audit.DeleteReader(ctx, reader.Address); err != nil {
					return model.NewRelationalStoreError("DeleteReader", err)
				}
				return nil
			}).
		Then("group",
			func(ctx context.Context) error {
				return o.group.Add(ctx, state)
			},
			func(ctx context.Context) error {
				o.group.Remove(reader.Address)
				return nil
			}).
		Then("reannounce-unallocated",
			func(ctx context.Context) error {
				_, err := o.boundary.ReannounceUnallocated(ctx)
				return err
			},
			nil).
		Execute(ctx)
	if err != nil {
		return err
	}
	log.Info("reader subscribed")
	return nil
}

func (o *Orchestrator) isKnown(ctx context.Context, address string) (bool, error) {
	if o.group.Contains(address) {
		return true, nil
	}
	exists, err := o.audit.ReaderExists(ctx, address)
	if err != nil {
		return false, model.NewRelationalStoreError("ReaderExists", err)
	}
	return exists, nil
}

// rebalance drains readers far behind the rest of the group and republishes their books so the
// candidate can pick some of them up. Each drained reader stays locked until its books are
// republished and its stored queue and free-at timestamps match memory again.
func (o *Orchestrator) rebalance(ctx context.Context, candidate *model.Reader) error {
	if o.group.Len() == 0 {
		return nil
	}
	result, err := o.group.Drain(candidate, o.alignmentCoefficient)
	if err != nil {
		return err
	}
	defer result.ReleaseAll()

	for _, drained := range result.Readers {
		if err := o.republish(ctx, drained); err != nil {
			return err
		}
		freeAtQueued, freeAtActive, err := drained.Release()
		if err != nil {
			return err
		}
		if err := o.documents.SetFreeAt(ctx, drained.Address, freeAtQueued, freeAtActive); err != nil {
			return model.NewDocumentStoreError("SetFreeAt", err)
		}
	}
	return nil
}

func (o *Orchestrator) republish(ctx context.Context, drained *group.DrainedReader) error {
	log := o.logger(ctx).WithField("reader", drained.Address)
	for i, payload := range drained.Books {
		if _, _, err := o.documents.PopFront(ctx, drained.Address); err != nil {
			o.requeue(drained, drained.Books[i:])
			return model.NewDocumentStoreError("PopFront", err)
		}
		if err := o.boundary.PublishBook(ctx, payload); err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			if err := o.documents.PushFront(ctx, drained.Address, payload); err != nil {
				result = multierror.Append(result, model.NewDocumentStoreError("PushFront", err))
			}
			o.requeue(drained, drained.Books[i:])
			return result.ErrorOrNil()
		}
	}
	log.Infof("republished %d drained books", len(drained.Books))
	return nil
}

// requeue puts books that were not republished back at the front of the reader's queue, in order.
func (o *Orchestrator) requeue(drained *group.DrainedReader, books []model.BookPayload) {
	for i := len(books) - 1; i >= 0; i-- {
		drained.Requeue(books[i])
	}
}

func (o *Orchestrator) unsubscribe(ctx context.Context, address string) error {
	log := o.logger(ctx).WithField("reader", address)
	if !o.group.Contains(address) {
		log.Info("reader is not registered; ignoring unsubscription")
		return nil
	}
	snapshot, _ := o.group.Remove(address)

	err := saga.New("unsubscribe", log).
		Then("document-store",
			func(ctx context.Context) error {
				if err := o.documents.DeleteReader(ctx, address); err != nil {
					return model.NewDocumentStoreError("DeleteReader", err)
				}
				return nil
			},
			func(ctx context.Context) error {
				if err := o.documents.UpsertReader(ctx, snapshot); err != nil {
					return model.NewDocumentStoreError("UpsertReader", err)
				}
				return nil
			}).
		Then("relational-store",
			func(ctx context.Context) error {
				if err := o.audit.SetSubscription(ctx, address, false); err != nil {
					return model.NewRelationalStoreError("SetSubscription", err)
				}
				return nil
			},
			func(ctx context.Context) error {
				if err := o.audit.SetSubscription(ctx, address, true); err != nil {
					return model.NewRelationalStoreError("SetSubscription", err)
				}
				return nil
			}).
		Then("redistribute",
			func(ctx context.Context) error {
				for _, payload := range snapshot.Queue {
					if err := o.boundary.PublishBook(ctx, payload); err != nil {
						return err
					}
				}
				return nil
			},
			nil).
		Execute(ctx)
	if err != nil {
		return err
	}
	log.Infof("reader unsubscribed; redistributed %d books", len(snapshot.Queue))
	return nil
}

// HandleBook queues the book with the reader that would finish it first, or parks it on the
// unallocated topic if no reader knows its language. Books that cannot be decoded are acknowledged
// and dropped.
func (o *Orchestrator) HandleBook(ctx context.Context, msg *boundary.Message) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.fatal.Failed() {
		return app.ErrStopped
	}
	log := o.logger(ctx)

	payload := model.BookPayload(msg.Payload)
	book, err := payload.Decode()
	if err != nil {
		logging.WithStacktrace(log, err).Warn("dropping invalid book")
		return o.ack(ctx, msg)
	}

	address, completion, ok, err := o.group.FindFastest(book)
	if err != nil {
		return o.failed(ctx, err)
	}
	if !ok {
		if err := o.boundary.PublishUnallocated(ctx, payload); err != nil {
			return o.failed(ctx, err)
		}
		if err := o.ack(ctx, msg); err != nil {
			return err
		}
		o.metrics.RecordUnallocated()
		log.WithField("book", book.Name).Infof("no reader knows %s; book parked as unallocated", book.Language)
		return nil
	}

	if err := o.assign(ctx, msg, address, payload, book); err != nil {
		return o.failed(ctx, err)
	}
	log.WithFields(logrus.Fields{
		"book":       book.Name,
		"reader":     address,
		"completion": completion.Format(time.RFC3339),
	}).Info("book assigned")
	return nil
}

// assign queues the book with the reader in memory and in the document store. The reader stays
// locked until the message is acknowledged, so its loop only ever sees the book once both queues
// hold it.
func (o *Orchestrator) assign(ctx context.Context, msg *boundary.Message, address string, payload model.BookPayload, book model.Book) error {
	var queued *group.QueuedBook
	defer func() {
		if queued != nil {
			queued.Release()
		}
	}()
	err := saga.New("assign-book", o.logger(ctx).WithField("reader", address)).
		Then("queue",
			func(ctx context.Context) error {
				var err error
				queued, err = o.group.AppendBook(address, payload, book)
				return err
			},
			func(ctx context.Context) error {
				return queued.Undo()
			}).
		Then("document-store",
			func(ctx context.Context) error {
				if err := o.documents.AppendBook(ctx, address, payload, queued.FreeAtQueued); err != nil {
					return model.NewDocumentStoreError("AppendBook", err)
				}
				return nil
			},
			func(ctx context.Context) error {
				if _, _, err := o.documents.PopBack(ctx, address); err != nil {
					return model.NewDocumentStoreError("PopBack", err)
				}
				return nil
			}).
		Then("ack",
			func(ctx context.Context) error {
				return msg.Ack(ctx)
			},
			nil).
		Execute(ctx)
	if err != nil {
		return err
	}
	o.metrics.RecordAssigned(address, queued.QueueLength)
	return nil
}

// logger returns the orchestrator's logger with any fields the message context carries.
func (o *Orchestrator) logger(ctx context.Context) *logrus.Entry {
	return o.log.WithFields(ctxlogrus.Extract(ctx).Data)
}

func (o *Orchestrator) ack(ctx context.Context, msg *boundary.Message) error {
	if err := msg.Ack(ctx); err != nil {
		return o.failed(ctx, err)
	}
	return nil
}

// failed hands err to the fatal reporter and returns it. No further message is handled afterwards.
func (o *Orchestrator) failed(ctx context.Context, err error) error {
	logging.WithStacktrace(o.logger(ctx), err).Error("stopping after unrecoverable error")
	o.fatal.Fail(err)
	return err
}

// CheckConsistency compares the group with the document store and reports any reader missing on
// either side. It is used by the health check.
func (o *Orchestrator) CheckConsistency(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	count, err := o.documents.CountReaders(ctx)
	if err != nil {
		return model.NewDocumentStoreError("CountReaders", err)
	}
	if n := o.group.Len(); n != count {
		return errors.Errorf("group holds %d readers but the document store holds %d", n, count)
	}
	return nil
}
