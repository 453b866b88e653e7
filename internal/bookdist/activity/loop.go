// Package activity runs one Loop per registered reader. The loop takes books from the front of the
// reader's queue one at a time, waits out the estimated reading time and records progress in the
// audit and document stores.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/saga"
)

// AuditStore is the part of the relational audit store the loop writes to.
type AuditStore interface {
	InsertBook(ctx context.Context, address string, book model.Book, acquiredAt time.Time) (int64, error)
	DeleteBook(ctx context.Context, id int64) error
	SetReadTime(ctx context.Context, id int64, readAt time.Time) error
	LatestUnreadBookId(ctx context.Context, address string) (int64, bool, error)
}

// DocumentStore is the part of the document store the loop writes to.
type DocumentStore interface {
	// StartBook records freeAtActive and removes the front book of the reader's stored queue.
	StartBook(ctx context.Context, address string, freeAtActive time.Time) error
}

type Loop struct {
	// Guards state. Held by the loop while it takes a book and by the rebalancer while it drains.
	mutex     sync.Mutex
	state     *model.ReaderState
	estimator *estimator.Estimator
	clock     clock.Clock
	audit     AuditStore
	documents DocumentStore
	metrics   *metrics.Metrics
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	log       *logrus.Entry
}

func NewLoop(
	state model.ReaderState,
	estimator *estimator.Estimator,
	clock clock.Clock,
	audit AuditStore,
	documents DocumentStore,
	metrics *metrics.Metrics,
	log *logrus.Entry,
) *Loop {
	return &Loop{
		state:     &state,
		estimator: estimator,
		clock:     clock,
		audit:     audit,
		documents: documents,
		metrics:   metrics,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       log.WithField("reader", state.Address),
	}
}

func (l *Loop) Address() string {
	return l.state.Address
}

// Lock acquires the reader's private lock. State may only be used while it is held.
func (l *Loop) Lock() {
	l.mutex.Lock()
}

func (l *Loop) Unlock() {
	l.mutex.Unlock()
}

func (l *Loop) State() *model.ReaderState {
	return l.state
}

// Signal wakes the loop if it is waiting for a book. It never blocks.
func (l *Loop) Signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop asks the loop to exit and waits until it has. A book being taken from the queue is always
// fully recorded before the loop exits.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run consumes books until Stop is called or ctx is cancelled. A non-nil error means the stores
// may no longer agree with each other.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	if err := l.finishActiveBook(ctx); err != nil {
		return err
	}
	for {
		if l.stopping(ctx) {
			return nil
		}

		l.mutex.Lock()
		idle := len(l.state.Queue) == 0
		l.mutex.Unlock()
		if idle {
			select {
			case <-l.wake:
				continue
			case <-l.stop:
				return nil
			case <-ctx.Done():
				return nil
			}
		}

		id, duration, ok, err := l.takeBook(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if !l.wait(ctx, duration) {
			return nil
		}
		if err := l.audit.SetReadTime(ctx, id, l.clock.Now()); err != nil {
			return model.NewRelationalStoreError("SetReadTime", err)
		}
		l.metrics.RecordCompleted()
		l.log.WithField("book", id).Debug("finished reading book")
	}
}

// finishActiveBook waits for a book that was in progress before a restart and marks it read.
func (l *Loop) finishActiveBook(ctx context.Context) error {
	id, found, err := l.audit.LatestUnreadBookId(ctx, l.state.Address)
	if err != nil {
		return model.NewRelationalStoreError("LatestUnreadBookId", err)
	}
	if !found {
		return nil
	}
	l.mutex.Lock()
	freeAtActive := l.state.FreeAtActive
	l.mutex.Unlock()

	l.log.WithField("book", id).Infof("resuming book in progress until %s", freeAtActive.Format(time.RFC3339))
	if remaining := freeAtActive.Sub(l.clock.Now()); remaining > 0 {
		if !l.wait(ctx, remaining) {
			return nil
		}
	}
	if err := l.audit.SetReadTime(ctx, id, l.clock.Now()); err != nil {
		return model.NewRelationalStoreError("SetReadTime", err)
	}
	l.metrics.RecordCompleted()
	return nil
}

// takeBook moves the front book of the queue into progress. ok is false if the queue was emptied
// (by the rebalancer) before the lock was acquired.
func (l *Loop) takeBook(ctx context.Context) (id int64, duration time.Duration, ok bool, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	state := l.state
	if len(state.Queue) == 0 {
		return 0, 0, false, nil
	}
	now := l.clock.Now()
	payload := state.Queue[0]
	book, err := payload.Decode()
	if err != nil {
		return 0, 0, false, errors.WithMessagef(err, "reader %s has an unreadable book at the front of its queue", state.Address)
	}
	duration, err = l.estimator.EstimateDuration(&state.Reader, book, now)
	if err != nil {
		return 0, 0, false, err
	}
	freeAtActive := now.Add(duration)
	previousFreeAtActive := state.FreeAtActive
	previousFreeAtQueued := state.FreeAtQueued

	err = saga.New("take-book", l.log).
		Then("dequeue",
			func(ctx context.Context) error {
				state.Queue = state.Queue[1:]
				state.FreeAtActive = freeAtActive
				if state.FreeAtQueued.Before(freeAtActive) {
					state.FreeAtQueued = freeAtActive
				}
				return nil
			},
			func(ctx context.Context) error {
				state.Queue = append([]model.BookPayload{payload}, state.Queue...)
				state.FreeAtActive = previousFreeAtActive
				state.FreeAtQueued = previousFreeAtQueued
				return nil
			}).
		Then("record-acquired",
			func(ctx context.Context) error {
				insertedId, err := l.audit.InsertBook(ctx, state.Address, book, now)
				if err != nil {
					return model.NewRelationalStoreError("InsertBook", err)
				}
				id = insertedId
				return nil
			},
			func(ctx context.Context) error {
				if err := l.audit.DeleteBook(ctx, id); err != nil {
					return model.NewRelationalStoreError("DeleteBook", err)
				}
				return nil
			}).
		Then("mark-active",
			func(ctx context.Context) error {
				if err := l.documents.StartBook(ctx, state.Address, freeAtActive); err != nil {
					return model.NewDocumentStoreError("StartBook", err)
				}
				return nil
			},
			nil).
		Execute(ctx)
	if err != nil {
		return 0, 0, false, err
	}

	l.metrics.RecordStarted(state.Address, len(state.Queue), duration)
	l.log.WithFields(logrus.Fields{"book": id, "name": book.Name, "until": freeAtActive.Format(time.RFC3339)}).
		Debug("started reading book")
	return id, duration, true, nil
}

// wait returns false if the loop was stopped before d elapsed.
func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-l.clock.After(d):
		return true
	case <-l.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) stopping(ctx context.Context) bool {
	select {
	case <-l.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
