// Package group keeps the in-memory set of registered readers, picks the reader that would finish
// a new book first and drains readers that are far behind the rest of the group.
package group

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/activity"
	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

// LoopFactory builds the activity loop for a newly registered reader.
type LoopFactory func(state model.ReaderState) *activity.Loop

type FatalReporter interface {
	Fail(err error)
}

// Registry maps reader address to the reader's activity loop. Membership changes are expected to
// be serialised by the caller; the registry's own lock only protects lookups made concurrently
// with them. Reader state is only touched while holding that reader's lock.
type Registry struct {
	mutex     sync.RWMutex
	loops     map[string]*activity.Loop
	order     []string
	estimator *estimator.Estimator
	clock     clock.Clock
	newLoop   LoopFactory
	fatal     FatalReporter
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

func NewRegistry(
	estimator *estimator.Estimator,
	clock clock.Clock,
	newLoop LoopFactory,
	fatal FatalReporter,
	metrics *metrics.Metrics,
	log *logrus.Entry,
) *Registry {
	return &Registry{
		loops:     make(map[string]*activity.Loop),
		estimator: estimator,
		clock:     clock,
		newLoop:   newLoop,
		fatal:     fatal,
		metrics:   metrics,
		log:       log,
	}
}

// Add registers the reader and starts its activity loop. The loop runs until Remove or StopAll is
// called or ctx is cancelled; if it fails the error is handed to the fatal reporter.
func (r *Registry) Add(ctx context.Context, state model.ReaderState) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.loops[state.Address]; ok {
		return errors.WithStack(&bookdisterrors.ErrAlreadyExists{Type: "reader", Value: state.Address})
	}
	loop := r.newLoop(state.Snapshot())
	r.loops[state.Address] = loop
	r.order = append(r.order, state.Address)
	r.metrics.SetReaders(len(r.loops))
	r.metrics.SetQueueLength(state.Address, len(state.Queue))

	go func() {
		if err := loop.Run(ctx); err != nil {
			r.fatal.Fail(errors.WithMessagef(err, "activity loop for reader %s failed", loop.Address()))
		}
	}()
	r.log.WithField("reader", state.Address).Info("reader added to group")
	return nil
}

// Remove stops the reader's loop and returns a snapshot of its final state.
func (r *Registry) Remove(address string) (model.ReaderState, bool) {
	loop, ok := r.get(address)
	if !ok {
		return model.ReaderState{}, false
	}
	loop.Stop()

	loop.Lock()
	snapshot := loop.State().Snapshot()
	loop.Unlock()

	r.mutex.Lock()
	delete(r.loops, address)
	if i := slices.Index(r.order, address); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.metrics.SetReaders(len(r.loops))
	r.mutex.Unlock()
	r.metrics.DeleteReader(address)

	r.log.WithField("reader", address).Info("reader removed from group")
	return snapshot, true
}

func (r *Registry) Contains(address string) bool {
	_, ok := r.get(address)
	return ok
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.loops)
}

// Addresses returns registered readers in registration order.
func (r *Registry) Addresses() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return slices.Clone(r.order)
}

// Snapshot returns a copy of the reader's current state.
func (r *Registry) Snapshot(address string) (model.ReaderState, bool) {
	loop, ok := r.get(address)
	if !ok {
		return model.ReaderState{}, false
	}
	loop.Lock()
	defer loop.Unlock()
	return loop.State().Snapshot(), true
}

// FindFastest returns the reader able to read book that would finish it first, assuming it is read
// after everything already queued. Ties go to the reader registered first. ok is false if no reader
// knows the book's language.
func (r *Registry) FindFastest(book model.Book) (address string, completion time.Time, ok bool, err error) {
	now := r.clock.Now()
	for _, loop := range r.orderedLoops() {
		candidate, found, err := r.completionFor(loop, book, now)
		if err != nil {
			return "", time.Time{}, false, err
		}
		if !found {
			continue
		}
		if !ok || candidate.Before(completion) {
			address, completion, ok = loop.Address(), candidate, true
		}
	}
	return address, completion, ok, nil
}

func (r *Registry) completionFor(loop *activity.Loop, book model.Book, now time.Time) (time.Time, bool, error) {
	loop.Lock()
	defer loop.Unlock()
	state := loop.State()
	if state.Level(book.Language) == 0 {
		return time.Time{}, false, nil
	}
	start := latest(state.FreeAtQueued, now)
	completion, err := r.estimator.CompletionTime(&state.Reader, book, start)
	if err != nil {
		return time.Time{}, false, err
	}
	return completion, true, nil
}

// QueuedBook is a book just appended to a reader's in-memory queue. The reader stays locked until
// Release is called, so its loop cannot start the book before the caller has stored it elsewhere.
type QueuedBook struct {
	Address      string
	Payload      model.BookPayload
	FreeAtQueued time.Time
	QueueLength  int
	loop         *activity.Loop
	registry     *Registry
	released     bool
}

// Undo removes the book from the back of the queue and recalculates freeAtQueued. The reader stays
// locked.
func (q *QueuedBook) Undo() error {
	if q.released {
		return errors.Errorf("book queued for reader %s can no longer be removed; the reader has been released", q.Address)
	}
	state := q.loop.State()
	n := len(state.Queue)
	if n == 0 || state.Queue[n-1] != q.Payload {
		return errors.Errorf("last book queued for reader %s is no longer the one being removed", q.Address)
	}
	state.Queue = state.Queue[:n-1]
	q.QueueLength = len(state.Queue)
	if err := q.registry.recalculate(state); err != nil {
		return err
	}
	q.FreeAtQueued = state.FreeAtQueued
	return nil
}

// Release unlocks the reader and wakes its loop. Calling it more than once has no effect.
func (q *QueuedBook) Release() {
	if q.released {
		return
	}
	q.released = true
	q.loop.Unlock()
	q.loop.Signal()
}

// AppendBook adds the book to the back of the reader's queue. On success the reader is left locked
// and the returned QueuedBook must be released.
func (r *Registry) AppendBook(address string, payload model.BookPayload, book model.Book) (*QueuedBook, error) {
	loop, ok := r.get(address)
	if !ok {
		return nil, errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	loop.Lock()
	state := loop.State()
	start := latest(state.FreeAtQueued, r.clock.Now())
	completion, err := r.estimator.CompletionTime(&state.Reader, book, start)
	if err != nil {
		loop.Unlock()
		return nil, err
	}
	state.Queue = append(state.Queue, payload)
	state.FreeAtQueued = completion
	return &QueuedBook{
		Address:      address,
		Payload:      payload,
		FreeAtQueued: completion,
		QueueLength:  len(state.Queue),
		loop:         loop,
		registry:     r,
	}, nil
}

// Signal wakes the reader's loop if it is idle.
func (r *Registry) Signal(address string) {
	if loop, ok := r.get(address); ok {
		loop.Signal()
	}
}

// RecalculateFreeAt replays the reader's queue from max(freeAtActive, now) and stores the result as
// its freeAtQueued. The queue itself is not changed.
func (r *Registry) RecalculateFreeAt(address string) (time.Time, error) {
	loop, ok := r.get(address)
	if !ok {
		return time.Time{}, errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	loop.Lock()
	defer loop.Unlock()
	state := loop.State()
	if err := r.recalculate(state); err != nil {
		return time.Time{}, err
	}
	return state.FreeAtQueued, nil
}

// Recalculate is RecalculateFreeAt for a reader that is not registered yet.
func (r *Registry) Recalculate(state *model.ReaderState) error {
	return r.recalculate(state)
}

func (r *Registry) recalculate(state *model.ReaderState) error {
	books := make([]model.Book, 0, len(state.Queue))
	for _, payload := range state.Queue {
		book, err := payload.Decode()
		if err != nil {
			return errors.WithMessagef(err, "reader %s has an unreadable book in its queue", state.Address)
		}
		books = append(books, book)
	}
	start := latest(state.FreeAtActive, r.clock.Now())
	freeAtQueued, err := r.estimator.QueueCompletionTime(&state.Reader, books, start)
	if err != nil {
		return err
	}
	state.FreeAtQueued = freeAtQueued
	return nil
}

// StopAll stops every activity loop. Readers stay registered.
func (r *Registry) StopAll() {
	var wg sync.WaitGroup
	for _, loop := range r.orderedLoops() {
		wg.Add(1)
		go func(loop *activity.Loop) {
			defer wg.Done()
			loop.Stop()
		}(loop)
	}
	wg.Wait()
}

func (r *Registry) get(address string) (*activity.Loop, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	loop, ok := r.loops[address]
	return loop, ok
}

func (r *Registry) orderedLoops() []*activity.Loop {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	loops := make([]*activity.Loop, 0, len(r.order))
	for _, address := range r.order {
		loops = append(loops, r.loops[address])
	}
	return loops
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
