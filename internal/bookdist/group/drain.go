package group

import (
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/activity"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
	"github.com/G-Research/bookdist/internal/common/logging"
)

// DrainedReader is a reader the rebalancer took books from. Its lock stays held until Release is
// called, so the books can be republished before the reader's loop sees its queue again.
type DrainedReader struct {
	Address  string
	Books    []model.BookPayload
	loop     *activity.Loop
	registry *Registry
	released bool
}

// Requeue puts payload back at the front of the reader's queue.
func (d *DrainedReader) Requeue(payload model.BookPayload) {
	state := d.loop.State()
	state.Queue = append([]model.BookPayload{payload}, state.Queue...)
}

// Release recalculates the reader's freeAtQueued, unlocks it and wakes its loop. It returns the
// reader's free-at timestamps after recalculation.
func (d *DrainedReader) Release() (freeAtQueued time.Time, freeAtActive time.Time, err error) {
	if d.released {
		return time.Time{}, time.Time{}, errors.Errorf("reader %s has already been released", d.Address)
	}
	d.released = true
	state := d.loop.State()
	err = d.registry.recalculate(state)
	freeAtQueued, freeAtActive = state.FreeAtQueued, state.FreeAtActive
	queueLength := len(state.Queue)
	d.loop.Unlock()
	d.loop.Signal()
	d.registry.metrics.SetQueueLength(d.Address, queueLength)
	return freeAtQueued, freeAtActive, err
}

type DrainResult struct {
	// Drained readers in registration order. Readers nothing was taken from are not included.
	Readers []*DrainedReader
}

// Buckets returns the books drained from each reader, in original queue order.
func (r *DrainResult) Buckets() map[string][]model.BookPayload {
	buckets := make(map[string][]model.BookPayload, len(r.Readers))
	for _, reader := range r.Readers {
		buckets[reader.Address] = reader.Books
	}
	return buckets
}

// ReleaseAll releases every reader not yet released. Readers whose freeAtQueued cannot be
// recalculated are still released and the error is logged.
func (r *DrainResult) ReleaseAll() {
	for _, reader := range r.Readers {
		if reader.released {
			continue
		}
		if _, _, err := reader.Release(); err != nil {
			logging.WithStacktrace(reader.registry.log, err).
				WithField("reader", reader.Address).
				Error("failed to recalculate drained reader on release")
		}
	}
}

// Drain takes books from the front of every reader that shares a language with candidate and
// whose queue finishes later than now + avg(max(freeAtQueued - now, 0)) * alignmentCoefficient.
// Each such reader loses books until its freeAtQueued is no later than that threshold or its queue
// is empty. Drained readers stay locked until released.
func (r *Registry) Drain(candidate *model.Reader, alignmentCoefficient float64) (*DrainResult, error) {
	if alignmentCoefficient <= 1 {
		return nil, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "alignmentCoefficient",
			Value:   alignmentCoefficient,
			Message: "must be greater than 1",
		})
	}
	result := &DrainResult{}
	loops := r.orderedLoops()
	if len(loops) == 0 {
		return result, nil
	}

	now := r.clock.Now()
	threshold := now.Add(time.Duration(float64(r.averageRemaining(loops, now)) * alignmentCoefficient))

	for _, loop := range loops {
		loop.Lock()
		state := loop.State()
		if !state.SharesLanguage(candidate) || !state.FreeAtQueued.After(threshold) {
			loop.Unlock()
			continue
		}
		drained := &DrainedReader{Address: state.Address, loop: loop, registry: r}
		for state.FreeAtQueued.After(threshold) && len(state.Queue) > 0 {
			drained.Books = append(drained.Books, state.Queue[0])
			state.Queue = state.Queue[1:]
			if err := r.recalculate(state); err != nil {
				for i := len(drained.Books) - 1; i >= 0; i-- {
					drained.Requeue(drained.Books[i])
				}
				loop.Unlock()
				result.ReleaseAll()
				return nil, err
			}
		}
		if len(drained.Books) == 0 {
			loop.Unlock()
			continue
		}
		r.metrics.RecordDrained(state.Address, len(drained.Books), len(state.Queue))
		r.log.WithField("reader", state.Address).Infof("drained %d books", len(drained.Books))
		result.Readers = append(result.Readers, drained)
	}
	return result, nil
}

func (r *Registry) averageRemaining(loops []*activity.Loop, now time.Time) time.Duration {
	var total time.Duration
	for _, loop := range loops {
		loop.Lock()
		if remaining := loop.State().FreeAtQueued.Sub(now); remaining > 0 {
			total += remaining
		}
		loop.Unlock()
	}
	return total / time.Duration(len(loops))
}
