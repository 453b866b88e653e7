// Package estimator predicts how long a reader needs to finish a book.
//
// A reader alternates between an active window of ActiveDays days, during which it reads
// PagesPerDay pages per day scaled by its proficiency, and a passive window of PassiveDays days
// during which it reads nothing. The cycle starts when the reader registered.
package estimator

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

const DefaultDayLengthSeconds = 24

type Estimator struct {
	dayLengthSeconds float64
}

// New returns an estimator whose simulated day lasts dayLengthSeconds; values below 1 fall back
// to DefaultDayLengthSeconds.
func New(dayLengthSeconds int) *Estimator {
	if dayLengthSeconds < 1 {
		dayLengthSeconds = DefaultDayLengthSeconds
	}
	return &Estimator{dayLengthSeconds: float64(dayLengthSeconds)}
}

func (e *Estimator) DayLength() time.Duration {
	return time.Duration(e.dayLengthSeconds) * time.Second
}

// EstimateDuration returns how long reader needs to read book if it starts at the given time.
func (e *Estimator) EstimateDuration(reader *model.Reader, book model.Book, at time.Time) (time.Duration, error) {
	level := reader.Level(book.Language)
	if level <= 0 {
		return 0, errors.WithStack(&model.ErrCapability{Reader: reader.Address, Language: book.Language})
	}
	if reader.ActiveDays < 1 || reader.PagesPerDay < 1 {
		return 0, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "reader",
			Value:   reader.Address,
			Message: "activeDays and pagesPerDay must both be positive",
		})
	}

	activeSec := float64(reader.ActiveDays) * e.dayLengthSeconds
	passiveSec := float64(reader.PassiveDays) * e.dayLengthSeconds
	cycleSec := activeSec + passiveSec

	elapsed := at.Sub(reader.RegisteredAt).Seconds()
	cyclePos := math.Mod(elapsed, cycleSec)
	if cyclePos < 0 {
		cyclePos += cycleSec
	}

	pages := float64(book.Pages)
	pagesPerCycle := float64(reader.ActiveDays*reader.PagesPerDay) * float64(level) / 10
	partialPages := math.Mod(pages, pagesPerCycle)
	partialTime := partialPages * activeSec / pagesPerCycle
	fullCycleTime := math.Floor(pages/pagesPerCycle) * cycleSec

	var seconds float64
	if cyclePos >= activeSec {
		// Starts in a passive window: wait for it to end first.
		seconds = fullCycleTime + partialTime + (cycleSec - cyclePos)
	} else if activeSec-cyclePos > partialTime {
		seconds = fullCycleTime + partialTime
	} else {
		seconds = fullCycleTime + partialTime + passiveSec
	}
	return time.Duration(math.Round(seconds * float64(time.Second))), nil
}

// CompletionTime returns when reader would finish book if it starts at start.
func (e *Estimator) CompletionTime(reader *model.Reader, book model.Book, start time.Time) (time.Time, error) {
	duration, err := e.EstimateDuration(reader, book, start)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(duration), nil
}

// QueueCompletionTime replays books in order from start and returns when the last one completes.
func (e *Estimator) QueueCompletionTime(reader *model.Reader, books []model.Book, start time.Time) (time.Time, error) {
	t := start
	for _, book := range books {
		next, err := e.CompletionTime(reader, book, t)
		if err != nil {
			return time.Time{}, err
		}
		t = next
	}
	return t, nil
}
