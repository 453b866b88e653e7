package bookctl

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	"github.com/G-Research/bookdist/internal/bookdist/model"
)

const (
	maxBookNumber = 100000
	minPages      = 5
	maxPages      = 1500
)

// RandomBook returns a book named Book<n> with n in [1, 100000), between 5 and 1499 pages and a
// random language. Ids are ulids so they sort by creation time.
func (a *App) RandomBook() model.Book {
	return model.Book{
		Id:       ulid.MustNew(ulid.Timestamp(a.Clock.Now()), a.Random).String(),
		Name:     fmt.Sprintf("Book%d", 1+a.Random.Intn(maxBookNumber-1)),
		Language: model.Languages[a.Random.Intn(len(model.Languages))],
		Pages:    minPages + a.Random.Intn(maxPages-minPages),
	}
}

func (a *App) PublishBook(ctx context.Context, book model.Book) error {
	if err := book.Validate(); err != nil {
		return err
	}
	payload, err := book.Encode()
	if err != nil {
		return err
	}
	if _, err := a.Books.Send(ctx, boundary.NewBookMessage(payload)); err != nil {
		return errors.Wrapf(err, "error publishing book %s", book.Name)
	}
	fmt.Fprintf(a.Out, "Published %s (%s, %d pages)\n", book.Name, book.Language, book.Pages)
	return nil
}

// Generate publishes random books, waiting a random interval in [minInterval, maxInterval] before
// each one. It stops after count books, or runs until ctx is cancelled if count is 0.
func (a *App) Generate(ctx context.Context, minInterval, maxInterval time.Duration, count int) error {
	if minInterval < 0 || maxInterval < minInterval {
		return errors.Errorf("invalid interval [%s, %s]", minInterval, maxInterval)
	}
	for published := 0; count == 0 || published < count; published++ {
		if wait := a.interval(minInterval, maxInterval); wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.Clock.After(wait):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.PublishBook(ctx, a.RandomBook()); err != nil {
			return err
		}
	}
	log.Infof("Generated %d books", count)
	return nil
}

func (a *App) interval(min, max time.Duration) time.Duration {
	if max == min {
		return min
	}
	return min + time.Duration(a.Random.Int63n(int64(max-min)+1))
}
