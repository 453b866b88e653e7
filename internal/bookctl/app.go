// Package bookctl publishes membership requests and books onto the bookdist topics.
package bookctl

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
	"github.com/G-Research/bookdist/internal/common/pulsarutils"
)

type App struct {
	// Producer for subscribe and unsubscribe requests.
	Readers pulsar.Producer
	// Producer for new books.
	Books pulsar.Producer
	// Human-readable output, stdout unless overridden.
	Out    io.Writer
	Clock  clock.Clock
	Random *rand.Rand

	client pulsar.Client
}

type Params struct {
	Pulsar commonconfig.PulsarConfig
}

// New connects to pulsar and creates one producer per topic bookctl writes to.
func New(params Params) (*App, error) {
	pulsarClient, err := pulsarutils.NewPulsarClient(&params.Pulsar)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	readersName := fmt.Sprintf("bookctl-readers-%s", id)
	readers, err := pulsarClient.CreateProducer(boundary.ProducerOptions(params.Pulsar, params.Pulsar.ReadersTopic, readersName))
	if err != nil {
		pulsarClient.Close()
		return nil, errors.Wrapf(err, "error creating pulsar producer %s", readersName)
	}
	booksName := fmt.Sprintf("bookctl-books-%s", id)
	books, err := pulsarClient.CreateProducer(boundary.ProducerOptions(params.Pulsar, params.Pulsar.BooksTopic, booksName))
	if err != nil {
		readers.Close()
		pulsarClient.Close()
		return nil, errors.Wrapf(err, "error creating pulsar producer %s", booksName)
	}

	return &App{
		Readers: readers,
		Books:   books,
		Out:     os.Stdout,
		Clock:   clock.RealClock{},
		Random:  rand.New(rand.NewSource(time.Now().UnixNano())),
		client:  pulsarClient,
	}, nil
}

// Close flushes and closes the producers and the underlying client.
func (a *App) Close() {
	if a.Readers != nil {
		a.Readers.Close()
	}
	if a.Books != nil {
		a.Books.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
}
