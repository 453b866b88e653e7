// Package bookdist wires the book distribution server together and runs it.
package bookdist

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/activity"
	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	"github.com/G-Research/bookdist/internal/bookdist/configuration"
	"github.com/G-Research/bookdist/internal/bookdist/control"
	"github.com/G-Research/bookdist/internal/bookdist/database"
	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	"github.com/G-Research/bookdist/internal/bookdist/group"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/repository"
	"github.com/G-Research/bookdist/internal/common"
	"github.com/G-Research/bookdist/internal/common/app"
	dbcommon "github.com/G-Research/bookdist/internal/common/database"
	"github.com/G-Research/bookdist/internal/common/health"
	"github.com/G-Research/bookdist/internal/common/logging"
	"github.com/G-Research/bookdist/internal/common/pulsarutils"
)

const connectAttempts = 5

// ErrFatalStop is returned by Run when the server stopped because the stores could no longer be
// kept consistent. The state in the stores is what the next start recovers from.
type ErrFatalStop struct {
	Err error
}

func (err *ErrFatalStop) Error() string {
	return fmt.Sprintf("stopped after fatal error: %v", err.Err)
}

func (err *ErrFatalStop) Unwrap() error {
	return err.Err
}

// Run sets up the server and runs it until a SIGTERM is received or a fatal error is reported.
func Run(config configuration.BookDistConfig) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown(log.WithField("service", "bookdist")))
	ctx, fatal := app.NewFatalCoordinator(ctx, log.WithField("service", "FatalCoordinator"))
	defer fatal.Cancel()
	logger := log.NewEntry(log.StandardLogger())
	ctx = ctxlogrus.ToContext(ctx, logger)

	//////////////////////////////////////////////////////////////////////////
	// Health checks and metrics
	//////////////////////////////////////////////////////////////////////////
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	shutdownHttpServer := common.ServeHttp(config.HealthPort, health.NewHealthMux(healthChecks))
	defer shutdownHttpServer()

	bookMetrics := metrics.New()
	if err := bookMetrics.Register(prometheus.DefaultRegisterer); err != nil {
		return errors.WithMessage(err, "error registering metrics")
	}
	logHook := logging.NewPrometheusHook()
	if err := prometheus.Register(logHook); err != nil {
		return errors.WithMessage(err, "error registering log metrics")
	}
	log.AddHook(logHook)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	//////////////////////////////////////////////////////////////////////////
	// Database setup (postgres and redis)
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up database connections")
	db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.WithMessage(err, "error opening connection to postgres")
	}
	defer db.Close()
	if err := connect(ctx, "postgres", func() error { return db.Ping(ctx) }); err != nil {
		return err
	}

	redisClient := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}()
	if err := connect(ctx, "redis", func() error { return redisClient.Ping().Err() }); err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Pulsar
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up Pulsar connectivity")
	pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
	if err != nil {
		return errors.WithMessage(err, "error creating pulsar client")
	}
	defer pulsarClient.Close()

	var pulsarBoundary *boundary.PulsarBoundary
	err = connect(ctx, "pulsar", func() error {
		var err error
		pulsarBoundary, err = boundary.Connect(
			pulsarClient, config.Pulsar, config.UnallocatedDrainTimeout, log.WithField("service", "PulsarBoundary"))
		return err
	})
	if err != nil {
		return err
	}
	defer pulsarBoundary.Close()

	booksConsumer, err := boundary.NewFailoverConsumer(pulsarClient, config.Pulsar, config.Pulsar.BooksTopic)
	if err != nil {
		return err
	}
	defer booksConsumer.Close()
	readersConsumer, err := boundary.NewFailoverConsumer(pulsarClient, config.Pulsar, config.Pulsar.ReadersTopic)
	if err != nil {
		return err
	}
	defer readersConsumer.Close()

	//////////////////////////////////////////////////////////////////////////
	// Reader group
	//////////////////////////////////////////////////////////////////////////
	clk := clock.RealClock{}
	bookEstimator := estimator.New(config.DayLengthSeconds)
	audit := database.NewPostgresAuditRepository(db)
	documents := repository.NewRedisReaderRepository(redisClient)
	newLoop := func(state model.ReaderState) *activity.Loop {
		return activity.NewLoop(state, bookEstimator, clk, audit, documents, bookMetrics, log.WithField("service", "ReaderActivity"))
	}
	registry := group.NewRegistry(bookEstimator, clk, newLoop, fatal, bookMetrics, log.WithField("service", "ReaderGroup"))
	// Loops must finish their critical sections before the connections above are closed.
	defer registry.StopAll()

	orchestrator := control.NewOrchestrator(
		registry,
		documents,
		audit,
		pulsarBoundary,
		fatal,
		config.AlignmentCoefficient,
		clk,
		bookMetrics,
		log.WithField("service", "ControlOrchestrator"),
	)
	if err := orchestrator.WarmStart(ctx); err != nil {
		return &ErrFatalStop{Err: err}
	}
	healthChecks.Add(health.FuncChecker(func() error { return orchestrator.CheckConsistency(ctx) }))

	//////////////////////////////////////////////////////////////////////////
	// Consumers
	//////////////////////////////////////////////////////////////////////////
	g.Go(func() error {
		return boundary.Consume(
			ctx, readersConsumer, config.Pulsar.ReceiveTimeout, config.PulsarBackoffTime,
			log.WithField("service", "ReadersConsumer"), orchestrator.HandleMembership)
	})
	g.Go(func() error {
		return boundary.Consume(
			ctx, booksConsumer, config.Pulsar.ReceiveTimeout, config.PulsarBackoffTime,
			log.WithField("service", "BooksConsumer"), orchestrator.HandleBook)
	})

	startupCompleteCheck.MarkComplete()
	log.Infof("bookdist started with %d readers", registry.Len())
	err = g.Wait()
	if fatalErr := fatal.Err(); fatalErr != nil {
		return &ErrFatalStop{Err: fatalErr}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect retries f a few times with backoff; it is only used at start-up.
func connect(ctx context.Context, name string, f func() error) error {
	err := retry.Do(
		f,
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("failed to connect to %s (attempt %d)", name, n+1)
		}),
	)
	return errors.WithMessagef(err, "error connecting to %s", name)
}
