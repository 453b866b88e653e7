package activity

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/testfixtures"
)

const address = "reader@example.com"

type loopTest struct {
	loop      *Loop
	clock     *clock.FakeClock
	audit     *testfixtures.AuditStore
	documents *testfixtures.DocumentStore
	result    chan error
}

func newLoopTest(t *testing.T, state model.ReaderState) *loopTest {
	fakeClock := clock.NewFakeClock(testfixtures.BaseTime)
	audit := testfixtures.NewAuditStore()
	documents := testfixtures.NewDocumentStore()
	require.NoError(t, documents.UpsertReader(context.Background(), state))
	loop := NewLoop(
		state,
		estimator.New(testfixtures.DayLengthSeconds),
		fakeClock,
		audit,
		documents,
		metrics.New(),
		logrus.NewEntry(logrus.New()),
	)
	return &loopTest{loop: loop, clock: fakeClock, audit: audit, documents: documents, result: make(chan error, 1)}
}

func (lt *loopTest) start() {
	go func() { lt.result <- lt.loop.Run(context.Background()) }()
}

func (lt *loopTest) waitForTimer(t *testing.T) {
	require.Eventually(t, lt.clock.HasWaiters, 5*time.Second, time.Millisecond)
}

func stateWithBooks(books ...model.Book) model.ReaderState {
	state := testfixtures.ReaderState(address, model.English)
	for _, book := range books {
		state.Queue = append(state.Queue, testfixtures.Payload(book))
	}
	return state
}

func TestLoop_ReadsBooksInOrder(t *testing.T) {
	first := testfixtures.Book("first", model.English, 100)
	second := testfixtures.Book("second", model.English, 200)
	lt := newLoopTest(t, stateWithBooks(first, second))
	lt.start()

	// 100 pages at 500 pages per 50s active window takes 10s.
	lt.waitForTimer(t)
	books := lt.audit.Books()
	require.Len(t, books, 1)
	assert.Equal(t, "first", books[0].Book.Name)
	assert.Equal(t, testfixtures.BaseTime, books[0].AcquiredAt)
	assert.Nil(t, books[0].ReadAt)

	lt.loop.Lock()
	assert.Len(t, lt.loop.State().Queue, 1)
	assert.Equal(t, testfixtures.BaseTime.Add(10*time.Second), lt.loop.State().FreeAtActive)
	lt.loop.Unlock()

	stored, ok := lt.documents.Reader(address)
	require.True(t, ok)
	assert.Equal(t, testfixtures.BaseTime.Add(10*time.Second), stored.FreeAtActive)
	assert.Len(t, stored.Queue, 1)

	lt.clock.Step(10 * time.Second)
	require.Eventually(t, func() bool { return len(lt.audit.Books()) == 2 }, 5*time.Second, time.Millisecond)
	books = lt.audit.Books()
	require.NotNil(t, books[0].ReadAt)
	assert.Equal(t, testfixtures.BaseTime.Add(10*time.Second), *books[0].ReadAt)
	assert.Equal(t, "second", books[1].Book.Name)

	lt.waitForTimer(t)
	lt.clock.Step(20 * time.Second)
	require.Eventually(t, func() bool {
		books := lt.audit.Books()
		return books[1].ReadAt != nil
	}, 5*time.Second, time.Millisecond)

	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
}

func TestLoop_IdleUntilSignalled(t *testing.T) {
	lt := newLoopTest(t, stateWithBooks())
	lt.start()

	// Nothing happens while the queue is empty.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, lt.audit.Books())
	assert.False(t, lt.clock.HasWaiters())

	book := testfixtures.Book("late", model.English, 100)
	lt.loop.Lock()
	lt.loop.State().Queue = append(lt.loop.State().Queue, testfixtures.Payload(book))
	lt.loop.Unlock()
	require.NoError(t, lt.documents.AppendBook(context.Background(), address, testfixtures.Payload(book), testfixtures.BaseTime))
	lt.loop.Signal()

	lt.waitForTimer(t)
	require.Len(t, lt.audit.Books(), 1)

	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
}

func TestLoop_SignalNeverBlocks(t *testing.T) {
	lt := newLoopTest(t, stateWithBooks())
	lt.loop.Signal()
	lt.loop.Signal()
	lt.loop.Signal()
}

func TestLoop_DocumentStoreFailureCompensates(t *testing.T) {
	book := testfixtures.Book("doomed", model.English, 100)
	lt := newLoopTest(t, stateWithBooks(book))
	lt.documents.FailOn("StartBook", errors.New("redis unavailable"))
	lt.start()

	var err error
	select {
	case err = <-lt.result:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	require.Error(t, err)
	assert.True(t, model.IsFatal(err))

	// The audit record written for the book has been removed again.
	assert.Equal(t, []string{"LatestUnreadBookId", "InsertBook", "DeleteBook"}, lt.audit.Calls())
	assert.Empty(t, lt.audit.Books())

	// The book is back at the front of the in-memory queue and the active timestamp is unchanged.
	lt.loop.Lock()
	defer lt.loop.Unlock()
	assert.Equal(t, []model.BookPayload{testfixtures.Payload(book)}, lt.loop.State().Queue)
	assert.Equal(t, testfixtures.BaseTime, lt.loop.State().FreeAtActive)
}

func TestLoop_AuditFailureIsFatal(t *testing.T) {
	book := testfixtures.Book("doomed", model.English, 100)
	lt := newLoopTest(t, stateWithBooks(book))
	lt.audit.FailOn("InsertBook", errors.New("postgres unavailable"))
	lt.start()

	err := <-lt.result
	assert.True(t, model.IsFatal(err))
	assert.NotContains(t, lt.documents.Calls(), "StartBook")

	lt.loop.Lock()
	defer lt.loop.Unlock()
	assert.Len(t, lt.loop.State().Queue, 1)
}

func TestLoop_StopWhileReading(t *testing.T) {
	lt := newLoopTest(t, stateWithBooks(testfixtures.Book("long", model.English, 1000)))
	lt.start()
	lt.waitForTimer(t)

	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
	books := lt.audit.Books()
	require.Len(t, books, 1)
	assert.Nil(t, books[0].ReadAt)
}

func TestLoop_StopIsIdempotent(t *testing.T) {
	lt := newLoopTest(t, stateWithBooks())
	lt.start()
	lt.loop.Stop()
	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
}

func TestLoop_ContextCancelledStopsLoop(t *testing.T) {
	lt := newLoopTest(t, stateWithBooks())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { lt.result <- lt.loop.Run(ctx) }()
	cancel()
	assert.NoError(t, <-lt.result)
	<-lt.loop.Done()
}

func TestLoop_ResumesBookInProgress(t *testing.T) {
	state := stateWithBooks()
	state.FreeAtActive = testfixtures.BaseTime.Add(30 * time.Second)
	lt := newLoopTest(t, state)
	id := lt.audit.AddUnreadBook(address, testfixtures.Book("resumed", model.English, 300), testfixtures.BaseTime)
	lt.start()

	lt.waitForTimer(t)
	assert.Nil(t, lt.audit.Books()[0].ReadAt)

	lt.clock.Step(30 * time.Second)
	require.Eventually(t, func() bool { return lt.audit.Books()[0].ReadAt != nil }, 5*time.Second, time.Millisecond)
	assert.Equal(t, id, lt.audit.Books()[0].Id)
	assert.Equal(t, testfixtures.BaseTime.Add(30*time.Second), *lt.audit.Books()[0].ReadAt)

	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
}

func TestLoop_ResumedBookAlreadyFinished(t *testing.T) {
	state := stateWithBooks()
	state.FreeAtActive = testfixtures.BaseTime.Add(-time.Minute)
	lt := newLoopTest(t, state)
	lt.audit.AddUnreadBook(address, testfixtures.Book("resumed", model.English, 300), testfixtures.BaseTime.Add(-time.Hour))
	lt.start()

	require.Eventually(t, func() bool { return lt.audit.Books()[0].ReadAt != nil }, 5*time.Second, time.Millisecond)
	assert.Equal(t, testfixtures.BaseTime, *lt.audit.Books()[0].ReadAt)

	lt.loop.Stop()
	assert.NoError(t, <-lt.result)
}
