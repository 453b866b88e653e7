package group

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/activity"
	"github.com/G-Research/bookdist/internal/bookdist/estimator"
	"github.com/G-Research/bookdist/internal/bookdist/metrics"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/testfixtures"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

type registryTest struct {
	registry  *Registry
	clock     *clock.FakeClock
	audit     *testfixtures.AuditStore
	documents *testfixtures.DocumentStore
	fatal     *testfixtures.FatalReporter
}

func newRegistryTest(t *testing.T, dayLengthSeconds int) *registryTest {
	fakeClock := clock.NewFakeClock(testfixtures.BaseTime)
	audit := testfixtures.NewAuditStore()
	documents := testfixtures.NewDocumentStore()
	fatal := &testfixtures.FatalReporter{}
	e := estimator.New(dayLengthSeconds)
	m := metrics.New()
	log := logrus.NewEntry(logrus.New())
	newLoop := func(state model.ReaderState) *activity.Loop {
		return activity.NewLoop(state, e, fakeClock, audit, documents, m, log)
	}
	rt := &registryTest{
		registry:  NewRegistry(e, fakeClock, newLoop, fatal, m, log),
		clock:     fakeClock,
		audit:     audit,
		documents: documents,
		fatal:     fatal,
	}
	t.Cleanup(func() {
		rt.registry.StopAll()
		assert.Empty(t, fatal.Errors())
	})
	return rt
}

// add registers the reader. Readers with queued books are given a book in progress until
// freeAtActive so their loop leaves the queue alone until the clock is stepped.
func (rt *registryTest) add(t *testing.T, state model.ReaderState) {
	ctx := context.Background()
	if len(state.Queue) > 0 {
		rt.audit.AddUnreadBook(state.Address, testfixtures.Book("current", state.Languages[0].Language, 10), testfixtures.BaseTime)
		require.NoError(t, rt.registry.Recalculate(&state))
	}
	require.NoError(t, rt.documents.UpsertReader(ctx, state))
	require.NoError(t, rt.registry.Add(ctx, state))
}

func withQueue(state model.ReaderState, freeAtActive time.Time, books ...model.Book) model.ReaderState {
	state.FreeAtActive = freeAtActive
	for _, book := range books {
		state.Queue = append(state.Queue, testfixtures.Payload(book))
	}
	return state
}

func TestFindFastest_PrefersIdleReader(t *testing.T) {
	// A 20s day gives a 100s active window; 250 pages take 50s.
	rt := newRegistryTest(t, 20)
	busy := testfixtures.ReaderState("busy@example.com", model.English)
	busy.FreeAtQueued = testfixtures.BaseTime.Add(10000 * time.Second)
	idle := testfixtures.ReaderState("idle@example.com", model.English)
	rt.add(t, busy)
	rt.add(t, idle)

	book := testfixtures.Book("b", model.English, 250)
	address, completion, ok, err := rt.registry.FindFastest(book)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "idle@example.com", address)
	assert.Equal(t, testfixtures.BaseTime.Add(50*time.Second), completion)
}

func TestFindFastest_IgnoresReadersWithoutLanguage(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	rt.add(t, testfixtures.ReaderState("german@example.com", model.German))
	busy := testfixtures.ReaderState("english@example.com", model.English)
	busy.FreeAtQueued = testfixtures.BaseTime.Add(time.Hour)
	rt.add(t, busy)

	address, _, ok, err := rt.registry.FindFastest(testfixtures.Book("b", model.English, 100))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "english@example.com", address)

	_, _, ok, err = rt.registry.FindFastest(testfixtures.Book("b", model.Spanish, 100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindFastest_TiesGoToFirstRegistered(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	for _, address := range []string{"c@example.com", "a@example.com", "b@example.com"} {
		rt.add(t, testfixtures.ReaderState(address, model.Italian))
	}
	address, _, ok, err := rt.registry.FindFastest(testfixtures.Book("b", model.Italian, 100))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c@example.com", address)
}

func TestFindFastest_EmptyRegistry(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	_, _, ok, err := rt.registry.FindFastest(testfixtures.Book("b", model.Italian, 100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindFastest_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	languages := []model.Language{model.English, model.German}
	properties.Property("chosen reader knows the language and finishes no later than any other", prop.ForAll(
		func(offsets []int, levels []int, pages int) bool {
			rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
			defer rt.registry.StopAll()
			e := estimator.New(testfixtures.DayLengthSeconds)
			var readers []model.ReaderState
			for i, offset := range offsets {
				state := testfixtures.ReaderState(string(rune('a'+i))+"@example.com", languages[i%2])
				state.Languages[0].Level = levels[i%len(levels)]
				state.PagesPerDay = 10 + offset%200
				state.FreeAtQueued = testfixtures.BaseTime.Add(time.Duration(offset) * time.Second)
				readers = append(readers, state)
				rt.add(t, state)
			}
			book := testfixtures.Book("b", model.English, pages)
			address, completion, ok, err := rt.registry.FindFastest(book)
			if err != nil {
				return false
			}
			found := false
			for _, reader := range readers {
				if reader.Level(model.English) == 0 {
					if reader.Address == address {
						return false
					}
					continue
				}
				found = true
				start := latest(reader.FreeAtQueued, testfixtures.BaseTime)
				other, err := e.CompletionTime(&reader.Reader, book, start)
				if err != nil || other.Before(completion) {
					return false
				}
			}
			return ok == found
		},
		gen.SliceOfN(6, gen.IntRange(0, 5000)),
		gen.SliceOfN(3, gen.IntRange(1, 10)),
		gen.IntRange(1, 1500),
	))

	properties.TestingRun(t)
}

func TestAdd_Duplicate(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	rt.add(t, testfixtures.ReaderState("a@example.com", model.English))
	err := rt.registry.Add(context.Background(), testfixtures.ReaderState("a@example.com", model.English))
	assert.True(t, bookdisterrors.IsAlreadyExists(err))
	assert.Equal(t, 1, rt.registry.Len())
}

func TestRemove(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	books := []model.Book{
		testfixtures.Book("one", model.English, 100),
		testfixtures.Book("two", model.English, 100),
		testfixtures.Book("three", model.English, 100),
	}
	rt.add(t, withQueue(testfixtures.ReaderState("leaving@example.com", model.English), testfixtures.BaseTime.Add(time.Hour), books...))
	rt.add(t, testfixtures.ReaderState("staying@example.com", model.English))

	snapshot, ok := rt.registry.Remove("leaving@example.com")
	require.True(t, ok)
	require.Len(t, snapshot.Queue, 3)
	for i, book := range books {
		assert.Equal(t, testfixtures.Payload(book), snapshot.Queue[i])
	}
	assert.False(t, rt.registry.Contains("leaving@example.com"))
	assert.Equal(t, []string{"staying@example.com"}, rt.registry.Addresses())

	address, _, ok, err := rt.registry.FindFastest(books[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "staying@example.com", address)

	_, ok = rt.registry.Remove("leaving@example.com")
	assert.False(t, ok)
}

func TestAppendBookAndUndo(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	state := withQueue(testfixtures.ReaderState("a@example.com", model.English), testfixtures.BaseTime.Add(time.Hour),
		testfixtures.Book("one", model.English, 100))
	rt.add(t, state)
	before, ok := rt.registry.Snapshot("a@example.com")
	require.True(t, ok)

	book := testfixtures.Book("two", model.English, 100)
	queued, err := rt.registry.AppendBook("a@example.com", testfixtures.Payload(book), book)
	require.NoError(t, err)
	assert.Equal(t, 2, queued.QueueLength)
	assert.True(t, queued.FreeAtQueued.After(before.FreeAtQueued))

	require.NoError(t, queued.Undo())
	assert.Error(t, queued.Undo())
	queued.Release()
	queued.Release()

	after, _ := rt.registry.Snapshot("a@example.com")
	assert.Equal(t, before.Queue, after.Queue)
	assert.Equal(t, before.FreeAtQueued, after.FreeAtQueued)
	assert.Error(t, queued.Undo())

	_, err = rt.registry.AppendBook("missing@example.com", testfixtures.Payload(book), book)
	assert.True(t, bookdisterrors.IsNotFound(err))
}

func TestAppendBook_ReaderHeldUntilReleased(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	rt.add(t, testfixtures.ReaderState("a@example.com", model.English))

	book := testfixtures.Book("one", model.English, 100)
	payload := testfixtures.Payload(book)
	queued, err := rt.registry.AppendBook("a@example.com", payload, book)
	require.NoError(t, err)
	rt.registry.Signal("a@example.com")

	// The loop is awake but cannot take the book while the reader is held.
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, rt.documents.Calls(), "StartBook")

	require.NoError(t, rt.documents.AppendBook(context.Background(), "a@example.com", payload, queued.FreeAtQueued))
	queued.Release()

	require.Eventually(t, rt.clock.HasWaiters, 5*time.Second, time.Millisecond)
	stored, err := rt.documents.GetAllReaders(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].Queue)
	assert.Len(t, rt.audit.Books(), 1)
}

func TestRecalculateFreeAt(t *testing.T) {
	rt := newRegistryTest(t, testfixtures.DayLengthSeconds)
	state := withQueue(testfixtures.ReaderState("a@example.com", model.English), testfixtures.BaseTime.Add(60*time.Second),
		testfixtures.Book("one", model.English, 100),
		testfixtures.Book("two", model.English, 100),
		testfixtures.Book("three", model.English, 100))
	rt.add(t, state)

	// From 60s (passive until 70s): 20s, then 10s, then 10s.
	freeAtQueued, err := rt.registry.RecalculateFreeAt("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, testfixtures.BaseTime.Add(100*time.Second), freeAtQueued)

	snapshot, _ := rt.registry.Snapshot("a@example.com")
	assert.Len(t, snapshot.Queue, 3)
}
