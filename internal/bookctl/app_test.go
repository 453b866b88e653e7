package bookctl

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/bookdist/testfixtures"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
	"github.com/G-Research/bookdist/internal/common/pulsarutils"
)

type appTest struct {
	app     *App
	readers *pulsarutils.MockPulsarProducer
	books   *pulsarutils.MockPulsarProducer
	clock   *clock.FakeClock
	out     *bytes.Buffer
}

func newAppTest() *appTest {
	at := &appTest{
		readers: pulsarutils.NewMockPulsarProducer("readers"),
		books:   pulsarutils.NewMockPulsarProducer("books"),
		clock:   clock.NewFakeClock(testfixtures.BaseTime),
		out:     new(bytes.Buffer),
	}
	at.app = &App{
		Readers: at.readers,
		Books:   at.books,
		Out:     at.out,
		Clock:   at.clock,
		Random:  rand.New(rand.NewSource(42)),
	}
	return at
}

func TestSubscribe(t *testing.T) {
	at := newAppTest()
	reader := testfixtures.Reader("alice@example.com", model.English)

	require.NoError(t, at.app.Subscribe(context.Background(), reader))

	sent := at.readers.Sent()
	require.Len(t, sent, 1)
	membership, err := boundary.DecodeMembership(sent[0].Properties, sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, boundary.Subscribe, membership.Type)
	assert.Equal(t, reader.Address, membership.Reader.Address)
	assert.Equal(t, reader.Languages, membership.Reader.Languages)
	assert.Equal(t, reader.Address, sent[0].Key)
	assert.Contains(t, at.out.String(), "alice@example.com")
}

func TestSubscribe_Invalid(t *testing.T) {
	at := newAppTest()
	reader := testfixtures.Reader("alice@example.com", model.English)
	reader.PassiveDays = model.MaxPassiveDays + 1

	err := at.app.Subscribe(context.Background(), reader)

	var invalid *bookdisterrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, at.readers.Sent())
}

func TestSubscribe_SendFailure(t *testing.T) {
	at := newAppTest()
	at.readers.SetSendErr(errors.New("broker down"))

	err := at.app.Subscribe(context.Background(), testfixtures.Reader("alice@example.com", model.English))

	assert.ErrorContains(t, err, "broker down")
	assert.Empty(t, at.out.String())
}

func TestUnsubscribe(t *testing.T) {
	at := newAppTest()

	require.NoError(t, at.app.Unsubscribe(context.Background(), "alice@example.com"))

	sent := at.readers.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, string(boundary.Unsubscribe), sent[0].Properties[boundary.TypeProperty])
	var address string
	require.NoError(t, json.Unmarshal(sent[0].Payload, &address))
	assert.Equal(t, "alice@example.com", address)
}

func TestUnsubscribe_EmptyAddress(t *testing.T) {
	at := newAppTest()

	err := at.app.Unsubscribe(context.Background(), "")

	var invalid *bookdisterrors.ErrInvalidArgument
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, at.readers.Sent())
}

func TestParseLanguageLevels(t *testing.T) {
	levels, err := ParseLanguageLevels([]string{"English=7", "german = 3"})
	require.NoError(t, err)
	assert.Equal(t, []model.LanguageLevel{
		{Language: model.English, Level: 7},
		{Language: model.German, Level: 3},
	}, levels)
}

func TestParseLanguageLevels_Invalid(t *testing.T) {
	tests := map[string]string{
		"no separator":     "English",
		"unknown language": "Klingon=3",
		"level not number": "English=high",
	}
	for name, entry := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLanguageLevels([]string{entry})
			var invalid *bookdisterrors.ErrInvalidArgument
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestLoadReader(t *testing.T) {
	expected := model.Reader{
		Address:     "alice@example.com",
		Surname:     "Smith",
		Name:        "Alice",
		PagesPerDay: 120,
		ActiveDays:  5,
		PassiveDays: 2,
		Languages: []model.LanguageLevel{
			{Language: model.English, Level: 8},
			{Language: model.German, Level: 3},
		},
	}
	for _, file := range []string{"reader.yaml", "reader.json"} {
		t.Run(file, func(t *testing.T) {
			reader, err := LoadReader(filepath.Join("testdata", file))
			require.NoError(t, err)
			assert.Equal(t, expected, reader)
		})
	}
}

func TestLoadReader_MissingFile(t *testing.T) {
	_, err := LoadReader(filepath.Join("testdata", "missing.yaml"))
	assert.Error(t, err)
}

func TestRandomBook(t *testing.T) {
	at := newAppTest()
	ids := map[string]bool{}
	for i := 0; i < 1000; i++ {
		book := at.app.RandomBook()
		require.NoError(t, book.Validate())
		assert.GreaterOrEqual(t, book.Pages, minPages)
		assert.Less(t, book.Pages, maxPages)
		assert.Regexp(t, `^Book[1-9][0-9]{0,4}$`, book.Name)
		assert.False(t, ids[book.Id], "duplicate id %s", book.Id)
		ids[book.Id] = true
	}
}

func TestPublishBook(t *testing.T) {
	at := newAppTest()
	book := testfixtures.Book("Book1", model.Italian, 120)

	require.NoError(t, at.app.PublishBook(context.Background(), book))

	sent := at.books.Sent()
	require.Len(t, sent, 1)
	decoded, err := model.BookPayload(sent[0].Payload).Decode()
	require.NoError(t, err)
	assert.Equal(t, book, decoded)
}

func TestPublishBook_Invalid(t *testing.T) {
	at := newAppTest()

	err := at.app.PublishBook(context.Background(), testfixtures.Book("Book1", model.Italian, 0))

	assert.Error(t, err)
	assert.Empty(t, at.books.Sent())
}

func TestGenerate_NoInterval(t *testing.T) {
	at := newAppTest()

	require.NoError(t, at.app.Generate(context.Background(), 0, 0, 3))

	assert.Len(t, at.books.Sent(), 3)
}

func TestGenerate_WaitsBetweenBooks(t *testing.T) {
	at := newAppTest()
	done := make(chan error, 1)
	go func() {
		done <- at.app.Generate(context.Background(), time.Second, 2*time.Second, 2)
	}()

	for i := 0; i < 2; i++ {
		require.Eventually(t, at.clock.HasWaiters, 5*time.Second, time.Millisecond)
		assert.Len(t, at.books.Sent(), i)
		at.clock.Step(2 * time.Second)
	}

	require.NoError(t, <-done)
	assert.Len(t, at.books.Sent(), 2)
}

func TestGenerate_Cancelled(t *testing.T) {
	at := newAppTest()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := at.app.Generate(ctx, time.Hour, time.Hour, 0)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, at.books.Sent())
}

func TestGenerate_InvalidInterval(t *testing.T) {
	at := newAppTest()

	assert.Error(t, at.app.Generate(context.Background(), 2*time.Second, time.Second, 1))
}

func TestGenerate_PublishFailure(t *testing.T) {
	at := newAppTest()
	at.books.SetSendErr(errors.New("broker down"))

	assert.ErrorContains(t, at.app.Generate(context.Background(), 0, 0, 0), "broker down")
}
