package testfixtures

import (
	"time"

	"github.com/G-Research/bookdist/internal/bookdist/model"
)

// BaseTime is the registration time of every canned reader.
var BaseTime = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

// DayLengthSeconds used by tests: an active window of 5 days lasts 50s.
const DayLengthSeconds = 10

// Reader returns a valid reader registered at BaseTime reading 100 pages a day, five days on and
// two days off, with the given languages at level 10.
func Reader(address string, languages ...model.Language) model.Reader {
	levels := make([]model.LanguageLevel, 0, len(languages))
	for _, language := range languages {
		levels = append(levels, model.LanguageLevel{Language: language, Level: 10})
	}
	return model.Reader{
		Address:      address,
		Surname:      "Surname",
		Name:         "Name",
		PagesPerDay:  100,
		ActiveDays:   5,
		PassiveDays:  2,
		Languages:    levels,
		RegisteredAt: BaseTime,
	}
}

func ReaderState(address string, languages ...model.Language) model.ReaderState {
	return model.ReaderState{
		Reader:       Reader(address, languages...),
		FreeAtQueued: BaseTime,
		FreeAtActive: BaseTime,
	}
}

func Book(name string, language model.Language, pages int) model.Book {
	return model.Book{Id: name, Name: name, Language: language, Pages: pages}
}

// Payload encodes the book and panics on failure.
func Payload(book model.Book) model.BookPayload {
	payload, err := book.Encode()
	if err != nil {
		panic(err)
	}
	return payload
}
