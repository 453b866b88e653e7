package model

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

// Book is a unit of work assigned to exactly one reader.
type Book struct {
	Id       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Language Language `json:"language"`
	Pages    int      `json:"pages"`
}

// BookPayload is the serialised form of a Book. It is stored, queued and republished as-is so the
// bytes a producer sent are the bytes every later consumer sees.
type BookPayload string

func (b Book) Encode() (BookPayload, error) {
	bytes, err := json.Marshal(b)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return BookPayload(bytes), nil
}

func (b Book) Validate() error {
	if !b.Language.Valid() {
		return errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "language",
			Value:   b.Language,
			Message: "unknown language",
		})
	}
	if b.Pages <= 0 {
		return errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "pages",
			Value:   b.Pages,
			Message: "a book must have at least one page",
		})
	}
	return nil
}

// Decode parses the payload and validates the resulting book.
func (p BookPayload) Decode() (Book, error) {
	var book Book
	if err := json.Unmarshal([]byte(p), &book); err != nil {
		return Book{}, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "book",
			Value:   string(p),
			Message: err.Error(),
		})
	}
	if err := book.Validate(); err != nil {
		return Book{}, err
	}
	return book, nil
}
