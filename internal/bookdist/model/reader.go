package model

import (
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

const (
	MaxAddressLength = 30
	MaxPagesPerDay   = 1000
	MaxPassiveDays   = 20
	MaxLanguages     = 5
)

// Reader is a registered worker. Address is its unique identity.
type Reader struct {
	Address      string          `json:"address"`
	Surname      string          `json:"surname,omitempty"`
	Name         string          `json:"name,omitempty"`
	PagesPerDay  int             `json:"pagesPerDay"`
	ActiveDays   int             `json:"activeDays"`
	PassiveDays  int             `json:"passiveDays"`
	Languages    []LanguageLevel `json:"languages"`
	RegisteredAt time.Time       `json:"registeredAt"`
}

// Level returns the reader's proficiency in language, or 0 if the reader never claimed it.
func (r *Reader) Level(language Language) int {
	for _, l := range r.Languages {
		if l.Language == language {
			return l.Level
		}
	}
	return 0
}

func (r *Reader) SharesLanguage(other *Reader) bool {
	for _, l := range other.Languages {
		if r.Level(l.Language) > 0 {
			return true
		}
	}
	return false
}

func (r *Reader) Validate() error {
	invalid := func(name string, value interface{}, message string) error {
		return errors.WithStack(&bookdisterrors.ErrInvalidArgument{Name: name, Value: value, Message: message})
	}
	if r.Address == "" || len(r.Address) > MaxAddressLength {
		return invalid("address", r.Address, "must be between 1 and 30 characters")
	}
	if r.PagesPerDay < 1 || r.PagesPerDay > MaxPagesPerDay {
		return invalid("pagesPerDay", r.PagesPerDay, "must be between 1 and 1000")
	}
	if r.ActiveDays < 1 {
		return invalid("activeDays", r.ActiveDays, "must be at least 1")
	}
	if r.PassiveDays < 0 || r.PassiveDays > MaxPassiveDays {
		return invalid("passiveDays", r.PassiveDays, "must be between 0 and 20")
	}
	if len(r.Languages) < 1 || len(r.Languages) > MaxLanguages {
		return invalid("languages", len(r.Languages), "a reader must claim between 1 and 5 languages")
	}
	seen := make(map[Language]bool, len(r.Languages))
	for _, l := range r.Languages {
		if !l.Language.Valid() {
			return invalid("language", l.Language, "unknown language")
		}
		if seen[l.Language] {
			return invalid("language", l.Language, "language claimed more than once")
		}
		seen[l.Language] = true
		if l.Level < MinLevel || l.Level > MaxLevel {
			return invalid("level", l.Level, "must be between 1 and 10")
		}
	}
	return nil
}

// Copy returns a deep copy of the reader.
func (r Reader) Copy() Reader {
	r.Languages = append([]LanguageLevel(nil), r.Languages...)
	return r
}

// ReaderState is a reader together with its pending books and predicted availability.
// FreeAtActive is when the book currently being read completes; FreeAtQueued is when the whole
// queue will have been read.
type ReaderState struct {
	Reader
	Queue        []BookPayload `json:"queue"`
	FreeAtQueued time.Time     `json:"freeAtQueued"`
	FreeAtActive time.Time     `json:"freeAtActive"`
}

// Snapshot returns a copy that shares no memory with s.
func (s *ReaderState) Snapshot() ReaderState {
	return ReaderState{
		Reader:       s.Reader.Copy(),
		Queue:        append([]BookPayload(nil), s.Queue...),
		FreeAtQueued: s.FreeAtQueued,
		FreeAtActive: s.FreeAtActive,
	}
}
