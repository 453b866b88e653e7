package model

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

type Language string

const (
	Russian Language = "Russian"
	English Language = "English"
	German  Language = "German"
	Italian Language = "Italian"
	Spanish Language = "Spanish"
)

// Languages lists every language a reader may claim, in display order.
var Languages = []Language{Russian, English, German, Italian, Spanish}

const (
	MinLevel = 1
	MaxLevel = 10
)

// LanguageLevel is a reader's proficiency in one language, from MinLevel to MaxLevel.
type LanguageLevel struct {
	Language Language `json:"language"`
	Level    int      `json:"level"`
}

// ParseLanguage matches s against the known languages ignoring case.
func ParseLanguage(s string) (Language, error) {
	for _, language := range Languages {
		if strings.EqualFold(string(language), strings.TrimSpace(s)) {
			return language, nil
		}
	}
	return "", errors.WithStack(&bookdisterrors.ErrInvalidArgument{
		Name:    "language",
		Value:   s,
		Message: "unknown language",
	})
}

func (l Language) Valid() bool {
	for _, language := range Languages {
		if l == language {
			return true
		}
	}
	return false
}
