package bookctl

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/yaml"

	"github.com/G-Research/bookdist/internal/bookdist/boundary"
	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

// Subscribe validates reader locally and publishes a subscribe request for it. bookdist validates
// again on receipt.
func (a *App) Subscribe(ctx context.Context, reader model.Reader) error {
	if err := reader.Validate(); err != nil {
		return err
	}
	msg, err := boundary.NewSubscribeMessage(reader)
	if err != nil {
		return err
	}
	if _, err := a.Readers.Send(ctx, msg); err != nil {
		return errors.Wrapf(err, "error subscribing reader %s", reader.Address)
	}
	fmt.Fprintf(a.Out, "Requested subscription of %s\n", reader.Address)
	return nil
}

func (a *App) Unsubscribe(ctx context.Context, address string) error {
	if address == "" {
		return errors.WithStack(&bookdisterrors.ErrInvalidArgument{
			Name:    "address",
			Value:   address,
			Message: "must not be empty",
		})
	}
	msg, err := boundary.NewUnsubscribeMessage(address)
	if err != nil {
		return err
	}
	if _, err := a.Readers.Send(ctx, msg); err != nil {
		return errors.Wrapf(err, "error unsubscribing reader %s", address)
	}
	fmt.Fprintf(a.Out, "Requested removal of %s\n", address)
	return nil
}

// LoadReader reads a reader definition from a YAML or JSON file.
func LoadReader(path string) (model.Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return model.Reader{}, errors.Wrapf(err, "failed opening file %s", path)
	}
	defer file.Close()
	var reader model.Reader
	if err := yaml.NewYAMLOrJSONDecoder(file, 128).Decode(&reader); err != nil {
		return model.Reader{}, errors.Wrapf(err, "failed to parse file %s", path)
	}
	return reader, nil
}

// ParseLanguageLevels parses entries of the form Language=Level, e.g. English=7.
func ParseLanguageLevels(entries []string) ([]model.LanguageLevel, error) {
	levels := make([]model.LanguageLevel, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
				Name:    "language",
				Value:   entry,
				Message: "expected Language=Level",
			})
		}
		language, err := model.ParseLanguage(parts[0])
		if err != nil {
			return nil, err
		}
		level, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, errors.WithStack(&bookdisterrors.ErrInvalidArgument{
				Name:    "level",
				Value:   parts[1],
				Message: "level must be a number",
			})
		}
		levels = append(levels, model.LanguageLevel{Language: language, Level: level})
	}
	return levels, nil
}
