package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/bookdist/internal/bookctl"
	"github.com/G-Research/bookdist/internal/bookdist/model"
)

func publishCmd(a *bookctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <name>",
		Short: "Publish a single book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			languageFlag, err := cmd.Flags().GetString("language")
			if err != nil {
				return err
			}
			language, err := model.ParseLanguage(languageFlag)
			if err != nil {
				return err
			}
			pages, err := cmd.Flags().GetInt("pages")
			if err != nil {
				return err
			}
			book := a.RandomBook()
			book.Name = args[0]
			book.Language = language
			book.Pages = pages
			return a.PublishBook(cmd.Context(), book)
		},
	}
	cmd.Flags().String("language", string(model.English), "Language the book is written in")
	cmd.Flags().Int("pages", 100, "Number of pages")
	return cmd
}

func generateCmd(a *bookctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Publish random books",
		Long:  "Publish random books, waiting a random interval between each, until interrupted or --count books have been published.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			minInterval, err := cmd.Flags().GetDuration("min-interval")
			if err != nil {
				return err
			}
			maxInterval, err := cmd.Flags().GetDuration("max-interval")
			if err != nil {
				return err
			}
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return err
			}
			err = a.Generate(cmd.Context(), minInterval, maxInterval, count)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Duration("min-interval", time.Second, "Shortest wait between two books")
	cmd.Flags().Duration("max-interval", 5*time.Second, "Longest wait between two books")
	cmd.Flags().Int("count", 0, "Number of books to publish, 0 publishes until interrupted")
	return cmd
}
