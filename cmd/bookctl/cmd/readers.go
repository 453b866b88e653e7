package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/bookdist/internal/bookctl"
	"github.com/G-Research/bookdist/internal/bookdist/model"
)

func subscribeCmd(a *bookctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe [address]",
		Short: "Subscribe a reader",
		Long: `Subscribe a reader so bookdist starts assigning it books.

The reader is either read from a YAML or JSON file given with --file, or built from the flags.
Languages are given as Language=Level, e.g. --language English=7 --language German=3.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			file, err := flags.GetString("file")
			if err != nil {
				return err
			}
			if file != "" {
				reader, err := bookctl.LoadReader(file)
				if err != nil {
					return err
				}
				return a.Subscribe(cmd.Context(), reader)
			}
			if len(args) != 1 {
				return errors.New("an address is required unless --file is given")
			}
			surname, err := flags.GetString("surname")
			if err != nil {
				return err
			}
			name, err := flags.GetString("name")
			if err != nil {
				return err
			}
			pagesPerDay, err := flags.GetInt("pages-per-day")
			if err != nil {
				return err
			}
			activeDays, err := flags.GetInt("active-days")
			if err != nil {
				return err
			}
			passiveDays, err := flags.GetInt("passive-days")
			if err != nil {
				return err
			}
			languageFlags, err := flags.GetStringSlice("language")
			if err != nil {
				return err
			}
			languages, err := bookctl.ParseLanguageLevels(languageFlags)
			if err != nil {
				return err
			}
			return a.Subscribe(cmd.Context(), model.Reader{
				Address:     args[0],
				Surname:     surname,
				Name:        name,
				PagesPerDay: pagesPerDay,
				ActiveDays:  activeDays,
				PassiveDays: passiveDays,
				Languages:   languages,
			})
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML or JSON file describing the reader")
	cmd.Flags().String("surname", "", "Reader surname")
	cmd.Flags().String("name", "", "Reader first name")
	cmd.Flags().Int("pages-per-day", 100, "Pages the reader reads on an active day")
	cmd.Flags().Int("active-days", 5, "Consecutive days the reader reads")
	cmd.Flags().Int("passive-days", 2, "Consecutive days the reader rests after the active days")
	cmd.Flags().StringSlice("language", []string{}, "Language=Level the reader can read, may be repeated")
	return cmd
}

func unsubscribeCmd(a *bookctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe <address>",
		Short: "Unsubscribe a reader",
		Long:  "Unsubscribe a reader. Books still queued for it are handed to the remaining readers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Unsubscribe(cmd.Context(), args[0])
		},
	}
}
