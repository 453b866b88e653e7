package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/bookdist/internal/bookdist"
	"github.com/G-Research/bookdist/internal/common/logging"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the book distribution server",
		RunE:  runBookDist,
	}
	return cmd
}

// runBookDist exits cleanly after a fatal consistency stop.
func runBookDist(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	err = bookdist.Run(config)
	var stopped *bookdist.ErrFatalStop
	if errors.As(err, &stopped) {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), stopped.Err).Error("bookdist stopped; restart to recover from the stores")
		return nil
	}
	return err
}
