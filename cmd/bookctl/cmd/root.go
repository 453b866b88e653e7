package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/bookdist/internal/bookctl"
	"github.com/G-Research/bookdist/internal/bookdist/configuration"
	"github.com/G-Research/bookdist/internal/common"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

const CustomConfigLocation string = "config"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	a := &bookctl.App{}

	cmd := &cobra.Command{
		Use:          "bookctl",
		SilenceUsage: true,
		Short:        "bookctl publishes readers and books for bookdist to distribute.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			created, err := bookctl.New(bookctl.Params{Pulsar: config.Pulsar})
			if err != nil {
				return err
			}
			*a = *created
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.Close()
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		subscribeCmd(a),
		unsubscribeCmd(a),
		publishCmd(a),
		generateCmd(a),
	)

	return cmd
}

func loadConfig() (configuration.BookCtlConfig, error) {
	var config configuration.BookCtlConfig
	common.LoadConfig(&config, "./config/bookctl", viper.GetStringSlice(CustomConfigLocation))
	if err := commonconfig.Validate(config); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
