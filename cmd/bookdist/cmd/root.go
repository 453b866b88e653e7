package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/bookdist/internal/bookdist/configuration"
	"github.com/G-Research/bookdist/internal/common"
	commonconfig "github.com/G-Research/bookdist/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bookdist",
		SilenceUsage: true,
		Short:        "Distributes books among subscribed readers",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
	)

	return cmd
}

func loadConfig() (configuration.BookDistConfig, error) {
	var config configuration.BookDistConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/bookdist", userSpecifiedConfigs)
	config.Normalise()

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
