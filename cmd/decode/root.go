package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipelined.dev/decode/engine/probe"
	"pipelined.dev/decode/log"
)

// newRootCommand returns the decode command with all subcommands. Every flag
// can also be set in the config file or with a DECODE_ prefixed environment
// variable.
func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DECODE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	logger := log.GetLogger()

	root := &cobra.Command{
		Use:          "decode",
		Short:        "Decode logic captures",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file (yaml)")
	root.PersistentFlags().BoolP("debug", "d", false, "enable debug output")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return fmt.Errorf("error binding flags: %w", err)
		}
		if file := v.GetString("config"); file != "" {
			v.SetConfigFile(file)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("error reading config: %w", err)
			}
		}
		logger.SetOutput(cmd.ErrOrStderr())
		if v.GetBool("debug") {
			logger.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	e := probe.New()
	root.AddCommand(
		listCommand(e),
		runCommand(v, logger, e),
	)
	return root
}
