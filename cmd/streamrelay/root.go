package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/internal/config"
	"github.com/telhawk-systems/streamrelay/internal/output"
)

var (
	cfgFile   string
	outputArg string

	v      = viper.New()
	cfg    *config.Config
	cfgErr error
	logger *logging.Logger
	format output.Format
)

var rootCmd = &cobra.Command{
	Use:   "streamrelay",
	Short: "Firehose to message bus relay",
	Long: `streamrelay keeps a filtered firehose connection open and relays every
event onto a durable, partitioned message bus topic with at-least-once delivery.

It also reconciles firehose filter rules, consumes topic subscriptions with
flow control, and inspects the dead-letter stream.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cfgErr != nil {
			return cfgErr
		}
		var err error
		if format, err = output.ParseFormat(outputArg); err != nil {
			return err
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/streamrelay/config.yaml)")
	flags.StringVarP(&outputArg, "output", "o", "table", "output format: table, json, yaml")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("bus", "nats", "message bus backend: nats, memory")
	flags.String("topic", "tweets", "bus topic")

	mustBind("logging.level", flags.Lookup("log-level"))
	mustBind("bus.backend", flags.Lookup("bus"))
	mustBind("bus.topic", flags.Lookup("topic"))

	rootCmd.AddCommand(runCmd, consumeCmd, publishCmd, rulesCmd, dlqCmd)
}

func initConfig() {
	cfg, cfgErr = config.LoadWith(v, cfgFile)
	if cfgErr == nil {
		cfgErr = cfg.Validate()
	}
	if cfgErr != nil {
		cfgErr = fmt.Errorf("config: %w", cfgErr)
		return
	}

	// Logs go to stderr so command output stays machine readable.
	logger = logging.NewWithWriter(os.Stderr, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("streamrelay"))
	logging.SetDefault(logger)
}
