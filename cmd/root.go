package cmd

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"daly-bms-bridge/config"
)

// Version is set at build time
var Version = "1.0.0"

// app carries what every subcommand needs after the root has loaded
// the configuration
type app struct {
	fs      afero.Fs
	cfgFile string
	cfg     *config.Config
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	a := &app{fs: afero.NewOsFs()}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "daly-bms-bridge",
		Short: "Daly BMS poller and read API",
		Long: `daly-bms-bridge polls a Daly battery management system over BLE (or a
serial adapter), keeps the latest reading in a JSON cache file and
optionally mirrors every reading to MQTT and Redis.

The read API serves the cache file over HTTP and never talks to the BMS.

Configuration is read from config.yaml in the working directory or
/etc/daly-bms-bridge. Every key can be overridden with a BMS_ environment
variable, e.g. BMS_BMS_ADDRESS or BMS_MQTT_BROKER.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "Config file (default ./config.yaml or /etc/daly-bms-bridge/config.yaml)")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: console or json")

	root.AddCommand(
		a.serveCmd(),
		a.apiCmd(),
		a.scanCmd(),
		a.readCmd(),
		a.formatCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	v := config.New(a.fs)
	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("logging.level", flags.Lookup("log-level")); err != nil {
		return err
	}
	if err := v.BindPFlag("logging.format", flags.Lookup("log-format")); err != nil {
		return err
	}

	cfg, err := config.Load(v, a.cfgFile)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Logging, cmd.ErrOrStderr()); err != nil {
		return err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger().Debug().Str("file", used).Msg("configuration loaded")
	}
	a.cfg = cfg
	return nil
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
