package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vpcd/internal/config"
)

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
}

// load reads the configuration and applies the flags that were set explicitly
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db-path") {
		cfg.DBPath = o.dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "vpcd",
		Short:         "VPC control plane: address pools, network ACLs, redundant routers and VPN tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	pf.StringVar(&opts.dbPath, "db-path", "", "SQLite database path (overrides config)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (overrides config)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format, text or json (overrides config)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))
	rootCmd.AddCommand(newACLCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("vpcd failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
