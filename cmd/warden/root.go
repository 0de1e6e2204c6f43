package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/logutil"
)

// app carries the state shared by every subcommand.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger pslog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Server-authoritative coordinator for exclusive device access",
		Long: `warden coordinates exclusive access to devices wired to control nodes.
One authority node owns the lock table; client nodes open sessions on a
control node and cycle through the devices wired to it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return a.load(path)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	flags.Int32("node-id", 0, "node id, also used as lock holder id")
	flags.String("role", "", "node role: authority or client")
	flags.String("transport", "", "transport kind: memory, redis, nats, kafka, websocket")
	flags.String("world", "", "world database path")
	flags.String("log-level", "", "log level")
	if err := bindFlags(a.v, flags, map[string]string{
		"node.id":        "node-id",
		"node.role":      "role",
		"transport.kind": "transport",
		"world.path":     "world",
		"logging.level":  "log-level",
	}); err != nil {
		panic(err)
	}

	cmd.AddCommand(newServeCommand(a), newClientCommand(a), newWorldCommand(a))
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (a *app) load(path string) error {
	if path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := config.FromViper(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logutil.New(os.Stderr, cfg.Logging.Level).With("app", "warden", "node", cfg.Node.ID)
	return nil
}
