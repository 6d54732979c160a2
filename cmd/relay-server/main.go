package main

import (
	"fmt"
	"os"
	"strings"

	"taskrelay/internal/server/bootstrap"
	"taskrelay/internal/shared/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay-server",
		Short:         "Task relay server for canvas clients",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd(), newCheckConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until SIGINT or SIGTERM",
		Long: `Run the relay server.

Configuration is resolved as defaults < config file < TASKRELAY_* environment
< flags, e.g.

  relay-server serve --config relay.yaml --addr :9000
  TASKRELAY_GENERATION_BACKEND=gemini relay-server serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bootstrap.RunServer(bootstrap.Options{
				ConfigPath: v.GetString("config"),
				Addr:       v.GetString("addr"),
				DataDir:    v.GetString("data-dir"),
				Version:    version,
			})
		},
	}
	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a YAML config file")
	flags.String("addr", "", "listen address, overrides server.addr")
	flags.String("data-dir", "", "data directory, overrides storage.data_dir")

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config [path]",
		Short: "Load and validate configuration without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: addr=%s backend=%s data=%s\n",
				cfg.Server.Addr, cfg.Generation.Backend, cfg.Storage.DataDir)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
