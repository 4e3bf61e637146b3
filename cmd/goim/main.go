// Package main is the goim command: a chat client, the peer server, and version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chronologos/goim/internal/config"
	"github.com/chronologos/goim/internal/log"
	"github.com/chronologos/goim/internal/version"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	rootCmd = &cobra.Command{
		Use:           "goim",
		Short:         "Request/response messaging over a persistent connection.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	clientCmd = &cobra.Command{
		Use:   "client",
		Short: "Logs in and sends each stdin line as a request.",
		Args:  cobra.NoArgs,
		RunE:  runClient,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the peer server.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
)

// flagKeys maps command-line flags to config keys. Only flags the user set
// override the file and environment.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"url":             "client.url",
	"user":            "client.user",
	"login-timeout":   "client.login_timeout",
	"request-timeout": "client.request_timeout",
	"addr":            "server.addr",
	"quic":            "server.quic",
	"quic-port":       "server.quic_port",
}

// loadConfig merges defaults, the --config file, GOIM_* env and set flags,
// then configures logging.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}

	cfg, err := config.NewLoader(config.WithConfigFile(path)).Load(overrides)
	if err != nil {
		return cfg, errors.Wrap(err, "load config failed")
	}
	log.SetLogger(cfg.Log.Level)
	return cfg, nil
}

func init() {
	d := config.Default()

	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", d.Log.Level, "trace, debug, info, warn or error")

	clientCmd.Flags().String("url", d.Client.URL, "server URL (ws://, wss:// or quic://)")
	clientCmd.Flags().String("user", d.Client.User, "user identity sent on login")
	clientCmd.Flags().Duration("login-timeout", d.Client.LoginTimeout, "give up on login after this long")
	clientCmd.Flags().Duration("request-timeout", d.Client.RequestTimeout, "give up on a request after this long (0 waits forever)")

	serveCmd.Flags().String("addr", d.Server.Addr, "TCP address for WebSocket and /metrics")
	serveCmd.Flags().Bool("quic", d.Server.QUIC, "also accept QUIC clients")
	serveCmd.Flags().Int("quic-port", d.Server.QUICPort, "UDP port for QUIC (0 picks one)")

	rootCmd.AddCommand(clientCmd, serveCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("command failed")
		stop()
		os.Exit(1)
	}
}
