package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chronologos/goim/internal/server"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Server.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	srv := server.New(server.Config{
		Addr:      cfg.Server.Addr,
		QUIC:      cfg.Server.QUIC,
		QUICPort:  cfg.Server.QUICPort,
		WriteWait: cfg.Server.WriteWait,
		ReadWait:  cfg.Server.ReadWait,
		HelloWait: cfg.Server.HelloWait,
	}, server.WithLogger(logger))
	return errors.Wrap(srv.Run(cmd.Context()), "run server failed")
}
