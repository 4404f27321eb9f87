package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KafClaw/engram/internal/config"
	"github.com/KafClaw/engram/internal/logging"
	"github.com/KafClaw/engram/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the configured store and block until signaled",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("engram serve")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return err
	}

	log := logging.New(cfg.Server.LogLevel)
	s, err := store.Open(cfg.Store, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return err
	}
	if closer, ok := s.(io.Closer); ok {
		defer closer.Close()
	}

	log.Info("engram store ready", "backend", cfg.Store.Backend, "addr", cfg.Server.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	return nil
}
