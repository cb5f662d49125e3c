package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sessync/internal/config"
	"github.com/danmuck/sessync/internal/logging"
	"github.com/danmuck/sessync/internal/logs"
	"github.com/danmuck/sessync/internal/observability"
	"github.com/danmuck/sessync/internal/relay"
)

func main() {
	path := flag.String("config", "", "relay config (TOML); defaults apply when empty")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	if err := run(*path, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path, addr string) error {
	cfg := relay.DefaultConfig()
	if path != "" {
		fileCfg, err := config.LoadRelayConfig(path)
		if err != nil {
			return err
		}
		logging.ConfigureRuntimeWith(fileCfg.Log.Level, fileCfg.Log.NoColor)
		cfg = fileCfg.Relay()
	} else {
		logging.ConfigureRuntime()
	}
	if addr != "" {
		cfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.New(cfg, observability.InitLogger(cfg.Node, os.Stdout))
	logs.Infof("relayctl starting node=%s addr=%s ttl=%s", cfg.Node, cfg.Addr, cfg.SessionTTL)
	return srv.Serve(ctx)
}
