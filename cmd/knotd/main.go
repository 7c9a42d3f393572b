// Command knotd runs a knot gossip/routing node: it wires the config,
// signer, storage, and persistent stores from internal/, then drives
// internal/service through internal/driver until interrupted.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knotprotocol/knot/internal/addressbook"
	"github.com/knotprotocol/knot/internal/config"
	"github.com/knotprotocol/knot/internal/driver"
	"github.com/knotprotocol/knot/internal/gossip"
	"github.com/knotprotocol/knot/internal/routing"
	"github.com/knotprotocol/knot/internal/service"
	"github.com/knotprotocol/knot/internal/signer"
	"github.com/knotprotocol/knot/internal/storage"
	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("knotd exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	nodeLog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Logger = nodeLog

	dataDir := expandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}

	sgn, err := signer.NewKeystoreSigner(filepath.Join(dataDir, "keystore"))
	if err != nil {
		return err
	}
	log.Info().Str("node_id", sgn.NodeID().String()).Msg("identity loaded")

	trk, err := tracking.Open(filepath.Join(dataDir, "tracking.db"))
	if err != nil {
		return err
	}
	defer trk.Close()

	store, err := storage.Open(filepath.Join(dataDir, "storage.db"), filepath.Join(dataDir, "datastore"), trk)
	if err != nil {
		return err
	}
	defer store.Close()

	rt, err := routing.Open(filepath.Join(dataDir, "routing.db"))
	if err != nil {
		return err
	}
	defer rt.Close()

	addrs, err := addressbook.Open(filepath.Join(dataDir, "addressbook.db"))
	if err != nil {
		return err
	}
	defer addrs.Close()

	gl := gossip.NewLog()

	now := types.TimestampFromTime(time.Now())
	svc := service.New(cfg, sgn, store, rt, addrs, trk, gl, nodeLog, now)

	transport, err := newTCPTransport(sgn.NodeID(), cfg.ListenAddr)
	if err != nil {
		return err
	}
	fetcher := noopFetcher{log: nodeLog}
	drv := driver.New(svc, transport, fetcher, nodeLog)

	controlSocket := expandHome(cfg.ControlSocket)
	os.Remove(controlSocket)
	if err := os.MkdirAll(filepath.Dir(controlSocket), 0o700); err != nil {
		return err
	}
	controlLn, err := net.Listen("unix", controlSocket)
	if err != nil {
		return err
	}
	defer controlLn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- drv.ServeControl(ctx, controlLn) }()
	go func() { errCh <- drv.Run(ctx) }()

	log.Info().Str("listen", cfg.ListenAddr).Str("control", controlSocket).Msg("knotd running")

	// A signal and a control-channel "shutdown" command both end the run
	// the same way: whichever happens first, tear the driver and the
	// control listener down and wait for both goroutines to exit.
	drained := 0
	select {
	case <-ctx.Done():
	case <-errCh:
		drained++
	}
	drv.Close()
	controlLn.Close()
	for ; drained < 2; drained++ {
		<-errCh
	}
	return nil
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
