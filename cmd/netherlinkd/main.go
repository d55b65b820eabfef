package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"

	"netherlink/internal/app"
	"netherlink/logging"
)

func main() {
	var opts app.Options
	var port, peerPort uint
	var level string
	flag.StringVar(&opts.Mode, "mode", "local", "host, join, local, synctest or p2p")
	flag.UintVar(&port, "port", 0, "lobby port to host on, or bind port for p2p")
	flag.StringVar(&opts.HostAddr, "host", "", "host address to join, ip:port")
	flag.UintVar(&peerPort, "peer", 0, "p2p peer's bind port")
	flag.IntVar(&opts.LocalPlayer, "player", 0, "p2p local player index, 0 or 1")
	flag.StringVar(&opts.PlayerName, "name", "player", "player name shown in the lobby")
	flag.StringVar(&opts.RomHash, "rom", "", "ROM hash the session runs")
	flag.StringVar(&opts.DiagAddr, "diag", "", "telemetry websocket listen address")
	flag.IntVar(&opts.FrameBudget, "frames", 0, "stop after this many frames, 0 for unlimited")
	flag.StringVar(&level, "log", "info", "log level")
	flag.Parse()
	opts.Port = uint16(port)
	opts.PeerPort = uint16(peerPort)

	cfg := logging.DefaultConfig()
	cfg.Level = level
	logging.Configure(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := app.Run(ctx, opts, log.Logger); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("session ended")
	}
}
