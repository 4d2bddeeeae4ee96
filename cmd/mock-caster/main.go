package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"vadase-monitor/internal/caster"
)

func main() {
	var cfg caster.Config
	var listen string
	flag.StringVar(&cfg.File, "file", "", "NMEA recording to stream (required)")
	flag.StringVar(&listen, "listen", "127.0.0.1:2101", "TCP listen address")
	flag.Float64Var(&cfg.Rate, "rate", caster.DefaultRate, "Streaming rate in lines per second")
	flag.StringVar(&cfg.Mountpoint, "mountpoint", "", "Only accept this mountpoint (empty accepts any)")
	flag.StringVar(&cfg.User, "user", "", "Require basic auth user")
	flag.StringVar(&cfg.Password, "password", "", "Require basic auth password")
	flag.Parse()

	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := caster.New(cfg)
	if err != nil {
		log.Fatalf("mock caster init failed: %v", err)
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Serve(ctx, ln); err != nil {
		log.Fatalf("mock caster stopped: %v", err)
	}
}
