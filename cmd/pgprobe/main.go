package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mevdschee/pgprobe/config"
	"github.com/mevdschee/pgprobe/display"
	"github.com/mevdschee/pgprobe/metrics"
	"github.com/mevdschee/pgprobe/relay"
)

func main() {
	configPath := flag.String("config", "pgprobe.ini", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	r := relay.New(cfg.ListenAddr(), cfg.Upstream, cfg.Threshold)
	metrics.Register(r)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", cfg.MetricsListen)
		if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	if cfg.Mode == "tui" {
		log.Printf("mode=tui requested but no terminal dashboard is built into this binary, falling back to raw output")
	}
	sink := display.NewRawSink(os.Stdout)
	go func() {
		for ev := range r.Events {
			sink.Write(ev)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := r.Start(ctx); err != nil {
			log.Fatalf("Failed to start relay: %v", err)
		}
	}()

	log.Printf("pgprobe listening on %s, forwarding to %s", cfg.ListenAddr(), cfg.Upstream)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down...")
	cancel()
}
