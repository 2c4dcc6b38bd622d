package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshdiscover/mdns"
)

var (
	service  = flag.String("service", "_workstation._tcp.local.", "Service type to browse for.")
	waitTime = flag.Int("wait", 0, "Duration in [s] to browse for; 0 runs until interrupted.")
	verbose  = flag.Bool("verbose", false, "Enable debug logging.")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	m := mdns.New(mdns.WithLogger(logger))
	defer m.Close()

	l := &mdns.Listener{
		OnServiceFound: func(info *mdns.ServiceInstance) {
			log.Printf("found: %s host=%s port=%d ipv4=%v ipv6=%v txt=%v",
				info.FullName, info.HostName, info.Port, info.IPv4, info.IPv6, info.TXT)
		},
		OnServiceUpdated: func(info *mdns.ServiceInstance) {
			log.Printf("updated: %s", info.FullName)
		},
		OnServiceRemoved: func(info *mdns.ServiceInstance) {
			log.Printf("removed: %s", info.FullName)
		},
		OnFailedToParse: func(seq uint64, kind mdns.ParseErrorKind) {
			log.Printf("failed to parse packet #%d: %s", seq, kind)
		},
	}

	m.RegisterListener(*service, l, mdns.SearchOptions{QueryMode: mdns.QueryModeActive})
	defer m.UnregisterListener(*service, l)

	log.Printf("browsing for %s", *service)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *waitTime > 0 {
		timeout = time.After(time.Duration(*waitTime) * time.Second)
	}

	select {
	case <-sig:
		log.Println("shutting down")
	case <-timeout:
		log.Println("wait time elapsed, shutting down")
	}
}
