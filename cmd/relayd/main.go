// Command relayd runs one relay core instance: the UDP room server and
// its admin HTTP/WebSocket facade, wired to a SQLite-backed registry and
// Prometheus metrics. Grounded on the teacher's own main.go flag block,
// store-then-wire shape, and signal-based graceful shutdown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"relaycore/internal/adminapi"
	"relaycore/internal/registry"
	"relaycore/internal/relaymetrics"
	"relaycore/internal/server"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	udpAddr := flag.String("udp-addr", ":9000", "UDP listen address for the relay protocol")
	apiAddr := flag.String("api-addr", ":8080", "admin HTTP/WebSocket listen address")
	dbPath := flag.String("db", "relayd.db", "SQLite registry database path")
	tick := flag.Duration("tick", server.DefaultTick, "room scheduler tick interval")
	disconnectTimeout := flag.Duration("disconnect-timeout", server.DefaultDisconnectTimeout, "peer inactivity timeout before disconnect")
	flag.Parse()

	reg, err := registry.Open(*dbPath)
	if err != nil {
		log.Fatalf("[registry] %v", err)
	}
	defer reg.Close()

	mgr, err := server.New(*udpAddr, *tick, *disconnectTimeout)
	if err != nil {
		log.Fatalf("[server] %v", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := relaymetrics.NewMetrics(promReg)
	promReg.MustRegister(relaymetrics.NewGaugeCollector(mgr))
	mgr.SetMetrics(metrics)

	api := adminapi.New(mgr, reg, promReg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[relayd] shutting down...")
		cancel()
	}()

	go func() {
		if err := mgr.Run(ctx); err != nil {
			log.Printf("[server] %v", err)
		}
	}()

	log.Printf("[relayd] udp listening on %s", mgr.LocalAddr())
	log.Printf("[relayd] admin api listening on %s", *apiAddr)
	if err := api.Run(ctx, *apiAddr); err != nil {
		log.Fatalf("[adminapi] %v", err)
	}

	// Give the UDP manager's goroutines a moment to unwind after the admin
	// API has already returned from its own graceful shutdown.
	time.Sleep(50 * time.Millisecond)
}
