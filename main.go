package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minimirror1/xbeelink/diag"
	"github.com/minimirror1/xbeelink/facade"
	"github.com/minimirror1/xbeelink/serial"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port device path")
	baud := flag.Uint("baud", serial.DefaultBaudRate, "serial baud rate")
	monitorAddr := flag.String("monitor", "", "address to serve the diag websocket monitor on, e.g. :8080 (empty disables it)")
	flag.Parse()

	f := facade.New()

	if *monitorAddr != "" {
		mon := diag.NewMonitor()
		f.AttachMonitor(mon)

		srv := &http.Server{Addr: *monitorAddr}
		http.HandleFunc("/traffic", mon.ServeHTTP)
		go func() {
			log.Printf("diag: serving traffic monitor on %s", *monitorAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("diag: monitor server: %s", err)
			}
		}()
	}

	f.OnMessage(func(data []byte, src64 uint64) {
		log.Printf("xbeelink: received %d bytes from %#016x: %q", len(data), src64, data)
	})

	cfg := serial.Config{Name: *port, BaudRate: *baud}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Connect(ctx, cfg); err != nil {
		log.Fatalf("xbeelink: connect: %s", err)
	}
	defer f.Disconnect()

	go reportStatsPeriodically(f)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Printf("xbeelink: got %s, shutting down", sig)
}

func reportStatsPeriodically(f *facade.Facade) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		j, err := json.Marshal(f.StatsSnapshot())
		if err != nil {
			log.Printf("xbeelink: marshal stats: %s", err)
			continue
		}
		log.Printf("xbeelink: stats %s", j)
	}
}
