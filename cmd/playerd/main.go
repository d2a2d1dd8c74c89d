// ABOUTME: Entry point for the playback engine daemon
// ABOUTME: Wires the media database, device registry, and player engine together and runs until signaled
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/airlinkhub/playengine/internal/config"
	"github.com/airlinkhub/playengine/internal/device"
	"github.com/airlinkhub/playengine/internal/mediadb"
	"github.com/airlinkhub/playengine/internal/player"
	"github.com/airlinkhub/playengine/internal/transcode"
)

func main() {
	cfg := config.Parse()

	f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, f))

	log.Printf("Starting playengine: %s (id %s) db=%s", cfg.Name, cfg.ID, cfg.DBPath)
	if cfg.Debug {
		log.Printf("Debug logging enabled")
	}

	db, err := mediadb.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("media database: %v", err)
	}
	defer db.Close()

	registry := device.NewRegistry(envPasswordLookup{})

	var disc *device.Discovery
	if cfg.EnableMDNS {
		disc = device.NewDiscovery()
		defer disc.Stop()

		down, err := device.Advertise(cfg.Name, cfg.ServicePort, cfg.DeviceID32())
		if err != nil {
			log.Printf("mdns advertise: %v", err)
		} else {
			defer down()
		}
	}

	tc := transcode.NewFileTranscoder()
	engine := player.New(db, tc, registry, disc)

	go engine.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("received %v, shutting down", sig)
		engine.Stop()
	}()

	engine.Wait()
	log.Printf("playengine stopped")
}

// envPasswordLookup resolves device passwords from PLAYENGINE_PW_<name>
// environment variables; a real deployment would back this with its own
// secrets store.
type envPasswordLookup struct{}

func (envPasswordLookup) LookupPassword(name string) (string, bool) {
	v, ok := os.LookupEnv(fmt.Sprintf("PLAYENGINE_PW_%s", name))
	return v, ok
}
