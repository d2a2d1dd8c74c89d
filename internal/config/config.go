// ABOUTME: CLI flag parsing for the player daemon
// ABOUTME: Mirrors the teacher's flat flag.* style rather than a config-file format
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Config is the fully-resolved set of daemon startup parameters.
type Config struct {
	DBPath      string
	Name        string
	ID          uuid.UUID
	LogFile     string
	Debug       bool
	EnableMDNS  bool
	ServicePort int
}

// Parse reads os.Args[1:] into a Config, filling in a hostname-derived
// name and a fresh session id when the caller doesn't pin one.
func Parse() Config {
	dbPath := flag.String("db", "playengine.db", "Media database path (sqlite)")
	name := flag.String("name", "", "Friendly device name (default: hostname-playengine)")
	idStr := flag.String("id", "", "Stable device id (default: a freshly generated uuid)")
	logFile := flag.String("log-file", "playengine.log", "Log file path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noMDNS := flag.Bool("no-mdns", false, "Disable mDNS discovery and advertisement")
	servicePort := flag.Int("port", 9127, "Remote-session websocket port")

	flag.Parse()

	resolvedName := *name
	if resolvedName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		resolvedName = fmt.Sprintf("%s-playengine", hostname)
	}

	id := uuid.New()
	if *idStr != "" {
		if parsed, err := uuid.Parse(*idStr); err == nil {
			id = parsed
		}
	}

	return Config{
		DBPath:      *dbPath,
		Name:        resolvedName,
		ID:          id,
		LogFile:     *logFile,
		Debug:       *debug,
		EnableMDNS:  !*noMDNS,
		ServicePort: *servicePort,
	}
}

// DeviceID32 folds the session uuid down to the uint32 id space the
// device registry and mDNS TXT record use.
func (c Config) DeviceID32() uint32 {
	b := c.ID
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
