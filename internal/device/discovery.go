// ABOUTME: mDNS discovery glue feeding advertisement events into the Device Registry
// ABOUTME: Browses _playengine._tcp, parses id/password TXT fields, restricts to IPv4
package device

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const serviceType = "_playengine._tcp"

// Event describes one discovery callback, dispatched on the player thread
// by the caller's event loop.
type Event struct {
	Appear      bool // false means withdraw
	ID          uint32
	Name        string
	Address     string
	Port        int
	HasPassword bool
}

// Discovery continuously browses for remote receivers and reports
// appear/update events on a channel the player's command loop selects
// on. It emits no withdraw events: every Event it sends has Appear set.
type Discovery struct {
	events chan Event
	cancel context.CancelFunc
}

// NewDiscovery starts a background browse loop. Events are never dropped
// silently: the channel is large enough for normal discovery churn, and a
// full channel blocks the browse goroutine rather than losing an event.
func NewDiscovery() *Discovery {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Discovery{
		events: make(chan Event, 32),
		cancel: cancel,
	}
	go d.browseLoop(ctx)
	return d
}

// Events returns the channel of discovery events.
func (d *Discovery) Events() <-chan Event { return d.events }

// Stop ends the browse loop.
func (d *Discovery) Stop() { d.cancel() }

func (d *Discovery) browseLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 16)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				ev, ok := parseEntry(entry)
				if !ok {
					continue
				}
				select {
				case d.events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: serviceType,
			Domain:  "local",
			Timeout: 3 * time.Second,
			Entries: entries,
		}
		if err := mdns.Query(params); err != nil {
			log.Printf("device: mdns query: %v", err)
		}
		close(entries)
		<-done
	}
}

// parseEntry restricts discovery to IPv4-addressed entries (spec's
// core-protocol address-family restriction) and parses the TXT fields
// "id=<hex>" and "pw=<0|1>", each its own TXT string.
func parseEntry(entry *mdns.ServiceEntry) (Event, bool) {
	if entry.AddrV4 == nil {
		return Event{}, false
	}

	id, hasPassword, ok := parseTXT(entry.InfoFields)
	if !ok {
		return Event{}, false
	}

	return Event{
		Appear:      true,
		ID:          id,
		Name:        entry.Name,
		Address:     entry.AddrV4.String(),
		Port:        entry.Port,
		HasPassword: hasPassword,
	}, true
}

func parseTXT(fields []string) (id uint32, hasPassword bool, ok bool) {
	var idSeen bool
	for _, f := range fields {
		k, v, found := strings.Cut(f, "=")
		if !found {
			continue
		}
		switch k {
		case "id":
			n, err := strconv.ParseUint(v, 16, 32)
			if err != nil {
				return 0, false, false
			}
			id = uint32(n)
			idSeen = true
		case "pw":
			hasPassword = v == "1"
		}
	}
	return id, hasPassword, idSeen
}

// Advertise publishes this engine instance as a discoverable receiver,
// used when the engine itself exposes a remote-controllable speaker.
func Advertise(name string, port int, id uint32) (func(), error) {
	ips, err := localIPv4s()
	if err != nil {
		return nil, fmt.Errorf("device: advertise: %w", err)
	}

	txt := []string{fmt.Sprintf("id=%x", id), "pw=0"}
	svc, err := mdns.NewMDNSService(name, serviceType, "", "", port, ips, txt)
	if err != nil {
		return nil, fmt.Errorf("device: advertise: new service: %w", err)
	}

	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("device: advertise: new server: %w", err)
	}

	return func() { srv.Shutdown() }, nil
}

// localIPv4s enumerates non-loopback IPv4 addresses across active
// interfaces, mirroring the core protocol's IPv4-only restriction.
func localIPv4s() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				ips = append(ips, v4)
			}
		}
	}
	return ips, nil
}
