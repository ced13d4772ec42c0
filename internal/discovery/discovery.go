// Package discovery advertises relays on the local network over mDNS and
// lets clients find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

const (
	Service = "_onyx-sync._tcp"
	Domain  = "local."
)

var ErrNoRelay = errors.New("no relay found on the local network")

// Endpoint is one advertised relay.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
	Path     string
	Version  string
}

// URL is the websocket address clients dial.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/sync"
	}
	return "ws://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + path
}

type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers the relay listening on port until Shutdown.
func Advertise(instance string, port int, path string) (*Advertisement, error) {
	if strings.TrimSpace(instance) == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txtRecords(path), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

func txtRecords(path string) []string {
	if path == "" {
		path = "/sync"
	}
	return []string{"path=" + path, "protocol=" + wire.ProtocolVersion}
}

// Browse reports every relay found until ctx ends.
func Browse(ctx context.Context, found func(Endpoint)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("init mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if ep, ok := endpointFromEntry(entry); ok {
				found(ep)
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	<-done
	return nil
}

// First returns the first compatible relay seen within timeout.
func First(ctx context.Context, timeout time.Duration) (Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result := make(chan Endpoint, 1)
	go func() {
		_ = Browse(ctx, func(ep Endpoint) {
			select {
			case result <- ep:
				cancel()
			default:
			}
		})
	}()
	select {
	case ep := <-result:
		return ep, nil
	case <-ctx.Done():
		select {
		case ep := <-result:
			return ep, nil
		default:
			return Endpoint{}, ErrNoRelay
		}
	}
}

// endpointFromEntry drops entries without an address or speaking an
// incompatible protocol.
func endpointFromEntry(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	if entry == nil || entry.Port <= 0 {
		return Endpoint{}, false
	}
	ep := Endpoint{Instance: entry.Instance, Port: entry.Port}
	for _, kv := range entry.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			ep.Path = value
		case "protocol":
			ep.Version = value
		}
	}
	if ep.Version != "" && wire.CheckVersion(ep.Version) != nil {
		return Endpoint{}, false
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		ep.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ep.Host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		ep.Host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Endpoint{}, false
	}
	return ep, true
}
