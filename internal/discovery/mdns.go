// Package discovery advertises the hub on the local network so controllers
// can find it without a configured address.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pion/mdns/v2"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var ErrNoName = errors.New("mdns local name is empty")

// Advertiser answers mDNS queries for the hub's local name.
type Advertiser struct {
	conn   *mdns.Conn
	name   string
	logger *zap.Logger
}

// HostName returns name with the .local suffix mDNS resolvers expect.
func HostName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", ErrNoName
	}
	if !strings.HasSuffix(strings.ToLower(name), ".local") {
		name += ".local"
	}
	return name, nil
}

// Advertise joins the mDNS multicast groups and starts answering for
// localName. IPv6 is optional; the advertiser runs on IPv4 alone when the
// host has no IPv6 multicast.
func Advertise(localName string, logger *zap.Logger) (*Advertiser, error) {
	name, err := HostName(localName)
	if err != nil {
		return nil, err
	}

	addr4, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddressIPv4)
	if err != nil {
		return nil, fmt.Errorf("resolve mdns ipv4 address: %w", err)
	}
	l4, err := net.ListenUDP("udp4", addr4)
	if err != nil {
		return nil, fmt.Errorf("listen mdns ipv4: %w", err)
	}

	var pc6 *ipv6.PacketConn
	if addr6, err := net.ResolveUDPAddr("udp6", mdns.DefaultAddressIPv6); err == nil {
		if l6, err := net.ListenUDP("udp6", addr6); err == nil {
			pc6 = ipv6.NewPacketConn(l6)
		} else {
			logger.Warn("mdns ipv6 unavailable", zap.Error(err))
		}
	}

	conn, err := mdns.Server(ipv4.NewPacketConn(l4), pc6, &mdns.Config{
		LocalNames: []string{name},
	})
	if err != nil {
		l4.Close()
		if pc6 != nil {
			pc6.Close()
		}
		return nil, fmt.Errorf("start mdns server: %w", err)
	}
	logger.Info("mdns advertising", zap.String("name", name))
	return &Advertiser{conn: conn, name: name, logger: logger}, nil
}

func (a *Advertiser) Name() string { return a.name }

func (a *Advertiser) Close() error {
	a.logger.Info("mdns stopped", zap.String("name", a.name))
	return a.conn.Close()
}
