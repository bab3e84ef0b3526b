// Package discovery gathers the candidate addresses a peer advertises to
// the others: its local interface addresses and the public address a STUN
// server sees it at.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/netplay/internal/transport"
	"github.com/1ureka/netplay/internal/util"
)

const (
	stunPollInterval = 10 * time.Millisecond
	stunRetry        = 500 * time.Millisecond

	// DefaultSTUNTimeout bounds the reflexive lookup in Gather.
	DefaultSTUNTimeout = 3 * time.Second
)

var ErrNoMappedAddress = errors.New("discovery: no mapped address in stun response")

// Conn is the socket to discover through. It must be the socket the
// session will run on so the NAT mapping STUN reports is the one peers
// will reach. *transport.UDP implements it.
type Conn interface {
	Poll(dst []transport.Datagram) []transport.Datagram
	SendTo(b []byte, to netip.AddrPort) error
}

// LocalCandidates returns every usable unicast interface address paired
// with port. IPv6 link-local addresses are left out since they need a zone
// to be dialed.
func LocalCandidates(port int) ([]netip.AddrPort, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	return candidatesFrom(addrs, port), nil
}

func candidatesFrom(addrs []net.Addr, port int) []netip.AddrPort {
	var out []netip.AddrPort
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsMulticast() || (addr.Is6() && addr.IsLinkLocalUnicast()) {
			continue
		}
		ap := netip.AddrPortFrom(addr, uint16(port))
		if !slices.Contains(out, ap) {
			out = append(out, ap)
		}
	}
	return out
}

// ResolveServer turns a "host:port" STUN server into an IPv4 address.
func ResolveServer(ctx context.Context, server string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return ap, nil
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("discovery: stun server %q: %w", server, err)
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "udp", portStr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("discovery: stun server %q: %w", server, err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("discovery: resolve %s: %w", host, err)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

// Reflexive sends STUN binding requests to server through conn until one is
// answered or ctx ends, and returns the mapped address. Other datagrams
// read from conn meanwhile are discarded.
func Reflexive(ctx context.Context, conn Conn, server netip.AddrPort) (netip.AddrPort, error) {
	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("discovery: build binding request: %w", err)
	}

	ticker := time.NewTicker(stunPollInterval)
	defer ticker.Stop()

	var (
		buf      []transport.Datagram
		lastSend time.Time
	)
	for {
		if time.Since(lastSend) >= stunRetry {
			if err := conn.SendTo(req.Raw, server); err != nil {
				return netip.AddrPort{}, fmt.Errorf("discovery: send binding request: %w", err)
			}
			lastSend = time.Now()
		}

		select {
		case <-ctx.Done():
			return netip.AddrPort{}, fmt.Errorf("discovery: stun %s: %w", server, ctx.Err())
		case <-ticker.C:
		}

		buf = conn.Poll(buf[:0])
		for _, d := range buf {
			if d.From != server || !stun.IsMessage(d.Data) {
				continue
			}
			mapped, err := parseResponse(d.Data, req.TransactionID)
			if err != nil {
				util.LogDebug("discovery: %v", err)
				continue
			}
			util.LogInfo("discovery: reflexive address %s", transport.MaskAddr(mapped))
			return mapped, nil
		}
	}
}

func parseResponse(data []byte, id [stun.TransactionIDSize]byte) (netip.AddrPort, error) {
	res := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := res.Decode(); err != nil {
		return netip.AddrPort{}, fmt.Errorf("discovery: decode stun response: %w", err)
	}
	if res.TransactionID != id {
		return netip.AddrPort{}, errors.New("discovery: stun transaction mismatch")
	}
	if res.Type != stun.BindingSuccess {
		return netip.AddrPort{}, fmt.Errorf("discovery: unexpected stun %v", res.Type)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrNoMappedAddress, err)
	}
	addr, ok := netip.AddrFromSlice(xor.IP)
	if !ok {
		return netip.AddrPort{}, ErrNoMappedAddress
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port)), nil
}

// Gather returns the local candidates followed by the reflexive address.
// The STUN lookup gives up after timeout (DefaultSTUNTimeout when zero); a
// failed lookup is logged and leaves just the local candidates.
func Gather(ctx context.Context, conn Conn, port int, stunServer string, timeout time.Duration) ([]netip.AddrPort, error) {
	cands, err := LocalCandidates(port)
	if err != nil {
		return nil, err
	}
	if stunServer == "" {
		return cands, nil
	}
	if timeout <= 0 {
		timeout = DefaultSTUNTimeout
	}

	stunCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	server, err := ResolveServer(stunCtx, stunServer)
	if err != nil {
		util.LogWarning("%v", err)
		return cands, nil
	}
	mapped, err := Reflexive(stunCtx, conn, server)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		util.LogWarning("%v", err)
		return cands, nil
	}
	if !slices.Contains(cands, mapped) {
		cands = append(cands, mapped)
	}
	return cands, nil
}
