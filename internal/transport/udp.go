// Package transport owns the UDP sockets and the outbound pacing queue.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/1ureka/netplay/internal/util"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	readBatchSize  = 16   // datagrams per ReadBatch call
	maxDatagram    = 2048 // larger datagrams are truncated by the kernel
	inboxCapacity  = 1024 // datagrams buffered between reader goroutines and Poll
	defaultNetwork = "udp"
)

// ErrNoSocket is returned when neither address family could be bound, or
// when sending to a family whose socket is missing.
var ErrNoSocket = errors.New("transport: no socket for address family")

// Datagram is one inbound UDP payload and its source address. Data is owned
// by the receiver.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// UDP is a dual-stack socket pair. One reader goroutine per bound socket
// feeds a buffered inbox; Poll drains it without blocking, so the tick loop
// never waits on the network.
type UDP struct {
	v4 *net.UDPConn
	v6 *net.UDPConn

	inbox chan Datagram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// batchReader is satisfied by both ipv4.PacketConn and ipv6.PacketConn.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// Listen binds IPv4 and IPv6 sockets on port independently and succeeds if
// at least one of them binds. With port 0 the IPv6 socket reuses the port
// the kernel picked for IPv4 when possible.
func Listen(ctx context.Context, port int) (*UDP, error) {
	v4, err4 := net.ListenUDP(defaultNetwork+"4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err4 == nil && port == 0 {
		port = v4.LocalAddr().(*net.UDPAddr).Port
	}
	v6, err6 := net.ListenUDP(defaultNetwork+"6", &net.UDPAddr{IP: net.IPv6zero, Port: port})

	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("%w: ipv4: %v, ipv6: %v", ErrNoSocket, err4, err6)
	}
	if err4 != nil {
		util.LogWarning("udp: ipv4 bind failed: %v", err4)
	}
	if err6 != nil {
		util.LogDebug("udp: ipv6 bind failed: %v", err6)
	}

	uCtx, uCancel := context.WithCancel(ctx)
	u := &UDP{
		v4:     v4,
		v6:     v6,
		inbox:  make(chan Datagram, inboxCapacity),
		ctx:    uCtx,
		cancel: uCancel,
	}

	if v4 != nil {
		u.startReader(ipv4.NewPacketConn(v4))
	}
	if v6 != nil {
		u.startReader(ipv6.NewPacketConn(v6))
	}

	go func() {
		<-uCtx.Done()
		u.Close()
	}()

	util.LogInfo("udp: listening on port %d (ipv4=%t ipv6=%t)", u.LocalPort(), v4 != nil, v6 != nil)
	return u, nil
}

func (u *UDP) startReader(pc batchReader) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.readLoop(pc)
	}()
}

// readLoop is the per-socket reader. It exits when the socket is closed.
func (u *UDP) readLoop(pc batchReader) {
	msgs := make([]ipv4.Message, readBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxDatagram)}
	}

	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if u.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogDebug("udp: read: %v", err)
			continue
		}

		for i := 0; i < n; i++ {
			m := &msgs[i]
			addr, ok := m.Addr.(*net.UDPAddr)
			if !ok || m.N == 0 {
				continue
			}
			util.Stats.AddRecv(m.N)

			d := Datagram{
				From: unmap(addr.AddrPort()),
				Data: append([]byte(nil), m.Buffers[0][:m.N]...),
			}
			select {
			case u.inbox <- d:
			default:
				util.Stats.AddDropped()
			}
		}
	}
}

// Poll returns every datagram queued since the last call, appended to dst.
// It never blocks.
func (u *UDP) Poll(dst []Datagram) []Datagram {
	for n := len(u.inbox); n > 0; n-- {
		select {
		case d := <-u.inbox:
			dst = append(dst, d)
		default:
			return dst
		}
	}
	return dst
}

// Inbox is the receive queue Poll drains. Servers that have nothing else to
// do between datagrams block on it instead of polling. It is never closed;
// select on Done as well.
func (u *UDP) Inbox() <-chan Datagram { return u.inbox }

// Done is closed once the socket starts shutting down.
func (u *UDP) Done() <-chan struct{} { return u.ctx.Done() }

// SendTo transmits b to the socket matching to's address family.
func (u *UDP) SendTo(b []byte, to netip.AddrPort) error {
	to = unmap(to)
	conn := u.v6
	if to.Addr().Is4() {
		conn = u.v4
	}
	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNoSocket, MaskAddr(to))
	}

	n, err := conn.WriteToUDPAddrPort(b, to)
	if err != nil {
		return fmt.Errorf("udp send to %s: %w", MaskAddr(to), err)
	}
	util.Stats.AddSent(n)
	return nil
}

// LocalPort returns the bound port, preferring the IPv4 socket.
func (u *UDP) LocalPort() int {
	if u.v4 != nil {
		return u.v4.LocalAddr().(*net.UDPAddr).Port
	}
	return u.v6.LocalAddr().(*net.UDPAddr).Port
}

// HasIPv4 and HasIPv6 report which families are bound.
func (u *UDP) HasIPv4() bool { return u.v4 != nil }
func (u *UDP) HasIPv6() bool { return u.v6 != nil }

// Close shuts both sockets and waits for the reader goroutines.
func (u *UDP) Close() error {
	u.closeOnce.Do(func() {
		u.cancel()
		var errs []error
		if u.v4 != nil {
			errs = append(errs, u.v4.Close())
		}
		if u.v6 != nil {
			errs = append(errs, u.v6.Close())
		}
		u.wg.Wait()
		u.closeErr = errors.Join(errs...)
	})
	return u.closeErr
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
