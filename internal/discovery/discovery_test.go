package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/netplay/internal/transport"
)

var _ Conn = (*stunConn)(nil)

// stunConn answers binding requests sent to server as if a NAT mapped the
// client to mapped.
type stunConn struct {
	server netip.AddrPort
	mapped netip.AddrPort
	drop   int // requests to ignore before answering
	noise  bool
	inbox  []transport.Datagram
	asked  int
}

func (c *stunConn) SendTo(b []byte, to netip.AddrPort) error {
	if to != c.server {
		return nil
	}
	c.asked++
	if c.asked <= c.drop {
		return nil
	}
	req := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := req.Decode(); err != nil {
		return err
	}
	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: c.mapped.Addr().AsSlice(), Port: int(c.mapped.Port())},
	)
	if err != nil {
		return err
	}
	if c.noise {
		c.inbox = append(c.inbox,
			transport.Datagram{From: netip.MustParseAddrPort("10.0.0.9:7000"), Data: []byte("game traffic")},
			transport.Datagram{From: c.server, Data: []byte("garbage")},
		)
	}
	c.inbox = append(c.inbox, transport.Datagram{From: c.server, Data: res.Raw})
	return nil
}

func (c *stunConn) Poll(dst []transport.Datagram) []transport.Datagram {
	dst = append(dst, c.inbox...)
	c.inbox = nil
	return dst
}

func TestReflexive(t *testing.T) {
	server := netip.MustParseAddrPort("192.0.2.1:3478")
	mapped := netip.MustParseAddrPort("203.0.113.50:61000")

	tests := []struct {
		name  string
		drop  int
		noise bool
	}{
		{"first answer", 0, false},
		{"skips unrelated datagrams", 0, true},
		{"retries lost request", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			conn := &stunConn{server: server, mapped: mapped, drop: tt.drop, noise: tt.noise}
			got, err := Reflexive(ctx, conn, server)
			if err != nil {
				t.Fatalf("Reflexive: %v", err)
			}
			if got != mapped {
				t.Errorf("Reflexive = %v, want %v", got, mapped)
			}
			if conn.asked != tt.drop+1 {
				t.Errorf("sent %d requests, want %d", conn.asked, tt.drop+1)
			}
		})
	}
}

func TestReflexiveTimesOut(t *testing.T) {
	server := netip.MustParseAddrPort("192.0.2.1:3478")
	conn := &stunConn{server: server, drop: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Reflexive(ctx, conn, server); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reflexive err = %v, want deadline exceeded", err)
	}
}

func TestParseResponseRejectsForeignTransaction(t *testing.T) {
	res := stun.MustBuild(stun.TransactionID, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 1), Port: 1})
	if _, err := parseResponse(res.Raw, stun.NewTransactionID()); err == nil {
		t.Error("accepted a response for another transaction")
	}

	bare := stun.MustBuild(stun.TransactionID, stun.BindingSuccess)
	if _, err := parseResponse(bare.Raw, bare.TransactionID); !errors.Is(err, ErrNoMappedAddress) {
		t.Errorf("err = %v, want ErrNoMappedAddress", err)
	}
}

func TestCandidatesFrom(t *testing.T) {
	cidr := func(s string) net.Addr {
		ip, n, err := net.ParseCIDR(s)
		if err != nil {
			t.Fatal(err)
		}
		n.IP = ip
		return n
	}
	addrs := []net.Addr{
		cidr("127.0.0.1/8"),
		cidr("192.168.1.20/24"),
		cidr("192.168.1.20/24"),
		cidr("fe80::1/64"),
		cidr("2001:db8::20/64"),
		cidr("0.0.0.0/0"),
		&net.IPAddr{IP: net.ParseIP("10.1.2.3")},
	}

	got := candidatesFrom(addrs, 7000)
	want := []string{"127.0.0.1:7000", "192.168.1.20:7000", "[2001:db8::20]:7000", "10.1.2.3:7000"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("candidate[%d] = %v, want %s", i, got[i], want[i])
		}
	}
}

func TestResolveServerLiteral(t *testing.T) {
	got, err := ResolveServer(context.Background(), "192.0.2.1:3478")
	if err != nil || got.String() != "192.0.2.1:3478" {
		t.Fatalf("ResolveServer = %v, %v", got, err)
	}
	if _, err := ResolveServer(context.Background(), "no-port"); err == nil {
		t.Error("accepted a server without port")
	}
}

func TestGatherFallsBackWhenSTUNIsSilent(t *testing.T) {
	server := netip.MustParseAddrPort("192.0.2.1:3478")
	conn := &stunConn{server: server, drop: 1 << 30}

	type result struct {
		cands []netip.AddrPort
		err   error
	}
	done := make(chan result, 1)
	go func() {
		cands, err := Gather(context.Background(), conn, 7000, server.String(), 100*time.Millisecond)
		done <- result{cands, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Gather: %v", r.err)
		}
		for _, c := range r.cands {
			if c.Port() != 7000 {
				t.Errorf("candidate %v is not a local address on the bound port", c)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Gather still blocked with an unreachable STUN server")
	}
	if conn.asked == 0 {
		t.Error("no binding request sent")
	}
}

func TestGatherHonorsCancellation(t *testing.T) {
	server := netip.MustParseAddrPort("192.0.2.1:3478")
	conn := &stunConn{server: server, drop: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Gather(ctx, conn, 7000, server.String(), time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Gather err = %v, want deadline exceeded", err)
	}
}
