package netdev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// dnsResponder answers A-record queries for the guest, resolving
// "host.internal" to HostIP and forwarding everything else to the host
// process's real resolver. Grounded on
// tinyrange-cc/internal/netstack/dns.go's dns.Server-over-a-lookup-func
// shape, adapted to bind through gvisor rather than the teacher's own
// netstack package.
type dnsResponder struct {
	srv *dns.Server
	pc  net.PacketConn
}

func newDNSResponder(st *stack.Stack, logger *slog.Logger) (*dnsResponder, error) {
	pc, err := newUDPPacketConn(st, DNSIP, 53)
	if err != nil {
		return nil, err
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", handleDNSRequest)

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() {
		if err := srv.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Error("netdev: dns server exited", "err", err)
		}
	}()
	return &dnsResponder{srv: srv, pc: pc}, nil
}

func handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Compress = false
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		ip, err := resolveName(q.Name)
		if err != nil || ip == "" {
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s A %s", q.Name, ip))
		if err != nil {
			continue
		}
		m.Answer = append(m.Answer, rr)
	}
	_ = w.WriteMsg(m)
}

func resolveName(name string) (string, error) {
	n := strings.TrimSuffix(strings.ToLower(name), ".")
	switch n {
	case "host.internal":
		return HostIP.String(), nil
	case "guest.internal":
		return GuestIP.String(), nil
	}
	addr, err := net.ResolveIPAddr("ip4", strings.TrimSuffix(name, "."))
	if err != nil {
		return "", err
	}
	return addr.IP.String(), nil
}

func (d *dnsResponder) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_ = d.srv.ShutdownContext(ctx)
	_ = d.pc.Close()
}

// udpPacketConn adapts a bound gvisor UDP endpoint to net.PacketConn, the
// shape github.com/miekg/dns's server expects.
type udpPacketConn struct {
	ep    tcpip.Endpoint
	local net.Addr
}

func newUDPPacketConn(st *stack.Stack, ip net.IP, port uint16) (*udpPacketConn, error) {
	var wq waiter.Queue
	ep, err := st.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, fmt.Errorf("netdev: new udp endpoint: %s", err)
	}
	if err := ep.Bind(tcpip.FullAddress{NIC: netstackNICID, Addr: addrFrom4(ip), Port: port}); err != nil {
		ep.Close()
		return nil, fmt.Errorf("netdev: bind udp %s:%d: %s", ip, port, err)
	}
	return &udpPacketConn{ep: ep, local: &net.UDPAddr{IP: ip, Port: int(port)}}, nil
}

// ReadFrom polls the endpoint, backing off on ErrWouldBlock the same way
// gvisorUDPRead does in tinyrange-cc's netstack test harness.
func (c *udpPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		w := tcpip.SliceWriter(p)
		res, err := c.ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if err == nil {
			from := &net.UDPAddr{IP: net.IP(res.RemoteAddr.Addr.AsSlice()), Port: int(res.RemoteAddr.Port)}
			return res.Count, from, nil
		}
		if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
			return 0, nil, fmt.Errorf("netdev: udp read: %s", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (c *udpPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("netdev: unsupported address type %T", addr)
	}
	n, err := c.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{To: &tcpip.FullAddress{
		NIC: netstackNICID, Addr: addrFrom4(udpAddr.IP), Port: uint16(udpAddr.Port),
	}})
	if err != nil {
		return int(n), fmt.Errorf("netdev: udp write: %s", err)
	}
	return int(n), nil
}

func (c *udpPacketConn) Close() error                       { c.ep.Close(); return nil }
func (c *udpPacketConn) LocalAddr() net.Addr                { return c.local }
func (c *udpPacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *udpPacketConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *udpPacketConn) SetWriteDeadline(t time.Time) error { return nil }
