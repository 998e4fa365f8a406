package netdev

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// forwardTCP completes the guest's TCP handshake locally and proxies the
// connection to the real destination address the guest dialed, the same
// role original_source's slirp plays for outbound guest connections.
func (b *NetstackBackend) forwardTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	dst := net.JoinHostPort(tcpAddrString(id.LocalAddress), strconv.Itoa(int(id.LocalPort)))

	outbound, err := net.Dial("tcp", dst)
	if err != nil {
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, tcpErr := r.CreateEndpoint(&wq)
	if tcpErr != nil {
		outbound.Close()
		r.Complete(true)
		return
	}
	r.Complete(false)

	guestConn := gonet.NewTCPConn(&wq, ep)
	go proxyBidirectional(guestConn, outbound)
}

// forwardUDP proxies one guest UDP flow to its real destination for the
// endpoint's lifetime; DHCP (port 67) and DNS (port 53 on DNSIP) are
// bound ahead of the forwarder and never reach this path.
func (b *NetstackBackend) forwardUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	dst := net.JoinHostPort(tcpAddrString(id.LocalAddress), strconv.Itoa(int(id.LocalPort)))

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return true
	}
	guestConn := gonet.NewUDPConn(&wq, ep)

	outbound, dialErr := net.Dial("udp", dst)
	if dialErr != nil {
		guestConn.Close()
		return true
	}
	go proxyBidirectional(guestConn, outbound)
	return true
}

func tcpAddrString(a tcpip.Address) string {
	return net.IP(a.AsSlice()).String()
}

// proxyBidirectional pumps bytes both directions until either side closes,
// mirroring tinyrange-cc/internal/netstack's proxyConn helper.
func proxyBidirectional(a, b net.Conn) {
	defer a.Close()
	defer b.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

// HostForward describes one `hostfwd=hostport:guestport` device argument:
// a host TCP listener that forwards accepted connections into the guest.
type HostForward struct {
	HostPort  int
	GuestPort int
}

// ParseHostForward parses a single `hostport:guestport` spec, matching
// the argument grammar of original_source/src/virtio-net.cc's
// `hostfwd=` device option.
func ParseHostForward(s string) (HostForward, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return HostForward{}, fmt.Errorf("netdev: malformed hostfwd %q, want hostport:guestport", s)
	}
	hp, err := strconv.Atoi(parts[0])
	if err != nil {
		return HostForward{}, fmt.Errorf("netdev: bad hostfwd host port %q: %w", parts[0], err)
	}
	gp, err := strconv.Atoi(parts[1])
	if err != nil {
		return HostForward{}, fmt.Errorf("netdev: bad hostfwd guest port %q: %w", parts[1], err)
	}
	return HostForward{HostPort: hp, GuestPort: gp}, nil
}

// addHostForward listens on the host port and forwards each accepted
// connection to GuestIP:GuestPort inside the guest via the gvisor stack.
func (b *NetstackBackend) addHostForward(ctx context.Context, hf HostForward) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", hf.HostPort))
	if err != nil {
		return fmt.Errorf("listen on host port %d: %w", hf.HostPort, err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go b.serveHostForward(conn, hf)
		}
	}()
	return nil
}

func (b *NetstackBackend) serveHostForward(hostConn net.Conn, hf HostForward) {
	guestConn, err := gonet.DialContextTCP(context.Background(), b.st, tcpip.FullAddress{
		NIC:  netstackNICID,
		Addr: addrFrom4(GuestIP),
		Port: uint16(hf.GuestPort),
	}, ipv4.ProtocolNumber)
	if err != nil {
		hostConn.Close()
		return
	}
	proxyBidirectional(hostConn, guestConn)
}
