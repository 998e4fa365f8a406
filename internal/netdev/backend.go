package netdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Fixed addressing, preserved bit-exact from original_source's
// virtio-net.cc slirp_open subnet layout: 10.0.2.0/24 with the host
// (gateway) at .2, the single DHCP lease at .15, and a synthetic DNS
// responder at .3.
var (
	HostIP    = net.IPv4(10, 0, 2, 2)
	GuestIP   = net.IPv4(10, 0, 2, 15)
	DNSIP     = net.IPv4(10, 0, 2, 3)
	subnetLen = 24
)

const netstackNICID tcpip.NICID = 1

var (
	instanceMu     sync.Mutex
	instanceActive bool
)

// NetstackBackend implements Backend on top of a user-mode gvisor TCP/IP
// stack, replacing original_source's slirp: it terminates the guest's
// default gateway and DNS server, serves a single static DHCP lease, and
// forwards TCP/UDP connections to the real network the host process runs
// on. Only one instance may exist per process, matching slirp_open's
// documented restriction in original_source/src/virtio-net.cc.
type NetstackBackend struct {
	dev *Device
	log *slog.Logger

	st *stack.Stack
	ch *channel.Endpoint

	cancel context.CancelFunc

	dhcp *dhcpServer
	dns  *dnsResponder

	closeOnce sync.Once
}

// NewNetstackBackend brings up the host-side stack and wires it to dev.
// hostfwd entries are `hostport:guestport` pairs from the device's
// `hostfwd=` argument (SPEC_FULL.md §4.5); each opens a host-side
// listener that forwards accepted connections into the guest.
func NewNetstackBackend(dev *Device, hostfwd []HostForward, logger *slog.Logger) (*NetstackBackend, error) {
	instanceMu.Lock()
	if instanceActive {
		instanceMu.Unlock()
		return nil, fmt.Errorf("netdev: only one network backend may be active per process")
	}
	instanceActive = true
	instanceMu.Unlock()

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &NetstackBackend{dev: dev, log: logger, cancel: cancel}

	// L3 MTU 1500; channel.Endpoint's MTU is the L2 MTU once wrapped by
	// ethernet.Endpoint, which subtracts the ethernet header length.
	b.ch = channel.New(256, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(MAC))
	linkEP := ethernet.New(b.ch)

	b.st = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := b.st.CreateNIC(netstackNICID, linkEP); err != nil {
		instanceRelease()
		return nil, fmt.Errorf("netdev: create nic: %s", err)
	}
	// Promiscuous + spoofing let the stack accept and originate traffic
	// for addresses other than the ones bound below, which is what makes
	// the TCP/UDP forwarders below able to intercept guest connections
	// bound for arbitrary real internet destinations.
	if err := b.st.SetPromiscuousMode(netstackNICID, true); err != nil {
		instanceRelease()
		return nil, fmt.Errorf("netdev: set promiscuous mode: %s", err)
	}
	if err := b.st.SetSpoofing(netstackNICID, true); err != nil {
		instanceRelease()
		return nil, fmt.Errorf("netdev: set spoofing: %s", err)
	}

	for _, addr := range []net.IP{HostIP, DNSIP} {
		if err := b.st.AddProtocolAddress(netstackNICID, tcpip.ProtocolAddress{
			Protocol:          ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{Address: addrFrom4(addr), PrefixLen: subnetLen},
		}, stack.AddressProperties{}); err != nil {
			instanceRelease()
			return nil, fmt.Errorf("netdev: add address %s: %s", addr, err)
		}
	}
	b.st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: netstackNICID},
	})

	fwd := tcp.NewForwarder(b.st, 16<<10, 512, b.forwardTCP)
	b.st.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)
	ufwd := udp.NewForwarder(b.st, b.forwardUDP)
	b.st.SetTransportProtocolHandler(udp.ProtocolNumber, ufwd.HandlePacket)

	var err error
	if b.dhcp, err = newDHCPServer(b.st, logger); err != nil {
		instanceRelease()
		return nil, fmt.Errorf("netdev: start dhcp: %w", err)
	}
	if b.dns, err = newDNSResponder(b.st, logger); err != nil {
		b.dhcp.close()
		instanceRelease()
		return nil, fmt.Errorf("netdev: start dns: %w", err)
	}

	go b.readLoop(ctx)

	for _, hf := range hostfwd {
		if err := b.addHostForward(ctx, hf); err != nil {
			logger.Warn("netdev: hostfwd setup failed", "spec", hf, "err", err)
		}
	}

	return b, nil
}

func instanceRelease() {
	instanceMu.Lock()
	instanceActive = false
	instanceMu.Unlock()
}

func addrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

// readLoop drains frames the host stack (or DHCP/DNS/forwarders) wants
// delivered to the guest and hands them to the front-end's RX backlog.
func (b *NetstackBackend) readLoop(ctx context.Context) {
	for {
		pkt := b.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		if !b.dev.CanAcceptRX() {
			continue
		}
		b.dev.EnqueueRX(frame)
	}
}

// WritePacket implements Backend: a full ethernet frame transmitted by
// the guest. ARP and IPv4-addressed-to-the-host-stack traffic is handed
// to gvisor; a gateway ICMP echo is answered directly (icmp.go) since
// this stack does not register a network-layer ICMP protocol.
func (b *NetstackBackend) WritePacket(frame []byte) error {
	if reply, ok := handleGatewayEcho(frame); ok {
		if b.dev.CanAcceptRX() {
			b.dev.EnqueueRX(reply)
		}
		return nil
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	b.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// Close tears down the stack and its listeners, releasing the
// single-instance slot.
func (b *NetstackBackend) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.dns != nil {
			b.dns.close()
		}
		if b.dhcp != nil {
			b.dhcp.close()
		}
		b.ch.Close()
		b.st.Close()
		instanceRelease()
	})
	return nil
}
