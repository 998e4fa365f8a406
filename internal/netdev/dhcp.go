package netdev

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// DHCP message and option constants, RFC 2131/2132. No third-party DHCP
// library appears anywhere in the retrieval pack (miekg/dns covers DNS
// only), so this minimal server is hand-rolled wire encoding, justified
// in DESIGN.md.
const (
	dhcpOpRequest = 1
	dhcpOpReply   = 2

	dhcpMagicCookie = 0x63825363

	optPad          = 0
	optRequestedIP  = 50
	optLeaseTime    = 51
	optMsgType      = 53
	optServerID     = 54
	optSubnetMask   = 1
	optRouter       = 3
	optDNS          = 6
	optEnd          = 255

	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
)

// dhcpServer answers the guest's single DHCP lease request with the
// fixed GuestIP/HostIP/DNSIP triple, matching original_source's
// slirp_open, which never runs a real DHCP negotiation beyond that.
type dhcpServer struct {
	ep  tcpip.Endpoint
	st  *stack.Stack
	log *slog.Logger
}

func newDHCPServer(st *stack.Stack, logger *slog.Logger) (*dhcpServer, error) {
	var wq waiter.Queue
	ep, err := st.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		return nil, fmt.Errorf("dhcp: new endpoint: %s", err)
	}
	if err := ep.Bind(tcpip.FullAddress{NIC: netstackNICID, Port: 67}); err != nil {
		ep.Close()
		return nil, fmt.Errorf("dhcp: bind :67: %s", err)
	}
	ep.SocketOptions().SetBroadcast(true)

	d := &dhcpServer{ep: ep, st: st, log: logger}
	go d.serve()
	return d, nil
}

// serve polls the bound endpoint for DISCOVER/REQUEST datagrams, backing
// off briefly on ErrWouldBlock the same way the gvisor test harness's
// gvisorUDPRead helper does rather than registering a waiter channel.
func (d *dhcpServer) serve() {
	buf := make([]byte, 2048)
	for {
		w := tcpip.SliceWriter(buf)
		res, err := d.ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if err != nil {
			if _, ok := err.(*tcpip.ErrWouldBlock); ok {
				time.Sleep(2 * time.Millisecond)
				continue
			}
			return // endpoint closed
		}
		pkt := buf[:res.Count]
		reply, ok := d.buildReply(pkt)
		if !ok {
			continue
		}
		d.ep.Write(bytes.NewReader(reply), tcpip.WriteOptions{To: &tcpip.FullAddress{
			NIC: netstackNICID, Addr: broadcastAddr, Port: 68,
		}})
	}
}

// buildReply inspects the DHCP message type option and, for DISCOVER or
// REQUEST, returns an OFFER/ACK offering the fixed lease.
func (d *dhcpServer) buildReply(pkt []byte) ([]byte, bool) {
	if len(pkt) < 240 {
		return nil, false
	}
	xid := pkt[4:8]
	chaddr := append([]byte(nil), pkt[28:28+16]...)

	msgType := byte(0)
	for opts := pkt[240:]; len(opts) > 0; {
		t := opts[0]
		if t == optEnd || t == optPad {
			break
		}
		if len(opts) < 2 {
			break
		}
		l := int(opts[1])
		if len(opts) < 2+l {
			break
		}
		if t == optMsgType && l == 1 {
			msgType = opts[2]
		}
		opts = opts[2+l:]
	}

	var reply byte
	switch msgType {
	case msgDiscover:
		reply = msgOffer
	case msgRequest:
		reply = msgAck
	default:
		return nil, false
	}

	out := make([]byte, 240, 300)
	out[0] = dhcpOpReply
	out[1] = pkt[1] // htype
	out[2] = pkt[2] // hlen
	copy(out[4:8], xid)
	copy(out[16:20], GuestIP.To4())
	copy(out[20:24], HostIP.To4())
	copy(out[28:44], chaddr)
	binary.BigEndian.PutUint32(out[236:240], dhcpMagicCookie)

	appendOpt := func(t byte, v []byte) {
		out = append(out, t, byte(len(v)))
		out = append(out, v...)
	}
	appendOpt(optMsgType, []byte{reply})
	appendOpt(optServerID, HostIP.To4())
	appendOpt(optSubnetMask, net.IPv4Mask(255, 255, 255, 0))
	appendOpt(optRouter, HostIP.To4())
	appendOpt(optDNS, DNSIP.To4())
	appendOpt(optLeaseTime, []byte{0, 1, 81, 128}) // 86400s
	out = append(out, optEnd)

	return out, true
}

func (d *dhcpServer) close() { d.ep.Close() }

var broadcastAddr = addrFrom4(net.IPv4bcast)
