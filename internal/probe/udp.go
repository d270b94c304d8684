package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/gapscan/internal/ports"
)

// snmpGetSysDescr is an SNMPv2c GetRequest for sysDescr.0 with community
// "public".
var snmpGetSysDescr = []byte{
	0x30, 0x29, 0x02, 0x01, 0x01, 0x04, 0x06, 'p', 'u', 'b', 'l', 'i', 'c',
	0xa0, 0x1c, 0x02, 0x04, 0x71, 0x68, 0x65, 0x6c, 0x02, 0x01, 0x00, 0x02,
	0x01, 0x00, 0x30, 0x0e, 0x30, 0x0c, 0x06, 0x08, 0x2b, 0x06, 0x01, 0x02,
	0x01, 0x01, 0x01, 0x00, 0x05, 0x00,
}

// UDPProber probes UDP ports with a protocol-aware payload. A reply means
// open, an ICMP port-unreachable means closed and silence means filtered.
type UDPProber struct {
	dialer   net.Dialer
	payloads map[uint16][]byte
}

// NewUDPProber creates a UDP prober with payloads for DNS and SNMP.
func NewUDPProber() *UDPProber {
	return &UDPProber{payloads: map[uint16][]byte{
		53:  dnsQuery(),
		161: snmpGetSysDescr,
	}}
}

func dnsQuery() []byte {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)
	m.RecursionDesired = false
	b, err := m.Pack()
	if err != nil {
		return nil
	}
	return b
}

// Payload returns the datagram sent to port.
func (p *UDPProber) Payload(port uint16) []byte {
	if b, ok := p.payloads[port]; ok {
		return b
	}
	return []byte{}
}

// Attempt implements Prober.
func (p *UDPProber) Attempt(ctx context.Context, host string, key ports.Key, timeout time.Duration) Attempt {
	addr := net.JoinHostPort(host, strconv.Itoa(int(key.Port)))

	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return classifyDialError(err, 0)
	}
	defer conn.Close()

	deadline := start.Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	// Unblock the read on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(p.Payload(key.Port)); err != nil {
		return classifyUDPError(err, time.Since(start))
	}

	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err != nil {
		return classifyUDPError(err, time.Since(start))
	}
	return Attempt{State: ports.Open, RTT: time.Since(start)}
}

func classifyUDPError(err error, rtt time.Duration) Attempt {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return Attempt{State: ports.Filtered}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Attempt{State: ports.Closed, RTT: rtt}
	}
	return classifyDialError(err, rtt)
}
