package inspect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// DNSInspector asks a name server for version.bind in the CHAOS class.
// A server that answers at all, even with REFUSED, is identified as DNS.
type DNSInspector struct {
	network string
}

// NewDNSInspector creates a DNS inspector speaking over network ("udp" or
// "tcp").
func NewDNSInspector(network string) *DNSInspector {
	return &DNSInspector{network: network}
}

// Name implements Inspector.
func (d *DNSInspector) Name() string { return "dns" }

// Inspect implements Inspector.
func (d *DNSInspector) Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	c := &dns.Client{Net: d.network, Timeout: timeout}

	m := new(dns.Msg)
	m.SetQuestion("version.bind.", dns.TypeTXT)
	m.Question[0].Qclass = dns.ClassCHAOS
	m.RecursionDesired = false

	addr := net.JoinHostPort(target, strconv.Itoa(int(key.Port)))
	r, _, err := c.ExchangeContext(ctx, m, addr)
	if err != nil {
		return scanning.ServiceInfo{Name: "domain"}, fmt.Errorf("version.bind query: %w", err)
	}

	info := scanning.ServiceInfo{
		Name:       "domain",
		Confidence: 7,
		ExtraInfo:  "rcode " + dns.RcodeToString[r.Rcode],
	}
	for _, rr := range r.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		version := strings.Join(txt.Txt, " ")
		info.Banner = version
		info.Product, info.Version = splitDNSVersion(version)
		info.Confidence = 10
		break
	}
	return info, nil
}

// splitDNSVersion splits answers such as "9.18.18-0ubuntu0.22.04.1-Ubuntu"
// or "dnsmasq-2.86" into product and version.
func splitDNSVersion(v string) (product, version string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ""
	}
	if name, rest, ok := strings.Cut(v, "-"); ok && !startsWithDigit(name) {
		return name, rest
	}
	if startsWithDigit(v) {
		return "BIND", v
	}
	if name, rest, ok := strings.Cut(v, " "); ok {
		return name, rest
	}
	return v, ""
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
