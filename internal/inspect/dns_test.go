package inspect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/gapscan/internal/ports"
)

func TestDNSInspectorVersionBind(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if q.Qclass == dns.ClassCHAOS && q.Name == "version.bind." {
			m.Answer = append(m.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS},
				Txt: []string{"9.18.18-0ubuntu0.22.04.1-Ubuntu"},
			})
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	info, err := NewDNSInspector("udp").Inspect(context.Background(), "127.0.0.1", ports.UDPKey(port), time.Second)
	require.NoError(t, err)

	assert.Equal(t, "domain", info.Name)
	assert.Equal(t, "BIND", info.Product)
	assert.Equal(t, "9.18.18-0ubuntu0.22.04.1-Ubuntu", info.Version)
	assert.Equal(t, 10, info.Confidence)
	assert.Equal(t, "rcode NOERROR", info.ExtraInfo)
}

func TestDNSInspectorSilentServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	_, err = NewDNSInspector("udp").Inspect(context.Background(), "127.0.0.1", ports.UDPKey(port), 100*time.Millisecond)
	assert.Error(t, err)
}

func TestSplitDNSVersion(t *testing.T) {
	tests := []struct {
		in, product, version string
	}{
		{"9.18.18", "BIND", "9.18.18"},
		{"dnsmasq-2.86", "dnsmasq", "2.86"},
		{"PowerDNS Recursor 4.8.4", "PowerDNS", "Recursor 4.8.4"},
		{"unbound", "unbound", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, v := splitDNSVersion(tt.in)
			assert.Equal(t, tt.product, p)
			assert.Equal(t, tt.version, v)
		})
	}
}
