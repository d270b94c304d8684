package inspect

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

const (
	bannerReadLimit = 2048
	httpProbe       = "HEAD / HTTP/1.0\r\n\r\n"
)

var (
	httpPorts  = []uint16{80, 591, 8000, 8008, 8080, 8081, 8888}
	httpsPorts = []uint16{443, 8443, 9443}
	tlsPorts   = []uint16{443, 465, 636, 853, 993, 995, 8443, 9443}
)

// BannerInspector grabs a banner from a TCP port and matches it against a
// signature table. HTTP ports get a HEAD request, TLS ports a handshake
// first, everything else a passive read followed by a HEAD nudge when the
// service stays silent.
type BannerInspector struct {
	dialer net.Dialer
	ssh    Inspector
}

// BannerOption configures a BannerInspector.
type BannerOption func(*BannerInspector)

// WithSSHUpgrade hands ports that greet with an SSH banner to in.
func WithSSHUpgrade(in Inspector) BannerOption {
	return func(b *BannerInspector) { b.ssh = in }
}

// NewBannerInspector creates a banner inspector.
func NewBannerInspector(opts ...BannerOption) *BannerInspector {
	b := &BannerInspector{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements Inspector.
func (b *BannerInspector) Name() string { return "banner" }

// Inspect implements Inspector.
func (b *BannerInspector) Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	if key.Protocol != ports.TCP {
		return scanning.ServiceInfo{Name: portNames[key.Port]}, ErrNoSignal
	}

	addr := net.JoinHostPort(target, strconv.Itoa(int(key.Port)))
	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return scanning.ServiceInfo{Name: portNames[key.Port]}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var tlsInfo *scanning.TLSInfo
	var rw net.Conn = conn
	if slices.Contains(tlsPorts, key.Port) {
		tconn := tls.Client(conn, &tls.Config{
			ServerName:         serverName(target),
			InsecureSkipVerify: true, //nolint:gosec // inspection only reads the certificate
		})
		if err := tconn.HandshakeContext(ctx); err == nil {
			tlsInfo = describeTLS(tconn.ConnectionState())
			rw = tconn
		} else {
			// Not TLS after all; a fresh plain connection is needed.
			return b.plain(ctx, target, key, timeout)
		}
	}

	askFirst := slices.Contains(httpPorts, key.Port) || slices.Contains(httpsPorts, key.Port)
	banner, err := grab(rw, askFirst, deadline)
	if banner == "" && tlsInfo == nil {
		if err == nil {
			err = ErrNoSignal
		}
		return scanning.ServiceInfo{Name: portNames[key.Port]}, err
	}

	info := identify(banner, key.Port)
	if tlsInfo != nil {
		info.TLS = tlsInfo
		if info.Name == "http" || info.Name == "" {
			info.Name = "https"
		}
		if info.Confidence < 5 {
			info.Confidence = 5
		}
	}
	if info.Name == "ssh" && b.ssh != nil {
		if deeper, err := b.ssh.Inspect(ctx, target, key, timeout); err == nil {
			return deeper, nil
		}
	}
	return info, nil
}

// plain retries a TLS port without TLS.
func (b *BannerInspector) plain(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	addr := net.JoinHostPort(target, strconv.Itoa(int(key.Port)))
	conn, err := b.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return scanning.ServiceInfo{Name: portNames[key.Port]}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	banner, err := grab(conn, false, deadline)
	if banner == "" {
		if err == nil {
			err = ErrNoSignal
		}
		return scanning.ServiceInfo{Name: portNames[key.Port]}, err
	}
	return identify(banner, key.Port), nil
}

// grab reads the service banner. With askFirst the HTTP probe is sent
// straight away, otherwise the service gets half the budget to speak
// before being nudged.
func grab(conn net.Conn, askFirst bool, deadline time.Time) (string, error) {
	if askFirst {
		if _, err := io.WriteString(conn, httpProbe); err != nil {
			return "", err
		}
		return read(conn)
	}

	passive := time.Now().Add(time.Until(deadline) / 2)
	_ = conn.SetReadDeadline(passive)
	banner, err := read(conn)
	if banner != "" || !isTimeout(err) {
		return banner, err
	}

	_ = conn.SetDeadline(deadline)
	if _, err := io.WriteString(conn, httpProbe); err != nil {
		return "", err
	}
	return read(conn)
}

func read(conn net.Conn) (string, error) {
	buf := make([]byte, bannerReadLimit)
	n, err := conn.Read(buf)
	if n > 0 {
		return string(buf[:n]), nil
	}
	if errors.Is(err, io.EOF) {
		err = ErrNoSignal
	}
	return "", err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func serverName(target string) string {
	if net.ParseIP(target) != nil {
		return ""
	}
	return target
}

func describeTLS(cs tls.ConnectionState) *scanning.TLSInfo {
	info := &scanning.TLSInfo{
		Version:     tls.VersionName(cs.Version),
		CipherSuite: tls.CipherSuiteName(cs.CipherSuite),
	}
	if len(cs.PeerCertificates) > 0 {
		describeCert(info, cs.PeerCertificates[0])
	}
	return info
}

func describeCert(info *scanning.TLSInfo, cert *x509.Certificate) {
	info.Subject = cert.Subject.CommonName
	info.Issuer = cert.Issuer.CommonName
	info.DNSNames = cert.DNSNames
	info.NotAfter = cert.NotAfter
	if info.Subject == "" {
		info.Subject = strings.Join(cert.Subject.Organization, ",")
	}
}
