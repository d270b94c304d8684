package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// errHostKeySeen aborts the handshake once the host key is known.
var errHostKeySeen = errors.New("host key captured")

// SSHInspector runs the SSH handshake up to host key verification, which
// yields the server version string and the host key fingerprint without
// authenticating.
type SSHInspector struct {
	dialer net.Dialer
}

// NewSSHInspector creates an SSH inspector.
func NewSSHInspector() *SSHInspector {
	return &SSHInspector{}
}

// Name implements Inspector.
func (s *SSHInspector) Name() string { return "ssh" }

// Inspect implements Inspector.
func (s *SSHInspector) Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	addr := net.JoinHostPort(target, strconv.Itoa(int(key.Port)))
	raw, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return scanning.ServiceInfo{Name: "ssh"}, err
	}
	conn := &recordingConn{Conn: raw, limit: 256}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var hostKey ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User:    "gapscan",
		Auth:    []ssh.AuthMethod{ssh.Password("")},
		Timeout: timeout,
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			hostKey = k
			return errHostKeySeen
		},
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)

	version := serverVersion(conn.recorded())
	if version == "" {
		if err == nil || errors.Is(err, errHostKeySeen) {
			err = ErrNoSignal
		}
		return scanning.ServiceInfo{Name: "ssh"}, fmt.Errorf("ssh handshake: %w", err)
	}

	info := identify(version, key.Port)
	info.Name = "ssh"
	info.Banner = version
	info.Confidence = 9
	if hostKey != nil {
		info.ExtraInfo = hostKey.Type() + " " + ssh.FingerprintSHA256(hostKey)
		info.Confidence = 10
	}
	return info, nil
}

// serverVersion returns the first "SSH-" line the server sent. Servers may
// send other lines before it.
func serverVersion(b []byte) string {
	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(line, []byte("SSH-")) {
			return strings.TrimSpace(string(line))
		}
	}
	return ""
}

// recordingConn keeps a copy of the first bytes read from the connection.
type recordingConn struct {
	net.Conn
	limit int

	mu  sync.Mutex
	buf []byte
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		if room := c.limit - len(c.buf); room > 0 {
			c.buf = append(c.buf, p[:min(n, room)]...)
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *recordingConn) recorded() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf)
}
