// Package ports defines the port record and port set value types shared by
// the probe engine, the scan strategies and the reconciler.
//
// A Set is immutable once built. It only ever holds keys whose latest known
// state is open, and it always iterates in ascending (protocol, port) order
// so that reports are deterministic regardless of probe completion order.
package ports

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Protocol is the transport protocol of a probed port.
type Protocol uint8

// Protocols in their sort order.
const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "proto(" + strconv.Itoa(int(p)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseProtocol parses "tcp" or "udp", case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// State is the classification of a single probe.
type State uint8

const (
	Filtered State = iota
	Closed
	Open
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "filtered"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = Open
	case "closed":
		*s = Closed
	case "filtered":
		*s = Filtered
	default:
		return fmt.Errorf("unknown port state %q", b)
	}
	return nil
}

// Source tags which pass produced a record.
type Source uint8

const (
	FastScan Source = iota
	ExhaustiveScan
	DeepScan
)

func (s Source) String() string {
	switch s {
	case FastScan:
		return "fast"
	case ExhaustiveScan:
		return "exhaustive"
	case DeepScan:
		return "deep"
	default:
		return "source(" + strconv.Itoa(int(s)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fast":
		*s = FastScan
	case "exhaustive":
		*s = ExhaustiveScan
	case "deep":
		*s = DeepScan
	default:
		return fmt.Errorf("unknown source %q", b)
	}
	return nil
}

// Key identifies a port independently of its state or provenance.
type Key struct {
	Protocol Protocol `json:"protocol"`
	Port     uint16   `json:"port"`
}

// TCPKey returns the key for a TCP port.
func TCPKey(port uint16) Key { return Key{Protocol: TCP, Port: port} }

// UDPKey returns the key for a UDP port.
func UDPKey(port uint16) Key { return Key{Protocol: UDP, Port: port} }

// Less orders keys by protocol, then port.
func (k Key) Less(o Key) bool {
	if k.Protocol != o.Protocol {
		return k.Protocol < o.Protocol
	}
	return k.Port < o.Port
}

func (k Key) String() string {
	return strconv.Itoa(int(k.Port)) + "/" + k.Protocol.String()
}

// MarshalText implements encoding.TextMarshaler so keys can be used as JSON map keys.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses "80/tcp". A bare port number defaults to TCP.
func ParseKey(s string) (Key, error) {
	portPart, protoPart, found := strings.Cut(strings.TrimSpace(s), "/")
	proto := TCP
	if found {
		p, err := ParseProtocol(protoPart)
		if err != nil {
			return Key{}, err
		}
		proto = p
	}
	port, err := parsePort(portPart)
	if err != nil {
		return Key{}, err
	}
	return Key{Protocol: proto, Port: port}, nil
}

// Record is the immutable outcome of probing one port.
type Record struct {
	Key
	State  State         `json:"state"`
	Source Source        `json:"source"`
	RTT    time.Duration `json:"rtt,omitempty"`
}
