package inspect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

const (
	oidSysDescr    = ".1.3.6.1.2.1.1.1.0"
	oidSysObjectID = ".1.3.6.1.2.1.1.2.0"
	oidSysName     = ".1.3.6.1.2.1.1.5.0"
)

// SNMPInspector reads the system group of an SNMP agent.
type SNMPInspector struct {
	community string
}

// NewSNMPInspector creates an SNMP inspector using the "public" community.
func NewSNMPInspector() *SNMPInspector {
	return &SNMPInspector{community: "public"}
}

// Name implements Inspector.
func (s *SNMPInspector) Name() string { return "snmp" }

// Inspect implements Inspector.
func (s *SNMPInspector) Inspect(ctx context.Context, target string, key ports.Key, timeout time.Duration) (scanning.ServiceInfo, error) {
	client := &gosnmp.GoSNMP{
		Target:    target,
		Port:      key.Port,
		Community: s.community,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return scanning.ServiceInfo{Name: "snmp"}, fmt.Errorf("snmp connect: %w", err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysDescr, oidSysObjectID, oidSysName})
	if err != nil {
		return scanning.ServiceInfo{Name: "snmp"}, fmt.Errorf("snmp get: %w", err)
	}
	return describeAgent(result)
}

// describeAgent turns a system group response into service information.
func describeAgent(pkt *gosnmp.SnmpPacket) (scanning.ServiceInfo, error) {
	if pkt.Error != gosnmp.NoError {
		return scanning.ServiceInfo{Name: "snmp"}, fmt.Errorf("snmp error: %s", pkt.Error)
	}

	info := scanning.ServiceInfo{Name: "snmp", Version: "v2c", Confidence: 8}
	found := false
	for _, v := range pkt.Variables {
		if v.Type == gosnmp.NoSuchObject || v.Type == gosnmp.NoSuchInstance {
			continue
		}
		switch normalizeOID(v.Name) {
		case oidSysDescr:
			if b, ok := v.Value.([]byte); ok {
				info.Banner = string(b)
				info.Product, _, _ = strings.Cut(string(b), "\n")
				found = true
			}
		case oidSysObjectID:
			if oid, ok := v.Value.(string); ok {
				info.ExtraInfo = "sysObjectID " + oid
				found = true
			}
		case oidSysName:
			if b, ok := v.Value.([]byte); ok && len(b) > 0 {
				if info.Scripts == nil {
					info.Scripts = make(map[string]string)
				}
				info.Scripts["sysName"] = string(b)
				found = true
			}
		}
	}
	if !found {
		return info, errors.New("snmp agent returned no system data")
	}
	info.Confidence = 10
	return info, nil
}

func normalizeOID(oid string) string {
	if !strings.HasPrefix(oid, ".") {
		return "." + oid
	}
	return oid
}
