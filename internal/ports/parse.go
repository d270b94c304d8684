package ports

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxPort is the highest valid port number.
const MaxPort = 65535

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > MaxPort {
		return 0, fmt.Errorf("port %d out of range 1-%d", n, MaxPort)
	}
	return uint16(n), nil
}

// ParseSpec expands a port specification such as "22,80,8000-8100" into
// sorted, de-duplicated keys of protocol proto.
func ParseSpec(spec string, proto Protocol) ([]Key, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty port specification")
	}

	seen := make(map[uint16]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePort(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		for p := int(start); p <= int(end); p++ {
			seen[uint16(p)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("empty port specification")
	}

	nums := make([]uint16, 0, len(seen))
	for p := range seen {
		nums = append(nums, p)
	}
	slices.Sort(nums)

	keys := make([]Key, len(nums))
	for i, p := range nums {
		keys[i] = Key{Protocol: proto, Port: p}
	}
	return keys, nil
}

// Range returns keys lo..hi inclusive of protocol proto.
func Range(proto Protocol, lo, hi uint16) []Key {
	if lo == 0 {
		lo = 1
	}
	if hi < lo {
		return nil
	}
	keys := make([]Key, 0, int(hi)-int(lo)+1)
	for p := int(lo); p <= int(hi); p++ {
		keys = append(keys, Key{Protocol: proto, Port: uint16(p)})
	}
	return keys
}

// AllTCP returns every TCP port, 1-65535.
func AllTCP() []Key {
	return Range(TCP, 1, MaxPort)
}
