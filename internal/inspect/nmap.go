package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// NmapOptions selects the nmap features used by the batch backend.
type NmapOptions struct {
	Scripts           bool
	OSDetection       bool
	SkipHostDiscovery bool
	// TimingTemplate is nmap's -T level, 0 to 5
	TimingTemplate int
}

type nmapRunner func(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error)

// NmapInspector runs one nmap service scan over the consolidated set.
type NmapInspector struct {
	opts   NmapOptions
	run    nmapRunner
	logger *slog.Logger
}

// NewNmapInspector creates the nmap batch backend.
func NewNmapInspector(opts NmapOptions, logger *slog.Logger) *NmapInspector {
	if logger == nil {
		logger = slog.Default()
	}
	n := &NmapInspector{opts: opts, logger: logger}
	n.run = n.runScanner
	return n
}

// Name implements BatchInspector.
func (n *NmapInspector) Name() string { return "nmap" }

// InspectAll implements BatchInspector.
func (n *NmapInspector) InspectAll(ctx context.Context, target string, set ports.Set, timeout time.Duration) (map[ports.Key]scanning.ServiceInfo, *scanning.OSGuess, error) {
	if set.IsEmpty() {
		return map[ports.Key]scanning.ServiceInfo{}, nil, nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := n.run(ctx, n.buildOptions(target, set)...)
	if err != nil {
		if errors.Is(err, nmap.ErrNmapNotInstalled) {
			return nil, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, nil, err
	}

	services := make(map[ports.Key]scanning.ServiceInfo, set.Len())
	var guess *scanning.OSGuess
	for i := range result.Hosts {
		h := &result.Hosts[i]
		convertNmapPorts(h, set, services)
		if guess == nil {
			guess = convertNmapOS(h)
		}
	}
	return services, guess, nil
}

func (n *NmapInspector) runScanner(ctx context.Context, opts ...nmap.Option) (*nmap.Run, error) {
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, err
	}

	result, warnings, err := scanner.Run()
	if warnings != nil && len(*warnings) > 0 {
		n.logger.Warn("nmap reported warnings", "warnings", *warnings)
	}
	if err != nil {
		return nil, fmt.Errorf("nmap run: %w", err)
	}
	return result, nil
}

// buildOptions restricts nmap to exactly the ports of set.
func (n *NmapInspector) buildOptions(target string, set ports.Set) []nmap.Option {
	tcp, udp := set.Filter(ports.TCP), set.Filter(ports.UDP)

	options := []nmap.Option{
		nmap.WithTargets(target),
		nmap.WithPorts(nmapPortSpec(tcp, udp)),
		nmap.WithServiceInfo(),
		nmap.WithVersionAll(),
	}
	if !tcp.IsEmpty() {
		options = append(options, nmap.WithConnectScan())
	}
	if !udp.IsEmpty() {
		options = append(options, nmap.WithUDPScan())
	}
	if n.opts.Scripts {
		options = append(options, nmap.WithDefaultScript())
	}
	if n.opts.OSDetection {
		options = append(options, nmap.WithOSDetection())
	}
	if n.opts.SkipHostDiscovery {
		options = append(options, nmap.WithSkipHostDiscovery())
	}
	if n.opts.TimingTemplate > 0 {
		options = append(options, nmap.WithTimingTemplate(nmap.Timing(n.opts.TimingTemplate)))
	}
	return options
}

// nmapPortSpec renders "22,80" for TCP only, or "T:22,80,U:53" when UDP
// ports are included.
func nmapPortSpec(tcp, udp ports.Set) string {
	if udp.IsEmpty() {
		return tcp.Spec()
	}
	parts := make([]string, 0, 2)
	if !tcp.IsEmpty() {
		parts = append(parts, "T:"+tcp.Spec())
	}
	parts = append(parts, "U:"+udp.Spec())
	return strings.Join(parts, ",")
}

// convertNmapPorts copies the service data of ports in set into services.
func convertNmapPorts(h *nmap.Host, set ports.Set, services map[ports.Key]scanning.ServiceInfo) {
	for j := range h.Ports {
		p := &h.Ports[j]
		proto, err := ports.ParseProtocol(p.Protocol)
		if err != nil {
			continue
		}
		key := ports.Key{Protocol: proto, Port: p.ID}
		if !set.Contains(key) {
			continue
		}

		info := scanning.ServiceInfo{
			Name:       p.Service.Name,
			Product:    p.Service.Product,
			Version:    p.Service.Version,
			ExtraInfo:  p.Service.ExtraInfo,
			Confidence: p.Service.Confidence,
			Inspector:  "nmap",
		}
		if len(p.Scripts) > 0 {
			info.Scripts = make(map[string]string, len(p.Scripts))
			for _, s := range p.Scripts {
				info.Scripts[s.ID] = strings.TrimSpace(s.Output)
			}
		}
		if info.Name == "" && info.Product == "" {
			info.Unknown = true
		}
		services[key] = info
	}
}

// convertNmapOS takes the best OS match of h.
func convertNmapOS(h *nmap.Host) *scanning.OSGuess {
	if len(h.OS.Matches) == 0 {
		return nil
	}
	m := h.OS.Matches[0]
	guess := &scanning.OSGuess{
		Name:       m.Name,
		Score:      m.Accuracy,
		Confidence: accuracyConfidence(m.Accuracy),
		Source:     "nmap",
	}
	if len(m.Classes) > 0 {
		guess.Family = strings.ToLower(m.Classes[0].Family)
	}
	return guess
}

func accuracyConfidence(accuracy int) string {
	switch {
	case accuracy >= 90:
		return ConfidenceHigh
	case accuracy >= 70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
