package scanning

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	gerrors "github.com/anstrom/gapscan/internal/errors"
	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/probe"
)

// TLSInfo describes a TLS endpoint found during deep inspection.
type TLSInfo struct {
	Version     string    `json:"version"`
	CipherSuite string    `json:"cipher_suite"`
	Subject     string    `json:"subject,omitempty"`
	Issuer      string    `json:"issuer,omitempty"`
	DNSNames    []string  `json:"dns_names,omitempty"`
	NotAfter    time.Time `json:"not_after,omitempty"`
}

// ServiceInfo is what deep inspection learned about one open port.
type ServiceInfo struct {
	// Name is the service name, e.g. "ssh" or "http"
	Name string `json:"name,omitempty"`
	// Product and Version identify the implementation, when known
	Product string `json:"product,omitempty"`
	Version string `json:"version,omitempty"`
	// ExtraInfo holds free-form detail such as an SSH host key fingerprint
	ExtraInfo string `json:"extra_info,omitempty"`
	Banner    string `json:"banner,omitempty"`
	// Confidence ranges from 0 to 10
	Confidence int               `json:"confidence"`
	Scripts    map[string]string `json:"scripts,omitempty"`
	TLS        *TLSInfo          `json:"tls,omitempty"`
	// Unknown is set when no service signal was obtained
	Unknown   bool   `json:"unknown"`
	Inspector string `json:"inspector,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UnknownService returns the placeholder recorded for a port whose
// inspection produced nothing.
func UnknownService(inspector string, err error) ServiceInfo {
	info := ServiceInfo{Unknown: true, Inspector: inspector}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// OSGuess is a best-effort operating system classification.
type OSGuess struct {
	Family     string   `json:"family"`
	Name       string   `json:"name,omitempty"`
	Confidence string   `json:"confidence"`
	Score      int      `json:"score"`
	Evidence   []string `json:"evidence,omitempty"`
	Source     string   `json:"source"`
}

// Warning is a non-fatal condition surfaced with the result.
type Warning struct {
	Code    gerrors.ErrorCode `json:"code"`
	Message string            `json:"message"`
	Source  string            `json:"source,omitempty"`
}

// ScanResult contains the complete results of one scan session.
type ScanResult struct {
	ID       string         `json:"id"`
	Target   string         `json:"target"`
	Address  string         `json:"address,omitempty"`
	Protocol ports.Protocol `json:"protocol"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Fast            ports.Set    `json:"fast"`
	Exhaustive      ports.Set    `json:"exhaustive"`
	Anomalies       ports.Set    `json:"anomalies"`
	FastStats       probe.Stats  `json:"fast_stats"`
	ExhaustiveStats *probe.Stats `json:"exhaustive_stats,omitempty"`

	Deep map[ports.Key]ServiceInfo `json:"deep,omitempty"`
	OS   *OSGuess                  `json:"os,omitempty"`

	Warnings []Warning `json:"warnings,omitempty"`
	Partial  bool      `json:"partial"`
	Empty    bool      `json:"empty"`
	Error    string    `json:"error,omitempty"`
}

// NewScanResult creates a result for target with the current time as start time.
func NewScanResult(target string, proto ports.Protocol) *ScanResult {
	return &ScanResult{
		ID:        uuid.NewString(),
		Target:    target,
		Protocol:  proto,
		StartTime: time.Now(),
		Deep:      make(map[ports.Key]ServiceInfo),
	}
}

// Complete marks the scan as complete and calculates duration.
func (r *ScanResult) Complete() {
	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
}

// Consolidated returns the union of the fast and exhaustive sets, with the
// fast record winning where both found a port.
func (r *ScanResult) Consolidated() ports.Set {
	return r.Fast.Union(r.Exhaustive)
}

// AddWarning appends a warning.
func (r *ScanResult) AddWarning(w Warning) {
	r.Warnings = append(r.Warnings, w)
}

// HasWarning reports whether a warning with code was recorded.
func (r *ScanResult) HasWarning(code gerrors.ErrorCode) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with r.
func (r *ScanResult) Clone() *ScanResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Deep = make(map[ports.Key]ServiceInfo, len(r.Deep))
	for k, v := range r.Deep {
		v.Scripts = maps.Clone(v.Scripts)
		if v.TLS != nil {
			tls := *v.TLS
			tls.DNSNames = slices.Clone(tls.DNSNames)
			v.TLS = &tls
		}
		c.Deep[k] = v
	}
	if r.OS != nil {
		os := *r.OS
		os.Evidence = slices.Clone(os.Evidence)
		c.OS = &os
	}
	if r.ExhaustiveStats != nil {
		st := *r.ExhaustiveStats
		c.ExhaustiveStats = &st
	}
	c.Warnings = slices.Clone(r.Warnings)
	return &c
}
