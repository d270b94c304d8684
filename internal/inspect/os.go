package inspect

import (
	"fmt"
	"slices"
	"strings"

	"github.com/anstrom/gapscan/internal/ports"
	"github.com/anstrom/gapscan/internal/scanning"
)

// OS guess confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

type osRule struct {
	keywords []string
	weight   int
}

type osFamily struct {
	name  string
	rules []osRule
	// ports adds portWeight for each listed open TCP port
	ports      []uint16
	portWeight int
}

var osFamilies = []osFamily{
	{
		name: "windows",
		rules: []osRule{
			{keywords: []string{"windows", "microsoft", "mssql", "iis"}, weight: 3},
			{keywords: []string{"rdp", "ms-wbt-server"}, weight: 4},
		},
		ports:      []uint16{135, 139, 445, 3389},
		portWeight: 3,
	},
	{
		name: "linux",
		rules: []osRule{
			{keywords: []string{"ubuntu", "debian", "centos", "red hat", "fedora", "alpine", "linux"}, weight: 3},
			{keywords: []string{"openssh"}, weight: 2},
			{keywords: []string{"nginx", "apache"}, weight: 2},
			{keywords: []string{"mysql", "mariadb", "postgresql", "redis"}, weight: 2},
		},
		ports:      []uint16{22, 111, 2049, 3306, 5432},
		portWeight: 1,
	},
	{
		name: "embedded",
		rules: []osRule{
			{keywords: []string{"cisco", "ios", "ubnt", "mikrotik", "routeros", "router", "firmware", "busybox", "dropbear"}, weight: 3},
		},
		ports:      []uint16{23, 1900, 5000, 7547},
		portWeight: 1,
	},
}

// GuessOS scores each OS family from the service texts and the open-port
// pattern. It returns nil when nothing points anywhere.
func GuessOS(set ports.Set, services map[ports.Key]scanning.ServiceInfo) *scanning.OSGuess {
	var texts []string
	for _, key := range set.Keys() {
		info, ok := services[key]
		if !ok {
			continue
		}
		text := strings.ToLower(strings.Join([]string{info.Name, info.Product, info.Version, info.Banner, info.ExtraInfo}, " "))
		texts = append(texts, text)
	}

	var best *scanning.OSGuess
	for _, fam := range osFamilies {
		score, evidence := fam.score(set, texts)
		if score == 0 {
			continue
		}
		if best == nil || score > best.Score {
			best = &scanning.OSGuess{
				Family:   fam.name,
				Score:    score,
				Evidence: evidence,
				Source:   "heuristic",
			}
		}
	}
	if best != nil {
		best.Confidence = scoreConfidence(best.Score)
	}
	return best
}

func (f osFamily) score(set ports.Set, texts []string) (int, []string) {
	score := 0
	var evidence []string
	for _, rule := range f.rules {
		for _, kw := range rule.keywords {
			if slices.ContainsFunc(texts, func(t string) bool { return strings.Contains(t, kw) }) {
				score += rule.weight
				evidence = append(evidence, "banner:"+kw)
				// One keyword per rule is enough.
				break
			}
		}
	}
	for _, p := range f.ports {
		if set.Contains(ports.TCPKey(p)) {
			score += f.portWeight
			evidence = append(evidence, fmt.Sprintf("port:%d", p))
		}
	}
	return score, evidence
}

func scoreConfidence(score int) string {
	switch {
	case score >= 6:
		return ConfidenceHigh
	case score >= 3:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
