package inspect

import (
	"regexp"
	"strings"

	"github.com/anstrom/gapscan/internal/scanning"
)

// signature recognises a service from its banner. The version pattern may
// carry "product" and "version" named groups.
type signature struct {
	name       string
	match      *regexp.Regexp
	version    *regexp.Regexp
	confidence int
}

var signatures = []signature{
	{
		name:       "ssh",
		match:      regexp.MustCompile(`(?i)^ssh-\d`),
		version:    regexp.MustCompile(`(?i)^ssh-[\d.]+-(?P<product>[a-z]+)[_-]?(?P<version>[\w.]+)?`),
		confidence: 9,
	},
	{
		name:       "http",
		match:      regexp.MustCompile(`(?i)^http/\d`),
		version:    regexp.MustCompile(`(?im)^server:\s*(?P<product>[^\s/]+)(?:/(?P<version>[\w.]+))?`),
		confidence: 8,
	},
	{
		name:       "ftp",
		match:      regexp.MustCompile(`(?i)^220[ -].*ftp`),
		version:    regexp.MustCompile(`(?i)(?P<product>vsftpd|proftpd|pure-ftpd|filezilla server)[ _]?\(?(?P<version>[\d.]+[a-z]?)?`),
		confidence: 8,
	},
	{
		name:       "smtp",
		match:      regexp.MustCompile(`(?i)^220[ -].*(smtp|mail)`),
		version:    regexp.MustCompile(`(?i)(?P<product>postfix|exim|sendmail|microsoft esmtp mail service)[ /]?(?P<version>[\d.]+)?`),
		confidence: 8,
	},
	{
		name:       "pop3",
		match:      regexp.MustCompile(`(?i)^\+ok`),
		version:    regexp.MustCompile(`(?i)(?P<product>dovecot|cyrus)`),
		confidence: 7,
	},
	{
		name:       "imap",
		match:      regexp.MustCompile(`(?i)^\* ok`),
		version:    regexp.MustCompile(`(?i)(?P<product>dovecot|cyrus|courier)`),
		confidence: 7,
	},
	{
		name:       "mysql",
		match:      regexp.MustCompile(`(?i)mysql|mariadb|^.{4}\x0a\d+\.\d+`),
		version:    regexp.MustCompile(`(?P<version>\d+\.\d+\.\d+)(?:-(?P<product>mariadb))?`),
		confidence: 7,
	},
	{
		name:       "redis",
		match:      regexp.MustCompile(`(?i)^-(err|noauth)|redis`),
		version:    regexp.MustCompile(`(?i)redis_version:(?P<version>[\d.]+)`),
		confidence: 6,
	},
	{
		name:       "vnc",
		match:      regexp.MustCompile(`^RFB \d{3}\.\d{3}`),
		version:    regexp.MustCompile(`^RFB (?P<version>\d{3}\.\d{3})`),
		confidence: 9,
	},
}

// portNames is the fallback service name when a port gives no banner.
var portNames = map[uint16]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "domain",
	80: "http", 110: "pop3", 111: "rpcbind", 123: "ntp", 135: "msrpc",
	139: "netbios-ssn", 143: "imap", 161: "snmp", 389: "ldap", 443: "https",
	445: "microsoft-ds", 465: "smtps", 587: "submission", 631: "ipp",
	636: "ldaps", 993: "imaps", 995: "pop3s", 1433: "ms-sql-s",
	1521: "oracle", 1900: "upnp", 2049: "nfs", 3306: "mysql",
	3389: "ms-wbt-server", 5000: "upnp", 5432: "postgresql", 5900: "vnc",
	6379: "redis", 8000: "http-alt", 8080: "http-proxy", 8443: "https-alt",
	9200: "elasticsearch", 11211: "memcache", 27017: "mongodb",
}

// identify matches banner against the signature table. Without a match the
// service is named after its port with low confidence.
func identify(banner string, port uint16) scanning.ServiceInfo {
	// Telnet servers open with IAC option negotiation.
	if len(banner) > 1 && banner[0] == 0xff && banner[1] >= 0xfb && banner[1] <= 0xfe {
		return scanning.ServiceInfo{Name: "telnet", Confidence: 6}
	}

	trimmed := strings.TrimSpace(banner)
	for _, sig := range signatures {
		if !sig.match.MatchString(trimmed) {
			continue
		}
		info := scanning.ServiceInfo{
			Name:       sig.name,
			Banner:     trimmed,
			Confidence: sig.confidence,
		}
		if sig.version != nil {
			info.Product, info.Version = extract(sig.version, trimmed)
		}
		return info
	}
	return scanning.ServiceInfo{
		Name:       portNames[port],
		Banner:     trimmed,
		Confidence: 2,
	}
}

func extract(re *regexp.Regexp, banner string) (product, version string) {
	m := re.FindStringSubmatch(banner)
	if m == nil {
		return "", ""
	}
	if i := re.SubexpIndex("product"); i > 0 {
		product = m[i]
	}
	if i := re.SubexpIndex("version"); i > 0 {
		version = m[i]
	}
	return product, version
}
