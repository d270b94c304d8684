package inspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentify(t *testing.T) {
	tests := []struct {
		name    string
		banner  string
		port    uint16
		service string
		product string
		version string
	}{
		{"openssh", "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6\r\n", 22, "ssh", "OpenSSH", "8.9p1"},
		{"dropbear", "SSH-2.0-dropbear_2020.81\r\n", 2222, "ssh", "dropbear", "2020.81"},
		{"nginx", "HTTP/1.1 200 OK\r\nServer: nginx/1.18.0 (Ubuntu)\r\nContent-Length: 0\r\n\r\n", 80, "http", "nginx", "1.18.0"},
		{"http without server", "HTTP/1.0 404 Not Found\r\n\r\n", 8080, "http", "", ""},
		{"vsftpd", "220 (vsFTPd 3.0.5)\r\n", 21, "ftp", "vsFTPd", "3.0.5"},
		{"postfix", "220 mail.example.com ESMTP Postfix (Ubuntu)\r\n", 25, "smtp", "Postfix", ""},
		{"pop3", "+OK Dovecot ready.\r\n", 110, "pop3", "Dovecot", ""},
		{"imap", "* OK [CAPABILITY IMAP4rev1] Dovecot ready.\r\n", 143, "imap", "Dovecot", ""},
		{"redis", "-NOAUTH Authentication required.\r\n", 6379, "redis", "", ""},
		{"vnc", "RFB 003.008\n", 5900, "vnc", "", "003.008"},
		{"unmatched banner", "hello there\r\n", 3306, "mysql", "", ""},
		{"unmatched unknown port", "hello there\r\n", 40000, "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := identify(tt.banner, tt.port)
			assert.Equal(t, tt.service, info.Name)
			assert.Equal(t, tt.product, info.Product)
			assert.Equal(t, tt.version, info.Version)
			assert.NotEmpty(t, info.Banner)
		})
	}
}

func TestIdentifyTelnet(t *testing.T) {
	info := identify("\xff\xfd\x18\xff\xfd\x20", 23)
	assert.Equal(t, "telnet", info.Name)
	assert.Equal(t, 6, info.Confidence)
}

func TestIdentifyConfidence(t *testing.T) {
	assert.Equal(t, 9, identify("SSH-2.0-OpenSSH_9.6", 22).Confidence)
	assert.Equal(t, 2, identify("???", 22).Confidence)
}
