// Package fingerprint captures service banners and identifies the service
// behind an open port.
//
// Capture is listen-then-probe: the connection is first read passively so
// services that banner voluntarily (SSH, SMTP, FTP) are not sent redundant
// data. Only when nothing arrives is a single protocol-specific probe written
// before a second read.
//
// Identification is keyword matching and version extraction takes the first
// whitespace-delimited token that looks like a dotted version. Obfuscated or
// binary banners (MySQL's handshake, TLS) will usually come back as
// "Unknown". That is a known limitation of the heuristic.
package fingerprint

import (
	"net"
	"regexp"
	"strings"
	"time"
)

const (
	// Unknown is reported when a service or version cannot be determined.
	Unknown = "Unknown"

	// MaxBannerSize caps how much of a banner is kept.
	MaxBannerSize = 4096

	// DefaultReadTimeout bounds each banner read.
	DefaultReadTimeout = 2 * time.Second

	defaultProbe = "\r\n"
)

var probes = map[int]string{
	21:   "USER anonymous\r\n",
	22:   "SSH-2.0-portscope\r\n",
	25:   "EHLO portscope.local\r\n",
	80:   "GET / HTTP/1.0\r\n\r\n",
	443:  "GET / HTTP/1.0\r\n\r\n",
	3306: "\n",
}

var versionPattern = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)

// Result is the outcome of fingerprinting one connection.
type Result struct {
	Banner  string
	Service string
	Version string
}

// Fingerprinter grabs banners from live connections.
type Fingerprinter struct {
	readTimeout time.Duration
}

// New creates a fingerprinter whose reads are bounded by readTimeout.
func New(readTimeout time.Duration) *Fingerprinter {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Fingerprinter{readTimeout: readTimeout}
}

// Fingerprint reads a banner from conn, probing once if the service stays
// silent, and identifies it. Read or write failures leave the banner empty.
func (f *Fingerprinter) Fingerprint(conn net.Conn, port int) Result {
	banner := f.read(conn)
	if banner == "" {
		_ = conn.SetWriteDeadline(time.Now().Add(f.readTimeout))
		if _, err := conn.Write([]byte(ProbeFor(port))); err == nil {
			banner = f.read(conn)
		}
	}

	service, version := Identify(banner)
	return Result{Banner: banner, Service: service, Version: version}
}

func (f *Fingerprinter) read(conn net.Conn) string {
	if err := conn.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
		return ""
	}
	buf := make([]byte, MaxBannerSize)
	n, _ := conn.Read(buf)
	return Clean(buf[:n])
}

// ProbeFor returns the probe written to a silent service on port.
func ProbeFor(port int) string {
	if probe, ok := probes[port]; ok {
		return probe
	}
	return defaultProbe
}

// Clean truncates a raw banner to MaxBannerSize and trims surrounding
// whitespace.
func Clean(raw []byte) string {
	if len(raw) > MaxBannerSize {
		raw = raw[:MaxBannerSize]
	}
	return strings.TrimSpace(string(raw))
}

// Identify infers the service name and version from a banner.
func Identify(banner string) (service, version string) {
	return identifyService(banner), extractVersion(banner)
}

func identifyService(banner string) string {
	switch {
	case banner == "":
		return Unknown
	case strings.Contains(banner, "SSH"):
		return "SSH"
	case strings.Contains(banner, "HTTP"):
		return "HTTP"
	case strings.Contains(banner, "220") && strings.Contains(banner, "SMTP"):
		return "SMTP"
	case strings.Contains(banner, "220") && strings.Contains(banner, "FTP"):
		return "FTP"
	case strings.Contains(banner, "MySQL"):
		return "MySQL"
	default:
		return Unknown
	}
}

func extractVersion(banner string) string {
	for _, token := range strings.Fields(banner) {
		if versionPattern.MatchString(token) {
			return token
		}
	}
	return Unknown
}
