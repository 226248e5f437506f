package scanning

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/fingerprint"
)

const (
	MinPort = 1
	MaxPort = 65535

	// UnknownService is the service name and version of an unidentified port.
	UnknownService = fingerprint.Unknown
)

// Protocol is the transport a port is probed over.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// ParseProtocol maps a user supplied protocol name, defaulting to TCP.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	default:
		return "", errors.Validation("unsupported protocol %q", s)
	}
}

// PortState is the classified reachability of a port.
type PortState string

const (
	StateOpen           PortState = "OPEN"
	StateClosed         PortState = "CLOSED"
	StateFiltered       PortState = "FILTERED"
	StateOpenOrFiltered PortState = "OPEN_OR_FILTERED"
	StateError          PortState = "ERROR"
)

// Retryable reports whether a re-probe could produce a different answer.
func (s PortState) Retryable() bool {
	return s == StateFiltered || s == StateError
}

// ServiceInfo is the outcome of probing one port. It is not modified after
// the probe that produced it returns.
type ServiceInfo struct {
	Port                 int       `json:"port"`
	Protocol             Protocol  `json:"protocol"`
	State                PortState `json:"state"`
	ResponseTimeMillis   int64     `json:"response_time_ms"`
	Banner               string    `json:"banner,omitempty"`
	ServiceName          string    `json:"service_name"`
	Version              string    `json:"version"`
	Vulnerable           bool      `json:"vulnerable"`
	VulnerabilityDetails string    `json:"vulnerability_details,omitempty"`
	Error                string    `json:"error,omitempty"`
}

// NewServiceInfo returns an unclassified result for port.
func NewServiceInfo(port int, protocol Protocol) ServiceInfo {
	return ServiceInfo{
		Port:        port,
		Protocol:    protocol,
		ServiceName: UnknownService,
		Version:     UnknownService,
	}
}

// IsOpen reports whether the port accepted a connection or replied.
func (s ServiceInfo) IsOpen() bool {
	return s.State == StateOpen
}

// ResponseTime returns the recorded response time as a duration.
func (s ServiceInfo) ResponseTime() time.Duration {
	return time.Duration(s.ResponseTimeMillis) * time.Millisecond
}

// Key identifies the service across reports, e.g. "SSH@22/tcp".
func (s ServiceInfo) Key() string {
	return fmt.Sprintf("%s@%d/%s", s.ServiceName, s.Port, s.Protocol)
}

// Request describes one scan of one host.
type Request struct {
	Host          string        `json:"host" validate:"required"`
	StartPort     int           `json:"start_port,omitempty"`
	EndPort       int           `json:"end_port,omitempty"`
	Ports         []int         `json:"ports,omitempty" validate:"omitempty,dive,min=1,max=65535"`
	ExcludedPorts []int         `json:"excluded_ports,omitempty"`
	Protocol      Protocol      `json:"protocol" validate:"omitempty,oneof=tcp udp"`
	Timeout       time.Duration `json:"timeout" validate:"min=1ms"`
	Workers       int           `json:"workers" validate:"min=1"`
	MaxRetries    int           `json:"max_retries" validate:"min=0"`
	Profile       string        `json:"profile,omitempty"`

	// Capture banners and identify services on open ports
	ServiceDetection bool `json:"service_detection"`
}

var validate = validator.New()

// Validate checks the request before any socket is opened.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationError(err)
	}
	if strings.TrimSpace(r.Host) != r.Host || strings.ContainsAny(r.Host, " \t\r\n") {
		return errors.Validation("invalid host %q", r.Host)
	}

	if len(r.Ports) == 0 {
		if r.StartPort < MinPort || r.EndPort > MaxPort || r.StartPort > r.EndPort {
			return errors.Validation("invalid port range %d-%d (must satisfy %d <= start <= end <= %d)",
				r.StartPort, r.EndPort, MinPort, MaxPort)
		}
	}

	if len(r.TargetPorts()) == 0 {
		return errors.Validation("no ports left to scan after exclusions")
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(errors.KindValidation, "invalid scan request", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return errors.Validation("invalid scan request: %s", strings.Join(msgs, "; "))
}

// TargetPorts resolves the ports to probe: the explicit list when present,
// otherwise the range, minus exclusions and duplicates. Order follows the
// input.
func (r *Request) TargetPorts() []int {
	excluded := make(map[int]bool, len(r.ExcludedPorts))
	for _, p := range r.ExcludedPorts {
		excluded[p] = true
	}

	var ports []int
	seen := make(map[int]bool)
	add := func(p int) {
		if p < MinPort || p > MaxPort || excluded[p] || seen[p] {
			return
		}
		seen[p] = true
		ports = append(ports, p)
	}

	if len(r.Ports) > 0 {
		for _, p := range r.Ports {
			add(p)
		}
		return ports
	}

	for p := r.StartPort; p <= r.EndPort && p <= MaxPort; p++ {
		add(p)
	}
	return ports
}

// ParsePorts parses a port specification such as "22,80,8000-8010".
func ParsePorts(list string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := parsePort(lo)
			if err != nil {
				return nil, err
			}
			end, err := parsePort(hi)
			if err != nil {
				return nil, err
			}
			if start > end {
				return nil, errors.Validation("invalid port range %q: start is greater than end", part)
			}
			for p := start; p <= end; p++ {
				ports = append(ports, p)
			}
			continue
		}

		p, err := parsePort(part)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}

	if len(ports) == 0 {
		return nil, errors.Validation("empty port specification")
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Validation("invalid port %q", s)
	}
	if p < MinPort || p > MaxPort {
		return 0, errors.Validation("port %d out of range %d-%d", p, MinPort, MaxPort)
	}
	return p, nil
}
