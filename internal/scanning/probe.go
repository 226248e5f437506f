package scanning

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/fingerprint"
)

const defaultUDPReadSize = 4096

// Prober performs one classified connection attempt against a port.
// Implementations never retry and release every socket before returning.
type Prober interface {
	Probe(ctx context.Context, host string, port int, timeout time.Duration) ServiceInfo
}

// ProbeOptions tune probe behavior.
type ProbeOptions struct {
	// Capture a banner and identify the service on open TCP ports
	ServiceDetection bool

	// Bound on each banner read
	BannerTimeout time.Duration

	// Receive buffer for UDP replies
	UDPReadSize int
}

// NewProber returns the prober for protocol.
func NewProber(protocol Protocol, opts ProbeOptions) Prober {
	if protocol == ProtocolUDP {
		return NewUDPProber(opts)
	}
	return NewTCPProber(opts)
}

// TCPProber classifies ports with a full connect.
type TCPProber struct {
	opts          ProbeOptions
	fingerprinter *fingerprint.Fingerprinter
}

// NewTCPProber creates a TCP prober.
func NewTCPProber(opts ProbeOptions) *TCPProber {
	return &TCPProber{
		opts:          opts,
		fingerprinter: fingerprint.New(opts.BannerTimeout),
	}
}

// Probe connects to host:port. A completed handshake is OPEN, a refusal is
// CLOSED, no answer within timeout is FILTERED and anything else is ERROR.
// A missing banner never changes an OPEN classification.
func (p *TCPProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) ServiceInfo {
	info := NewServiceInfo(port, ProtocolTCP)
	dialer := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	info.ResponseTimeMillis = time.Since(start).Milliseconds()
	if err != nil {
		info.State = classifyTCPError(err)
		if info.State == StateError {
			info.setProbeError(host, "dial", err)
		}
		return info
	}
	defer conn.Close()

	info.State = StateOpen
	if p.opts.ServiceDetection {
		res := p.fingerprinter.Fingerprint(conn, port)
		info.Banner = res.Banner
		info.ServiceName = res.Service
		info.Version = res.Version
	}
	return info
}

// setProbeError records a per-port failure on the result. It is never
// returned, so one bad port cannot fail the scan.
func (s *ServiceInfo) setProbeError(host, op string, err error) {
	s.Error = errors.Probe(host, s.Port, err).WithOperation(op).Error()
}

func classifyTCPError(err error) PortState {
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return StateClosed
	case isTimeout(err):
		return StateFiltered
	default:
		return StateError
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

// UDPProber classifies ports by sending a datagram and waiting for a reply.
type UDPProber struct {
	opts ProbeOptions
}

// NewUDPProber creates a UDP prober.
func NewUDPProber(opts ProbeOptions) *UDPProber {
	if opts.UDPReadSize <= 0 {
		opts.UDPReadSize = defaultUDPReadSize
	}
	return &UDPProber{opts: opts}
}

// Probe sends the port's payload and waits up to timeout for a reply. A
// reply is OPEN, silence is OPEN_OR_FILTERED, an ICMP port unreachable
// (surfaced as a refused read on the connected socket) is CLOSED and any
// other failure is ERROR.
func (p *UDPProber) Probe(ctx context.Context, host string, port int, timeout time.Duration) ServiceInfo {
	info := NewServiceInfo(port, ProtocolUDP)
	dialer := net.Dialer{Timeout: timeout}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		info.ResponseTimeMillis = time.Since(start).Milliseconds()
		info.State = StateError
		info.setProbeError(host, "dial", err)
		return info
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		info.State = StateError
		info.setProbeError(host, "deadline", err)
		return info
	}

	if _, err := conn.Write(UDPPayload(port)); err != nil {
		info.ResponseTimeMillis = time.Since(start).Milliseconds()
		info.State = classifyUDPError(err)
		if info.State == StateError {
			info.setProbeError(host, "write", err)
		}
		return info
	}

	buf := make([]byte, p.opts.UDPReadSize)
	n, err := conn.Read(buf)
	info.ResponseTimeMillis = time.Since(start).Milliseconds()
	if err != nil {
		info.State = classifyUDPError(err)
		if info.State == StateError {
			info.setProbeError(host, "read", err)
		}
		return info
	}

	info.State = StateOpen
	banner, service := describeUDPReply(port, buf[:n])
	info.Banner = fingerprint.Clean([]byte(banner))
	if service != "" {
		info.ServiceName = service
	} else {
		info.ServiceName, info.Version = fingerprint.Identify(info.Banner)
	}
	return info
}

func classifyUDPError(err error) PortState {
	switch {
	case stderrors.Is(err, syscall.ECONNREFUSED):
		return StateClosed
	case isTimeout(err):
		return StateOpenOrFiltered
	default:
		return StateError
	}
}
