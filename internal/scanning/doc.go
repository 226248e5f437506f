// Package scanning provides the port probing layer of portscope.
//
// # Overview
//
// A scan is described by a Request, which names one host plus either an
// explicit port list or a start/end range. Request.Validate rejects bad
// input before any socket is opened and Request.TargetPorts resolves the
// final, de-duplicated port set after exclusions.
//
// Each port is classified by a Prober into a ServiceInfo:
//
//   - TCPProber performs a full connect. OPEN on a completed handshake,
//     CLOSED on a refusal, FILTERED when nothing answers within the timeout,
//     ERROR on any other failure. Open ports are handed to the fingerprint
//     package for banner capture when service detection is enabled.
//   - UDPProber sends a protocol-appropriate datagram (DNS query, SNMP
//     GetRequest, NetBIOS node status, or a single null byte) and waits for
//     a reply. A reply is OPEN, silence is OPEN_OR_FILTERED and an ICMP port
//     unreachable is CLOSED.
//
// Probers never retry. Retry policy belongs to the orchestrator, which asks
// the adaptive engine how many attempts a host deserves.
//
// # Resource limits
//
// FixedResourceManager caps how many scans may run at once. Every probe
// socket is closed on all exit paths, so the per-scan worker count is the
// only other bound on open file descriptors.
//
// # Usage
//
//	req := &scanning.Request{
//		Host:      "192.0.2.10",
//		StartPort: 1,
//		EndPort:   1024,
//		Timeout:   500 * time.Millisecond,
//		Workers:   50,
//	}
//	if err := req.Validate(); err != nil {
//		return err
//	}
//
//	prober := scanning.NewProber(scanning.ProtocolTCP, scanning.ProbeOptions{
//		ServiceDetection: true,
//		BannerTimeout:    2 * time.Second,
//	})
//	for _, port := range req.TargetPorts() {
//		info := prober.Probe(ctx, req.Host, port, req.Timeout)
//		fmt.Println(info.Port, info.State, info.ServiceName)
//	}
package scanning
