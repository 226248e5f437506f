package scanning

import (
	"fmt"
	"strings"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
)

const (
	dnsPort     = 53
	netbiosPort = 137
	snmpPort    = 161

	dnsProbeID     = 0x1234
	dnsProbeName   = "www.example.com."
	snmpCommunity  = "public"
	snmpSysDescr   = ".1.3.6.1.2.1.1.1.0"
	snmpProbeReqID = 0x1234
)

// netbiosNodeStatus is a NetBIOS node status request for the wildcard name.
var netbiosNodeStatus = []byte{
	0x80, 0xf0, 0x00, 0x10, 0x00, 0x01, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x20, 0x43, 0x4b, 0x41,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
	0x41, 0x41, 0x41, 0x41, 0x41, 0x00, 0x00, 0x21,
	0x00, 0x01,
}

// UDPPayload returns the datagram sent to port. Well-known services get a
// request they will answer; everything else gets a single null byte.
func UDPPayload(port int) []byte {
	switch port {
	case dnsPort:
		if b, err := dnsQuery(); err == nil {
			return b
		}
	case snmpPort:
		if b, err := snmpGetRequest(); err == nil {
			return b
		}
	case netbiosPort:
		out := make([]byte, len(netbiosNodeStatus))
		copy(out, netbiosNodeStatus)
		return out
	}
	return []byte{0x00}
}

func dnsQuery() ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dnsProbeName, dns.TypeA)
	m.Id = dnsProbeID
	m.RecursionDesired = true
	return m.Pack()
}

func snmpGetRequest() ([]byte, error) {
	packet := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: snmpCommunity,
		PDUType:   gosnmp.GetRequest,
		RequestID: snmpProbeReqID,
		Variables: []gosnmp.SnmpPDU{
			{Name: snmpSysDescr, Type: gosnmp.Null},
		},
	}
	return packet.MarshalMsg()
}

// describeUDPReply turns a reply from a well-known port into a readable
// banner and service name. Replies that do not decode are returned as is.
func describeUDPReply(port int, reply []byte) (banner, service string) {
	switch port {
	case dnsPort:
		msg := new(dns.Msg)
		if err := msg.Unpack(reply); err == nil && msg.Response {
			return describeDNS(msg), "DNS"
		}
	case snmpPort:
		decoder := &gosnmp.GoSNMP{Version: gosnmp.Version2c, Community: snmpCommunity}
		if packet, err := decoder.SnmpDecodePacket(reply); err == nil {
			return describeSNMP(packet), "SNMP"
		}
	case netbiosPort:
		if len(reply) >= 2 && reply[0] == netbiosNodeStatus[0] && reply[1] == netbiosNodeStatus[1] {
			return string(reply), "NetBIOS"
		}
	}
	return string(reply), ""
}

func describeDNS(msg *dns.Msg) string {
	parts := []string{"DNS " + dns.RcodeToString[msg.Rcode]}
	for _, rr := range msg.Answer {
		parts = append(parts, rr.String())
	}
	return strings.Join(parts, "; ")
}

func describeSNMP(packet *gosnmp.SnmpPacket) string {
	for _, v := range packet.Variables {
		if b, ok := v.Value.([]byte); ok {
			return fmt.Sprintf("SNMP %s %s", packet.Version, string(b))
		}
	}
	return fmt.Sprintf("SNMP %s response", packet.Version)
}
