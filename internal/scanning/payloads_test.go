package scanning

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPPayload(t *testing.T) {
	t.Run("dns query", func(t *testing.T) {
		msg := new(dns.Msg)
		require.NoError(t, msg.Unpack(UDPPayload(53)))
		require.Len(t, msg.Question, 1)
		assert.Equal(t, dnsProbeName, msg.Question[0].Name)
		assert.Equal(t, dns.TypeA, msg.Question[0].Qtype)
		assert.True(t, msg.RecursionDesired)
		assert.False(t, msg.Response)
	})

	t.Run("snmp get request", func(t *testing.T) {
		payload := UDPPayload(161)
		require.NotEmpty(t, payload)
		assert.Equal(t, byte(0x30), payload[0], "BER sequence")
		assert.Contains(t, string(payload), snmpCommunity)
	})

	t.Run("netbios node status", func(t *testing.T) {
		payload := UDPPayload(137)
		assert.Equal(t, netbiosNodeStatus, payload)
		payload[0] = 0
		assert.NotEqual(t, byte(0), netbiosNodeStatus[0], "caller cannot mutate the template")
	})

	t.Run("default null byte", func(t *testing.T) {
		assert.Equal(t, []byte{0x00}, UDPPayload(9999))
	})
}

func TestDescribeUDPReply(t *testing.T) {
	t.Run("dns answer", func(t *testing.T) {
		query := new(dns.Msg)
		query.SetQuestion(dnsProbeName, dns.TypeA)
		reply := new(dns.Msg)
		reply.SetReply(query)
		rr, err := dns.NewRR("www.example.com. 60 IN A 192.0.2.1")
		require.NoError(t, err)
		reply.Answer = append(reply.Answer, rr)
		raw, err := reply.Pack()
		require.NoError(t, err)

		banner, service := describeUDPReply(53, raw)
		assert.Equal(t, "DNS", service)
		assert.True(t, strings.HasPrefix(banner, "DNS NOERROR"), banner)
		assert.Contains(t, banner, "192.0.2.1")
	})

	t.Run("undecodable reply is returned raw", func(t *testing.T) {
		banner, service := describeUDPReply(53, []byte("garbage"))
		assert.Empty(t, service)
		assert.Equal(t, "garbage", banner)
	})

	t.Run("netbios echo", func(t *testing.T) {
		_, service := describeUDPReply(137, append([]byte{0x80, 0xf0}, 0x84, 0x00))
		assert.Equal(t, "NetBIOS", service)
	})

	t.Run("other port", func(t *testing.T) {
		banner, service := describeUDPReply(7, []byte("echo"))
		assert.Empty(t, service)
		assert.Equal(t, "echo", banner)
	})
}
