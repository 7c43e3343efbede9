package ssdp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePacket(t *testing.T) {
	pkt, err := ParsePacket([]byte("NOTIFY * HTTP/1.1\r\nnt: urn:dial-multiscreen-org:service:dial:1\r\nNTS: ssdp:byebye\r\nUSN: uuid:abc-123::urn:dial-multiscreen-org:service:dial:1\r\n\r\n"))
	require.NoError(t, err)

	assert.Equal(t, MethodNotify, pkt.Method)
	assert.Equal(t, "urn:dial-multiscreen-org:service:dial:1", pkt.Target())
	assert.Equal(t, "abc-123", pkt.UUID())
	assert.True(t, pkt.IsByeBye())

	pkt, err = ParsePacket([]byte("HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\nUSN: uuid:only-uuid\r\nLocation: http://10.0.0.5:1400/xml\r\n\r\n"))
	require.NoError(t, err)

	assert.Empty(t, pkt.Method)
	assert.Equal(t, "upnp:rootdevice", pkt.Target())
	assert.Equal(t, "only-uuid", pkt.UUID())
	assert.Equal(t, "http://10.0.0.5:1400/xml", pkt.Location())
	assert.False(t, pkt.IsByeBye())
}

func TestParsePacketErrors(t *testing.T) {
	_, err := ParsePacket([]byte("HTTP/1.1 404 Not Found\r\n\r\n"))
	assert.Error(t, err)

	_, err = ParsePacket([]byte(""))
	assert.Error(t, err)

	pkt, err := ParsePacket([]byte("HTTP/1.1 200 OK\r\nUSN: no-uuid-here\r\n\r\n"))
	require.NoError(t, err)
	assert.Empty(t, pkt.UUID())
}

func TestSearchMessage(t *testing.T) {
	msg := string(SearchMessage("urn:schemas-upnp-org:device:MediaRenderer:1", 2*time.Second, "test/1.0"))

	assert.True(t, strings.HasPrefix(msg, "M-SEARCH * HTTP/1.1\r\n"))
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n"))

	pkt, err := ParsePacket([]byte(msg))
	require.NoError(t, err)
	assert.Equal(t, MethodSearch, pkt.Method)
	assert.Equal(t, "urn:schemas-upnp-org:device:MediaRenderer:1", pkt.Target())
	assert.Equal(t, "2", pkt.Header.Get("MX"))
	assert.Equal(t, `"ssdp:discover"`, pkt.Header.Get("MAN"))
}
