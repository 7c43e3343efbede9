package ssdp

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strings"
	"time"
)

const (
	MulticastAddress = "239.255.255.250"
	MulticastPort    = 1900

	MethodNotify = "NOTIFY"
	MethodSearch = "M-SEARCH"

	NotifyAlive  = "ssdp:alive"
	NotifyByeBye = "ssdp:byebye"
)

var multicastGroup = &net.UDPAddr{IP: net.ParseIP(MulticastAddress), Port: MulticastPort}

var uuidRegex = regexp.MustCompile(`uuid:(.+?)(?:::|$)`)

// Packet is a parsed SSDP datagram: a NOTIFY, an M-SEARCH or a search response.
type Packet struct {
	// Method is empty for search responses.
	Method string
	Header textproto.MIMEHeader
}

// ParsePacket parses the HTTP-over-UDP framing used by SSDP.
func ParsePacket(data []byte) (*Packet, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))

	line, err := r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("failed reading start line: %w", err)
	}

	var pkt Packet
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed start line: %q", line)
	}

	if strings.HasPrefix(parts[0], "HTTP/") {
		if parts[1] != "200" {
			return nil, fmt.Errorf("unexpected response status: %s", parts[1])
		}
	} else {
		pkt.Method = strings.ToUpper(parts[0])
	}

	pkt.Header, err = r.ReadMIMEHeader()
	if err != nil && len(pkt.Header) == 0 {
		return nil, fmt.Errorf("failed reading headers: %w", err)
	}

	return &pkt, nil
}

// Target is the search target the packet refers to.
func (p *Packet) Target() string {
	if p.Method == MethodNotify {
		return p.Header.Get("NT")
	}
	return p.Header.Get("ST")
}

// UUID extracts the device UUID from the USN header.
func (p *Packet) UUID() string {
	m := uuidRegex.FindStringSubmatch(p.Header.Get("USN"))
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func (p *Packet) IsByeBye() bool {
	return p.Method == MethodNotify && strings.EqualFold(p.Header.Get("NTS"), NotifyByeBye)
}

func (p *Packet) Location() string {
	return p.Header.Get("LOCATION")
}

// SearchMessage builds an M-SEARCH request for the given target.
func SearchMessage(target string, mx time.Duration, userAgent string) []byte {
	var b bytes.Buffer
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	_, _ = fmt.Fprintf(&b, "HOST: %s:%d\r\n", MulticastAddress, MulticastPort)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	_, _ = fmt.Fprintf(&b, "MX: %d\r\n", int(mx/time.Second))
	_, _ = fmt.Fprintf(&b, "ST: %s\r\n", target)
	if len(userAgent) > 0 {
		_, _ = fmt.Fprintf(&b, "USER-AGENT: %s\r\n", userAgent)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
