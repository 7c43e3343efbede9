package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"golang.org/x/net/ipv4"
)

const maxDatagramSize = 8192

type Datagram struct {
	Data   []byte
	Source *net.UDPAddr
}

// Client sends searches and receives SSDP traffic.
type Client interface {
	// Search sends an M-SEARCH to dst, or to the multicast group if dst is nil.
	Search(target string, dst *net.UDPAddr) error
	// Receive blocks until a datagram arrives or the client is closed.
	Receive() (Datagram, error)
	Close() error
}

var ErrClientClosed = errors.New("ssdp client closed")

type multicastClient struct {
	log castkit.Logger

	unicast *net.UDPConn
	group   *ipv4.PacketConn

	recv chan Datagram
	errs chan error
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Listen opens the search socket and joins the SSDP group on the given
// interfaces, or on every multicast capable interface if none are given.
// Failing to join the group is not fatal, searches still work.
func Listen(log castkit.Logger, ifaces []net.Interface) (Client, error) {
	unicast, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed opening search socket: %w", err)
	}

	c := &multicastClient{
		log:     log,
		unicast: unicast,
		recv:    make(chan Datagram),
		errs:    make(chan error, 2),
		done:    make(chan struct{}),
	}

	c.group, err = joinGroup(ifaces)
	if err != nil {
		log.WithError(err).Warnf("cannot listen for ssdp notifications, only searching")
	}

	c.wg.Add(1)
	go c.readLoop(unicast)
	if c.group != nil {
		c.wg.Add(1)
		go c.readLoop(groupReader{c.group})
	}

	return c, nil
}

func joinGroup(ifaces []net.Interface) (*ipv4.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", MulticastPort))
	if err != nil {
		return nil, fmt.Errorf("failed binding ssdp port: %w", err)
	}

	if len(ifaces) == 0 {
		ifaces, err = net.Interfaces()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed listing interfaces: %w", err)
		}
	}

	pc := ipv4.NewPacketConn(conn)

	var joined int
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		if err := pc.JoinGroup(&iface, multicastGroup); err == nil {
			joined++
		}
	}

	if joined == 0 {
		_ = pc.Close()
		return nil, fmt.Errorf("no interface joined %s", MulticastAddress)
	}

	return pc, nil
}

type packetReader interface {
	ReadFrom(b []byte) (int, net.Addr, error)
}

type groupReader struct{ *ipv4.PacketConn }

func (r groupReader) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, addr, err := r.PacketConn.ReadFrom(b)
	return n, addr, err
}

func (c *multicastClient) readLoop(r packetReader) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := r.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.done:
			case c.errs <- fmt.Errorf("failed reading ssdp socket: %w", err):
			}
			return
		}

		udpAddr, _ := addr.(*net.UDPAddr)
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case c.recv <- Datagram{Data: data, Source: udpAddr}:
		case <-c.done:
			return
		}
	}
}

func (c *multicastClient) Search(target string, dst *net.UDPAddr) error {
	if dst == nil {
		dst = multicastGroup
	}

	msg := SearchMessage(target, searchMX, castkit.UserAgent())
	if _, err := c.unicast.WriteToUDP(msg, dst); err != nil {
		return fmt.Errorf("failed sending search to %s: %w", dst, err)
	}

	c.log.Tracef("sent ssdp search for %s to %s", target, dst)
	return nil
}

func (c *multicastClient) Receive() (Datagram, error) {
	select {
	case d := <-c.recv:
		return d, nil
	case err := <-c.errs:
		return Datagram{}, err
	case <-c.done:
		return Datagram{}, ErrClientClosed
	}
}

func (c *multicastClient) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.unicast.Close()
		if c.group != nil {
			_ = c.group.Close()
		}
	})

	c.wg.Wait()
	return nil
}
