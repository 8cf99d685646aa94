//go:build linux

// Package transport provides the UDP egress implementation of
// dispatcher.PacketSender, one instance per bonded RIST output link. It
// adapts internal/netio/sender.go's SO_BINDTODEVICE/IP_TTL socket setup:
// where a BFD sender binds to one LAG member interface, a RIST output
// sender binds to one bonded egress interface, so the kernel routes each
// session's packets out the intended physical path regardless of the
// default route table.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ttlRequired matches internal/netio's GTSM-style TTL/hop-limit of 255.
// RIST has no GTSM requirement of its own, but there is no reason to send
// bonded output with a lower TTL than the rest of the daemon's sockets.
const ttlRequired = 255

// ErrSocketClosed indicates a send was attempted after Close.
var ErrSocketClosed = errors.New("transport: socket closed")

// ErrUnexpectedConnType indicates net.ListenPacket returned a connection
// type this package cannot configure with socket options.
var ErrUnexpectedConnType = errors.New("transport: unexpected connection type from ListenPacket")

// UDPLinkSender implements dispatcher.PacketSender for one bonded RIST
// output link: a UDP socket bound to a local address (and, when Interface
// is set, to a specific egress NIC via SO_BINDTODEVICE) sending to one
// fixed remote address.
type UDPLinkSender struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Config describes one UDP output link's transport parameters.
type Config struct {
	// LocalAddr is the address to bind the sending socket to. Use the
	// unspecified address (0.0.0.0 or ::) to let the kernel choose, which
	// is usually wrong when Interface pins a specific egress NIC.
	LocalAddr netip.Addr
	// LocalPort is the source port; 0 lets the kernel assign one.
	LocalPort uint16
	// RemoteAddr and RemotePort address the RIST receiver for this link.
	RemoteAddr netip.Addr
	RemotePort uint16
	// Interface, if non-empty, binds the socket to this egress NIC via
	// SO_BINDTODEVICE, overriding routing-table selection the same way
	// RFC 7130 micro-BFD pins each session to its LAG member.
	Interface string
	// DFBit sets the Don't Fragment bit, useful for path MTU discovery
	// across a bonded link whose MTU may differ from the default route.
	DFBit bool
}

// NewUDPLinkSender opens and configures the sending socket for one bonded
// output link.
func NewUDPLinkSender(cfg Config, logger *slog.Logger) (*UDPLinkSender, error) {
	isIPv6 := cfg.LocalAddr.Is6() && !cfg.LocalAddr.Is4In6()

	conn, err := dialLinkSocket(cfg, isIPv6)
	if err != nil {
		return nil, fmt.Errorf("transport: open output link socket: %w", err)
	}

	remote := net.UDPAddrFromAddrPort(netip.AddrPortFrom(cfg.RemoteAddr, cfg.RemotePort))

	return &UDPLinkSender{
		conn:   conn,
		remote: remote,
		logger: logger.With(
			slog.String("component", "transport.udp"),
			slog.String("remote", remote.String()),
			slog.String("interface", cfg.Interface),
		),
	}, nil
}

func dialLinkSocket(cfg Config, isIPv6 bool) (*net.UDPConn, error) {
	laddr := netip.AddrPortFrom(cfg.LocalAddr, cfg.LocalPort)

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setLinkSockOpts(c, isIPv6, cfg.DFBit, cfg.Interface)
		},
	}

	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen UDP %s: %w: %w", laddr, ErrUnexpectedConnType, closeErr)
	}
	return conn, nil
}

func setLinkSockOpts(c syscall.RawConn, isIPv6, dfBit bool, bindDevice string) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setLinkFDOpts(int(fd), isIPv6, dfBit, bindDevice)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func setLinkFDOpts(fd int, isIPv6, dfBit bool, bindDevice string) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	if bindDevice != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, bindDevice); err != nil {
			return fmt.Errorf("set SO_BINDTODEVICE(%s): %w", bindDevice, err)
		}
	}

	if isIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttlRequired); err != nil {
			return fmt.Errorf("set IPV6_UNICAST_HOPS: %w", err)
		}
		if dfBit {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_DONTFRAG, 1); err != nil {
				return fmt.Errorf("set IPV6_DONTFRAG: %w", err)
			}
		}
		return nil
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttlRequired); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	if dfBit {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			return fmt.Errorf("set IP_PMTUDISC_DO: %w", err)
		}
	}
	return nil
}

// SendPacket implements dispatcher.PacketSender.
func (s *UDPLinkSender) SendPacket(_ context.Context, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", s.remote, ErrSocketClosed)
	}
	s.mu.Unlock()

	if _, err := s.conn.WriteToUDP(payload, s.remote); err != nil {
		return fmt.Errorf("send to %s: %w", s.remote, err)
	}
	return nil
}

// Close implements dispatcher.PacketSender.
func (s *UDPLinkSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close output link socket: %w", err)
	}
	return nil
}
