//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// rtpMinHeaderLen is the fixed RTP header size (RFC 3550 §5.1) before any
// CSRC identifiers or extensions.
const rtpMinHeaderLen = 12

// maxDatagramSize is large enough for any RIST/RTP payload this daemon
// dispatches; UDP datagrams larger than this are a misconfiguration, not a
// protocol case to recover from.
const maxDatagramSize = 65507

// Ingest reads inbound packets from one local UDP listening socket (the
// RIST sender's compound source, upstream of the bonded dispatcher) and
// hands each one to a dispatcher.Dispatcher. It detects keyframes using
// the RTP marker bit (RFC 3550 §5.1), the same heuristic a RIST sender
// uses to flag a frame boundary worth a duplication budget spend, since
// no higher-level frame-type signal crosses the wire at this layer.
type Ingest struct {
	conn   *net.UDPConn
	disp   *dispatcher.Dispatcher
	logger *slog.Logger
}

// IngestConfig describes the local listening socket an Ingest reads from.
type IngestConfig struct {
	LocalAddr netip.Addr
	LocalPort uint16
}

// NewIngest opens a UDP listening socket and binds it to a Dispatcher.
func NewIngest(cfg IngestConfig, disp *dispatcher.Dispatcher, logger *slog.Logger) (*Ingest, error) {
	addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(cfg.LocalAddr, cfg.LocalPort))

	conn, err := net.ListenUDP(udpNetwork(cfg.LocalAddr), addr)
	if err != nil {
		return nil, fmt.Errorf("transport: open ingest socket: %w", err)
	}

	return &Ingest{
		conn:   conn,
		disp:   disp,
		logger: logger.With(slog.String("component", "transport.ingest")),
	}, nil
}

// LocalPort returns the bound listening socket's port, useful when
// IngestConfig.LocalPort was 0 and the kernel assigned one.
func (in *Ingest) LocalPort() uint16 {
	return uint16(in.conn.LocalAddr().(*net.UDPAddr).Port)
}

func udpNetwork(addr netip.Addr) string {
	if addr.Is6() && !addr.Is4In6() {
		return "udp6"
	}
	return "udp4"
}

// Run reads packets until ctx is canceled or the socket is closed,
// dispatching each one. It returns nil on a clean shutdown triggered by
// ctx cancellation (detected via Close unblocking ReadFromUDP) and any
// other read error otherwise.
func (in *Ingest) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = in.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: ingest read: %w", err)
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if _, err := in.disp.Dispatch(ctx, pkt, n, isKeyframe(pkt)); err != nil {
			if errors.Is(err, dispatcher.ErrNotLinked) {
				in.logger.Warn("transport: dropped packet, no linked output links")
				continue
			}
			in.logger.Warn("transport: dispatch failed", slog.Any("error", err))
		}
	}
}

// Close closes the ingest socket, unblocking any in-progress Run.
func (in *Ingest) Close() error {
	if err := in.conn.Close(); err != nil {
		return fmt.Errorf("transport: close ingest socket: %w", err)
	}
	return nil
}

// isKeyframe reports whether pkt's RTP marker bit is set. The marker bit
// conventionally flags the last packet of a video frame; for the access
// units this daemon cares about (keyframes triggering duplication) the
// convention is close enough without parsing the payload codec.
func isKeyframe(pkt []byte) bool {
	if len(pkt) < rtpMinHeaderLen {
		return false
	}
	const rtpVersionMask = 0xC0
	const rtpVersion2 = 0x80
	if pkt[0]&rtpVersionMask != rtpVersion2 {
		return false
	}
	const markerBit = 0x80
	return pkt[1]&markerBit != 0
}
