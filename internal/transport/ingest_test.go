//go:build linux

package transport_test

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
	"github.com/rist-bonding/dispatcherd/internal/transport"
)

type recordingSender struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *recordingSender) SendPacket(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.packets = append(r.packets, cp)
	return nil
}

func (r *recordingSender) Close() error { return nil }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func TestIngestDispatchesPackets(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	disp, err := dispatcher.New(testLogger(), []dispatcher.LinkConfig{{ID: "a", InitialWeight: 1}}, []dispatcher.PacketSender{sender})
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	defer disp.Close()

	in, err := transport.NewIngest(transport.IngestConfig{LocalAddr: netip.MustParseAddr("127.0.0.1")}, disp, testLogger())
	if err != nil {
		t.Fatalf("NewIngest: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	localPort := in.LocalPort()
	conn, err := net.Dial("udp4", netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), localPort).String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello-dispatch")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("sender received %d packets, want 1", sender.count())
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() returned error after cancel: %v", err)
	}
}
