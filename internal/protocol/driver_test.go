package protocol

import (
	"net"
	"testing"
	"time"

	"relaycore/internal/frame"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func udpAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:9999")
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return addr
}

func TestInitializingEmitsHelloUntilFirstInbound(t *testing.T) {
	now := time.Now()
	key := testKey()
	a := New(udpAddr(t), key, now, 10*time.Second)
	b := New(udpAddr(t), key, now, 10*time.Second)

	out, err := a.BuildOutbound(now)
	if err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one outbound datagram, got %d", len(out))
	}
	if a.State() != StateInitializing {
		t.Fatalf("sender should still be Initializing before any reply")
	}

	if _, _, err := b.HandleInbound(out[0][1:], now); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if b.State() != StateConnected {
		t.Fatalf("receiver should transition to Connected on first frame")
	}
}

func TestEnqueueAndDeliverReliableCommand(t *testing.T) {
	now := time.Now()
	key := testKey()
	a := New(udpAddr(t), key, now, 10*time.Second)
	b := New(udpAddr(t), key, now, 10*time.Second)

	a.EnqueueReliable([]byte("create-object"))
	out, err := a.BuildOutbound(now)
	if err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one datagram, got %d", len(out))
	}

	reliable, _, err := b.HandleInbound(out[0][1:], now)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(reliable) != 1 || string(reliable[0]) != "create-object" {
		t.Fatalf("expected delivered command, got %v", reliable)
	}
}

func TestDuplicateFrameNotRedelivered(t *testing.T) {
	now := time.Now()
	key := testKey()
	a := New(udpAddr(t), key, now, 10*time.Second)
	b := New(udpAddr(t), key, now, 10*time.Second)

	a.EnqueueReliable([]byte("x"))
	out, _ := a.BuildOutbound(now)
	datagram := append([]byte(nil), out[0]...)

	reliable, _, err := b.HandleInbound(datagram[1:], now)
	if err != nil || len(reliable) != 1 {
		t.Fatalf("first delivery failed: %v %v", reliable, err)
	}
	reliable, _, err = b.HandleInbound(datagram[1:], now)
	if err != nil {
		t.Fatalf("HandleInbound on duplicate: %v", err)
	}
	if len(reliable) != 0 {
		t.Fatalf("expected duplicate frame to not redeliver, got %v", reliable)
	}
}

func TestDisconnectTimeout(t *testing.T) {
	now := time.Now()
	key := testKey()
	d := New(udpAddr(t), key, now, 5*time.Millisecond)
	later := now.Add(50 * time.Millisecond)
	if _, err := d.BuildOutbound(later); err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	if d.State() != StateDisconnected {
		t.Fatalf("expected Disconnected after timeout")
	}
	if d.DisconnectReason() != frame.ReasonTimeout {
		t.Fatalf("expected ReasonTimeout, got %v", d.DisconnectReason())
	}
}

func TestAckReleasesRetransmitQueue(t *testing.T) {
	now := time.Now()
	key := testKey()
	a := New(udpAddr(t), key, now, 10*time.Second)
	b := New(udpAddr(t), key, now, 10*time.Second)

	a.EnqueueReliable([]byte("y"))
	out, _ := a.BuildOutbound(now)
	if _, _, err := b.HandleInbound(out[0][1:], now); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	// b's next outbound frame carries an Acks header covering a's frame 0.
	bOut, err := b.BuildOutbound(now)
	if err != nil {
		t.Fatalf("BuildOutbound: %v", err)
	}
	if len(bOut) != 1 {
		t.Fatalf("expected b to emit an ack frame")
	}
	if _, _, err := a.HandleInbound(bOut[0][1:], now); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if a.retransmit.Len() != 0 {
		t.Fatalf("expected a's retransmit queue to be empty after ack, got %d", a.retransmit.Len())
	}
}
