package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"relaycore/internal/frame"
	"relaycore/internal/room"
	"relaycore/internal/server"
)

func key(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

// fakeClient drives one raw UDP peer against the manager without going
// through internal/protocol, so the test exercises the manager's own
// routing/reassembly/reliability wiring rather than a second copy of the
// driver state machine.
type fakeClient struct {
	t       *testing.T
	conn    *net.UDPConn
	key     [32]byte
	frameID uint64
}

func newFakeClient(t *testing.T, serverAddr net.Addr, k [32]byte) *fakeClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, serverAddr.(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeClient{t: t, conn: conn, key: k}
}

func (c *fakeClient) send(t *testing.T, headers []frame.Header, reliable [][]byte) {
	t.Helper()
	dg, err := frame.Marshal(c.key, c.frameID, headers, reliable, nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.frameID++
	if _, err := c.conn.Write(dg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// recvCommands polls for inbound datagrams until at least one matching
// predicate is found, or deadline elapses.
func (c *fakeClient) recvCommands(t *testing.T, timeout time.Duration) []room.Command {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out []room.Command
	buf := make([]byte, 65535)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if err != nil {
			continue
		}
		if n < 1 || buf[0] != frame.DatagramFrame {
			continue
		}
		f, err := frame.Parse(c.key, buf[1:n])
		if err != nil {
			continue
		}
		for _, encoded := range append(append([][]byte{}, f.Reliable...), f.Unreliable...) {
			cmd, err := room.DecodeCommand(encoded)
			if err == nil {
				out = append(out, cmd)
			}
		}
	}
	return out
}

func startManager(t *testing.T) (*server.Manager, context.CancelFunc) {
	t.Helper()
	m, err := server.New("127.0.0.1:0", 5*time.Millisecond, 2*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, cancel
}

func TestAttachAndReplicateObjectCreation(t *testing.T) {
	m, _ := startManager(t)

	const roomID room.RoomID = 1
	const groups room.AccessGroups = 0b10_0000

	if _, err := m.CreateRoom(roomID, room.Template{Name: "arena"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	keyA, keyB := key(1), key(2)
	if err := m.AttachMember(roomID, 1, keyA, groups); err != nil {
		t.Fatalf("AttachMember A: %v", err)
	}
	if err := m.AttachMember(roomID, 2, keyB, groups); err != nil {
		t.Fatalf("AttachMember B: %v", err)
	}

	a := newFakeClient(t, m.LocalAddr(), keyA)
	b := newFakeClient(t, m.LocalAddr(), keyB)

	attach := func(c *fakeClient, memberID uint16) {
		c.send(t, []frame.Header{
			frame.Hello{},
			frame.MemberAndRoom{RoomID: uint64(roomID), MemberID: memberID},
		}, [][]byte{room.EncodeCommand(room.Command{Type: room.CmdAttachToRoom})})
	}
	attach(a, 1)
	attach(b, 2)

	// Give the scheduler a few ticks to process the attach frames before A
	// creates the object, so B is already eligible for the fan-out.
	time.Sleep(30 * time.Millisecond)

	objID := room.ObjectID{Owner: room.Owner{Kind: room.OwnerMember, Member: 1}, Local: 512}
	a.send(t, nil, [][]byte{
		room.EncodeCommand(room.Command{Type: room.CmdCreateObject, Object: objID, Field: 123, Groups: groups}),
	})
	a.send(t, nil, [][]byte{
		room.EncodeCommand(room.Command{Type: room.CmdCreatedObject, Object: objID}),
	})

	cmds := b.recvCommands(t, 500*time.Millisecond)
	var sawCreated bool
	for _, cmd := range cmds {
		if cmd.Type == room.CmdCreatedObject && cmd.Object == objID {
			sawCreated = true
		}
	}
	if !sawCreated {
		t.Fatalf("member B never observed CreatedObject for %v; got %+v", objID, cmds)
	}

	r, ok := m.Room(roomID)
	if !ok {
		t.Fatalf("room %d missing", roomID)
	}
	stats := r.Stats()
	if stats.Objects != 1 {
		t.Fatalf("expected 1 object in room, got %d", stats.Objects)
	}
}

func TestDetachMemberForgetsAddress(t *testing.T) {
	m, _ := startManager(t)
	const roomID room.RoomID = 7
	if _, err := m.CreateRoom(roomID, room.Template{Name: "t"}); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	k := key(9)
	if err := m.AttachMember(roomID, 1, k, 1); err != nil {
		t.Fatalf("AttachMember: %v", err)
	}
	c := newFakeClient(t, m.LocalAddr(), k)
	c.send(t, []frame.Header{frame.Hello{}, frame.MemberAndRoom{RoomID: uint64(roomID), MemberID: 1}},
		[][]byte{room.EncodeCommand(room.Command{Type: room.CmdAttachToRoom})})
	time.Sleep(30 * time.Millisecond)

	if err := m.DetachMember(roomID, 1); err != nil {
		t.Fatalf("DetachMember: %v", err)
	}
	r, _ := m.Room(roomID)
	_, _, status, ok := r.Member(1)
	if !ok || status != room.StatusDetached {
		t.Fatalf("expected member detached, got status=%v ok=%v", status, ok)
	}
}

func TestCreateRoomRejectsDuplicate(t *testing.T) {
	m, _ := startManager(t)
	if _, err := m.CreateRoom(1, room.Template{Name: "a"}); err != nil {
		t.Fatalf("first CreateRoom: %v", err)
	}
	if _, err := m.CreateRoom(1, room.Template{Name: "a"}); err != server.ErrRoomExists {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}
}
