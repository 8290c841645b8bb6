// Package server is the UDP socket I/O manager: a single socket receives
// all datagrams, a first MemberAndRoom header maps a source address to a
// (room, member) pair, the socket read goroutine applies each decoded
// command to its room as it arrives (there is no inbound queue), and a
// fixed-tick scheduler drains each member's outbound queue and emits any
// frames due for send (spec.md §4.7/§5). Grounded on the teacher's server.go Run(ctx)/graceful
// shutdown shape, re-targeted from an HTTPS/WebSocket listener to a raw
// net.ListenUDP read loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"relaycore/internal/channel"
	"relaycore/internal/frame"
	"relaycore/internal/protocol"
	"relaycore/internal/relaymetrics"
	"relaycore/internal/room"
)

// DefaultTick is the scheduler's fixed tick rate (spec.md §4.7, 60 Hz).
const DefaultTick = time.Second / 60

// DefaultDisconnectTimeout is how long a peer may go silent before the
// protocol driver declares it disconnected (spec.md §4.3).
const DefaultDisconnectTimeout = 10 * time.Second

// segmentTTL bounds how long an incomplete segmented frame is buffered
// before being dropped (spec.md §4.2).
const segmentTTL = 5 * time.Second

var (
	// ErrRoomExists is returned by CreateRoom for a room id already in use.
	ErrRoomExists = errors.New("server: room already exists")
	// ErrRoomNotFound is returned when a room id is unknown.
	ErrRoomNotFound = errors.New("server: room not found")
)

// peerState is the server-side bookkeeping for one UDP address once it
// has been mapped to a (room, member) pair: the protocol driver, the
// receive-side channel reorderer, and a segment reassembler, all scoped
// to this one peer.
type peerState struct {
	addr         *net.UDPAddr
	driver       *protocol.Driver
	orderer      *channel.Orderer
	reassembler  *frame.Reassembler
	roomID       room.RoomID
	memberID     room.MemberID
	lastRTTProbe time.Time
}

// roomRuntime pairs a room engine with the live peer states of its
// members. Unlike Room's own mutex (which guards object/field state),
// peers guards only the address-routing and driver bookkeeping, which
// the socket read goroutine and the scheduler goroutine both touch.
type roomRuntime struct {
	room  *room.Room
	mu    sync.Mutex
	peers map[room.MemberID]*peerState
}

// Manager owns the UDP socket, the room registry, and the tick scheduler.
type Manager struct {
	conn *net.UDPConn

	mu          sync.RWMutex
	rooms       map[room.RoomID]*roomRuntime
	peersByAddr map[string]*peerState

	tick              time.Duration
	disconnectTimeout time.Duration

	rttMarker atomic.Uint32
	metrics   *relaymetrics.Metrics
}

// SetMetrics attaches a relaymetrics.Metrics sink; hot-path counters and
// histograms are incremented from here on. Metrics stay nil-safe so a
// Manager built without SetMetrics runs with counting disabled.
func (m *Manager) SetMetrics(metrics *relaymetrics.Metrics) {
	m.metrics = metrics
}

// rttProbeInterval is how often the server asks a peer to echo an RTT
// sample (spec.md §4.3: RTT estimation is optional and sender-initiated).
const rttProbeInterval = 2 * time.Second

// New creates a manager bound to addr (e.g. ":9000"). The socket is
// opened immediately so CreateRoom/AttachMember can be called before Run.
func New(addr string, tick, disconnectTimeout time.Duration) (*Manager, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %q: %w", addr, err)
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	if disconnectTimeout <= 0 {
		disconnectTimeout = DefaultDisconnectTimeout
	}
	return &Manager{
		conn:              conn,
		rooms:             make(map[room.RoomID]*roomRuntime),
		peersByAddr:       make(map[string]*peerState),
		tick:              tick,
		disconnectTimeout: disconnectTimeout,
	}, nil
}

// LocalAddr reports the bound UDP address, useful when addr was ":0".
func (m *Manager) LocalAddr() net.Addr { return m.conn.LocalAddr() }

// CreateRoom registers a new, empty room.
func (m *Manager) CreateRoom(id room.RoomID, tmpl room.Template) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[id]; exists {
		return nil, ErrRoomExists
	}
	r := room.New(id, tmpl)
	m.rooms[id] = &roomRuntime{room: r, peers: make(map[room.MemberID]*peerState)}
	log.Printf("[server] room %d created (template=%q)", id, tmpl.Name)
	return r, nil
}

// DestroyRoom tears down a room and every peer address mapped to it.
func (m *Manager) DestroyRoom(id room.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	rr.mu.Lock()
	for _, p := range rr.peers {
		delete(m.peersByAddr, p.addr.String())
	}
	rr.mu.Unlock()
	delete(m.rooms, id)
	log.Printf("[server] room %d destroyed", id)
	return nil
}

// Room returns the live room engine for id, for admin inspection.
func (m *Manager) Room(id room.RoomID) (*room.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rr, ok := m.rooms[id]
	if !ok {
		return nil, false
	}
	return rr.room, true
}

// RoomIDs snapshots every currently-registered room id.
func (m *Manager) RoomIDs() []room.RoomID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]room.RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// RoomCount reports the number of active rooms (relaymetrics.StatsSource).
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RoomStats snapshots every room's counters, keyed by room id
// (relaymetrics.StatsSource).
func (m *Manager) RoomStats() map[uint64]relaymetrics.RoomStats {
	m.mu.RLock()
	rooms := make([]*roomRuntime, 0, len(m.rooms))
	ids := make([]room.RoomID, 0, len(m.rooms))
	for id, rr := range m.rooms {
		rooms = append(rooms, rr)
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[uint64]relaymetrics.RoomStats, len(rooms))
	for i, rr := range rooms {
		s := rr.room.Stats()
		out[uint64(ids[i])] = relaymetrics.RoomStats{Objects: s.Objects, AttachedMembers: s.AttachedMembers, ConnectedMembers: s.ConnectedMembers}
	}
	return out
}

// AttachMember registers a member's private key and access groups in a
// room, ahead of that peer's first datagram (spec.md §4.7 attach-member).
// The UDP address mapping is learned lazily, the first time a datagram
// carrying a MemberAndRoom header for this (room, member) arrives.
func (m *Manager) AttachMember(roomID room.RoomID, memberID room.MemberID, key [32]byte, groups room.AccessGroups) error {
	m.mu.RLock()
	rr, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}
	return rr.room.RegisterMember(memberID, key, groups)
}

// DetachMember transitions a member to Detached and drops its learned
// address mapping and reorder state.
func (m *Manager) DetachMember(roomID room.RoomID, memberID room.MemberID) error {
	m.mu.Lock()
	rr, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return ErrRoomNotFound
	}
	if err := rr.room.DetachFromRoom(memberID); err != nil {
		return err
	}
	m.forgetPeer(rr, memberID)
	return nil
}

func (m *Manager) forgetPeer(rr *roomRuntime, memberID room.MemberID) {
	rr.mu.Lock()
	p, ok := rr.peers[memberID]
	if ok {
		delete(rr.peers, memberID)
	}
	rr.mu.Unlock()
	if ok {
		m.mu.Lock()
		delete(m.peersByAddr, p.addr.String())
		m.mu.Unlock()
	}
}

// Run starts the socket read loop and the tick scheduler; it blocks until
// ctx is canceled, then closes the socket and returns.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		m.tickLoop(ctx)
	}()

	<-ctx.Done()
	_ = m.conn.Close()
	wg.Wait()
	log.Printf("[server] shut down")
	return nil
}

// readLoop blocks on recv, routes each datagram to its peer (learning
// new address mappings from MemberAndRoom headers), and feeds segments
// to the peer's reassembler before handing a complete datagram to the
// peer's protocol driver.
func (m *Manager) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		_ = m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Printf("[server] read: %v", err)
			continue
		}
		datagram := append([]byte(nil), buf[:n]...)
		m.handleDatagram(addr, datagram, time.Now())
	}
}

func (m *Manager) handleDatagram(addr *net.UDPAddr, datagram []byte, now time.Time) {
	if len(datagram) < 1 {
		return
	}
	kind, body := datagram[0], datagram[1:]

	switch kind {
	case frame.DatagramSegment:
		// A first-contact frame is always small enough to fit unsegmented,
		// so routing is only ever learned from a DatagramFrame; a segment
		// for an address we haven't routed yet has nowhere to go.
		p := m.lookup(addr)
		if p == nil {
			return
		}
		seg, err := frame.DecodeSegment(body)
		if err != nil {
			return
		}
		p.reassembler.Sweep(now)
		full, ok := p.reassembler.Add(seg, now)
		if !ok {
			return
		}
		m.admit(p, full, now)
	case frame.DatagramFrame:
		p := m.lookupOrRoute(addr, body)
		if p == nil {
			return
		}
		m.admit(p, body, now)
	}
}

func (m *Manager) lookup(addr *net.UDPAddr) *peerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peersByAddr[addr.String()]
}

func (m *Manager) admit(p *peerState, payload []byte, now time.Time) {
	reliable, unreliable, err := p.driver.HandleInbound(payload, now)
	if err != nil {
		if m.metrics != nil {
			if errors.Is(err, frame.ErrCryptoAuthFailure) {
				m.metrics.CryptoAuthFailures.Inc()
				m.metrics.FramesDropped.WithLabelValues("auth").Inc()
			} else {
				m.metrics.FramesDropped.WithLabelValues("malformed").Inc()
			}
		}
		return
	}
	if m.metrics != nil {
		m.metrics.FramesReceived.Inc()
	}

	m.mu.RLock()
	rr, ok := m.rooms[p.roomID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	deliver := func(encoded []byte, reliableChan bool) {
		cmd, err := room.DecodeCommand(encoded)
		if err != nil {
			if m.metrics != nil {
				m.metrics.FramesDropped.WithLabelValues("decode").Inc()
			}
			return
		}
		kind := channel.Kind(cmd.ChannelKind)
		ready := p.orderer.Admit(kind, cmd.Object.Key(), cmd.Seq, encoded)
		for _, data := range ready {
			start := now
			if m.metrics != nil {
				start = time.Now()
			}
			err := rr.room.Apply(p.memberID, data)
			if m.metrics == nil {
				continue
			}
			m.metrics.CommandProcessTime.Observe(time.Since(start).Seconds())
			if errors.Is(err, room.ErrAccessDenied) {
				m.metrics.AccessDenied.Inc()
			} else if err != nil {
				m.metrics.FramesDropped.WithLabelValues("room_reject").Inc()
			}
		}
	}
	for _, c := range reliable {
		deliver(c, true)
	}
	for _, c := range unreliable {
		deliver(c, false)
	}
}

// lookupOrRoute resolves addr to its peerState, learning a new mapping
// from a plaintext MemberAndRoom header when the address is not yet
// known (spec.md §4.7). A frame's headers are readable without
// decryption by construction, since routing must be learned before a key
// is known.
func (m *Manager) lookupOrRoute(addr *net.UDPAddr, body []byte) *peerState {
	key := addr.String()

	m.mu.RLock()
	p, ok := m.peersByAddr[key]
	m.mu.RUnlock()
	if ok {
		return p
	}

	_, headers, err := frame.PeekHeaders(body)
	if err != nil {
		return nil
	}
	var route *frame.MemberAndRoom
	for _, h := range headers {
		if mr, ok := h.(frame.MemberAndRoom); ok {
			route = &mr
			break
		}
	}
	if route == nil {
		return nil
	}

	m.mu.RLock()
	rr, ok := m.rooms[room.RoomID(route.RoomID)]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	memberID := room.MemberID(route.MemberID)
	privKey, ok := rr.room.MemberKey(memberID)
	if !ok {
		return nil
	}
	if err := rr.room.Connect(memberID); err != nil {
		return nil
	}

	newPeer := &peerState{
		addr:        addr,
		driver:      protocol.New(addr, privKey, time.Now(), m.disconnectTimeout),
		orderer:     channel.NewOrderer(),
		reassembler: frame.NewReassembler(segmentTTL),
		roomID:      room.RoomID(route.RoomID),
		memberID:    memberID,
	}

	m.mu.Lock()
	m.peersByAddr[key] = newPeer
	m.mu.Unlock()

	rr.mu.Lock()
	rr.peers[memberID] = newPeer
	rr.mu.Unlock()

	log.Printf("[server] peer %s mapped to room %d member %d", addr, route.RoomID, route.MemberID)
	return newPeer
}

// tickLoop drives every room at the fixed tick: drain each attached
// peer's outbound queue into its driver, ask the driver for any frames
// due, and send them; detect and clean up peers the driver has declared
// Disconnected.
func (m *Manager) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tickOnce(now)
		}
	}
}

func (m *Manager) tickOnce(now time.Time) {
	m.mu.RLock()
	rooms := make([]*roomRuntime, 0, len(m.rooms))
	for _, rr := range m.rooms {
		rooms = append(rooms, rr)
	}
	m.mu.RUnlock()

	for _, rr := range rooms {
		m.tickRoom(rr, now)
	}
}

func (m *Manager) tickRoom(rr *roomRuntime, now time.Time) {
	rr.mu.Lock()
	peers := make([]*peerState, 0, len(rr.peers))
	for _, p := range rr.peers {
		peers = append(peers, p)
	}
	rr.mu.Unlock()

	for _, p := range peers {
		if now.Sub(p.lastRTTProbe) >= rttProbeInterval {
			p.driver.RequestRTT(now, m.rttMarker.Add(1))
			p.lastRTTProbe = now
			if m.metrics != nil {
				m.metrics.RTT.Observe(p.driver.RTTEstimate().Seconds())
			}
		}

		for _, out := range rr.room.DrainOutbound(p.memberID) {
			if channel.Kind(out.ChannelKind).Reliable() {
				p.driver.EnqueueReliable(out.Data)
			} else {
				p.driver.EnqueueUnreliable(out.Data)
			}
		}

		datagrams, err := p.driver.BuildOutbound(now)
		if err != nil {
			log.Printf("[server] build outbound for %s: %v", p.addr, err)
			if m.metrics != nil {
				m.metrics.FramesDropped.WithLabelValues("build").Inc()
			}
		}
		for _, dg := range datagrams {
			if _, err := m.conn.WriteToUDP(dg, p.addr); err != nil {
				log.Printf("[server] write to %s: %v", p.addr, err)
				continue
			}
			if m.metrics != nil {
				m.metrics.FramesSent.Inc()
			}
		}
		if m.metrics != nil {
			if n := p.driver.RetransmittedGroups(); n > 0 {
				m.metrics.FramesRetransmitted.Add(float64(n))
			}
		}

		if p.driver.State() == protocol.StateDisconnected {
			rr.room.Disconnect(p.memberID)
			p.orderer.Reset(p.addr.String())
			m.forgetPeer(rr, p.memberID)
		}
	}
}
