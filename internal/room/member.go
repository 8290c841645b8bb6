package room

// Outbound is one server-to-client command queued for delivery to a
// member, tagged with the channel discipline and key the originator
// requested (spec.md §4.6 replication fan-out).
type Outbound struct {
	ChannelKind uint8 // channel.Kind, kept untyped here to avoid importing internal/channel into the data model
	Key         string
	Data        []byte
}

// RoomMember is a connected client within a room (spec.md §3).
type RoomMember struct {
	ID           MemberID
	PrivateKey   [32]byte
	AccessGroups AccessGroups
	Status       MemberStatus

	outbound []Outbound
}

// newRoomMember creates a member record in the Created state.
func newRoomMember(id MemberID, key [32]byte, groups AccessGroups) *RoomMember {
	return &RoomMember{ID: id, PrivateKey: key, AccessGroups: groups, Status: StatusCreated}
}

// Enqueue appends a command to the member's outbound queue, drained by
// internal/server at the next scheduler tick.
func (m *RoomMember) Enqueue(o Outbound) {
	m.outbound = append(m.outbound, o)
}

// DrainOutbound removes and returns all queued outbound commands.
func (m *RoomMember) DrainOutbound() []Outbound {
	out := m.outbound
	m.outbound = nil
	return out
}
