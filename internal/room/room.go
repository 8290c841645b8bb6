package room

import (
	"sync"
	"sync/atomic"
)

// Template names the configuration a room was created from. It carries
// only the name; no pre-created objects or default field layouts are
// applied to the room.
type Template struct {
	Name string
}

// Stats is a point-in-time counter snapshot, polled by
// internal/relaymetrics the way the teacher's room.go exposes Stats() to
// metrics.go's RunMetrics ticker.
type Stats struct {
	Objects           int
	AttachedMembers   int
	ConnectedMembers  int
	CommandsApplied   uint64
	CommandsRejected  uint64
}

// Room is an independent game session: a unit of state isolation
// (spec.md §3). All reads/writes happen while holding mu: internal/server
// applies inbound commands from its socket read goroutine and drains
// outbound queues from its tick goroutine, and internal/adminapi reads
// snapshots (dump-room) from its own goroutines.
type Room struct {
	ID       RoomID
	Template Template

	mu      sync.RWMutex
	objects map[ObjectID]*GameObject
	members map[MemberID]*RoomMember
	cas     *CASRegistry

	applied  atomic.Uint64
	rejected atomic.Uint64
}

// New creates an empty room from a template.
func New(id RoomID, tmpl Template) *Room {
	return &Room{
		ID:       id,
		Template: tmpl,
		objects:  make(map[ObjectID]*GameObject),
		members:  make(map[MemberID]*RoomMember),
		cas:      newCASRegistry(),
	}
}

// RegisterMember adds a member in the Created state (spec.md §3).
func (r *Room) RegisterMember(id MemberID, key [32]byte, groups AccessGroups) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[id]; exists {
		return ErrMemberIDInUse
	}
	r.members[id] = newRoomMember(id, key, groups)
	return nil
}

// Connect transitions a registered member to Connected on its first
// accepted frame.
func (r *Room) Connect(id MemberID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	if m.Status == StatusCreated {
		m.Status = StatusConnected
	}
	return nil
}

// AttachToRoom transitions a member to Attached and streams the full
// snapshot of every object whose access groups intersect the member's
// (spec.md §4.6).
func (r *Room) AttachToRoom(id MemberID) ([]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	m.Status = StatusAttached

	var snaps []Snapshot
	for _, obj := range r.objects {
		if !obj.Created {
			continue
		}
		if obj.AccessGroups.Intersects(m.AccessGroups) {
			snaps = append(snaps, obj.Snapshot())
		}
	}
	return snaps, nil
}

// DetachFromRoom transitions a member to Detached.
func (r *Room) DetachFromRoom(id MemberID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return ErrMemberNotFound
	}
	m.Status = StatusDetached
	return nil
}

// Disconnect tears down a member: deletes its member-owned objects and
// applies any CAS resets it still owns, replicating the resulting
// deletions/resets to remaining attached members.
func (r *Room) Disconnect(id MemberID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[id]
	if !ok {
		return
	}
	m.Status = StatusDisconnected

	for objID, obj := range r.objects {
		if objID.Owner.Kind == OwnerMember && objID.Owner.Member == id {
			r.cas.ForgetObject(objID)
			delete(r.objects, objID)
			r.broadcastDeleteLocked(obj, id)
		}
	}

	for _, reset := range r.cas.TakeResetsFor(id) {
		obj, ok := r.objects[reset.Object]
		if !ok {
			continue
		}
		obj.SetLong(reset.Field, reset.Reset)
		r.broadcastFieldLocked(obj, reset.Field, CmdSetLong, id, Command{})
	}

	delete(r.members, id)
}

// eligibleLocked returns every currently-attached member (other than
// exclude) whose access groups intersect groups (spec.md §4.6 fan-out,
// §8 access-group filter property).
func (r *Room) eligibleLocked(groups AccessGroups, exclude MemberID, excludeSet bool) []*RoomMember {
	var out []*RoomMember
	for id, m := range r.members {
		if excludeSet && id == exclude {
			continue
		}
		if m.Status != StatusAttached {
			continue
		}
		if groups.Intersects(m.AccessGroups) {
			out = append(out, m)
		}
	}
	return out
}

// broadcastFieldLocked replicates a field mutation to every eligible
// member, tagged with the originating command's channel discipline and
// sequence number (spec.md §4.2: the recipient applies the same delivery
// ordering the sender requested).
func (r *Room) broadcastFieldLocked(obj *GameObject, field FieldID, cmdType CommandType, sender MemberID, origin Command) {
	for _, m := range r.eligibleLocked(obj.AccessGroups, sender, true) {
		out := Command{Type: cmdType, Object: obj.ID, Field: field, ChannelKind: origin.ChannelKind, Seq: origin.Seq}
		switch cmdType {
		case CmdSetLong:
			v, _ := obj.Long(field)
			out.Long = v
		case CmdSetDouble:
			v, _ := obj.Double(field)
			out.Double = v
		case CmdSetStructure:
			v, _ := obj.Structure(field)
			out.Bytes = v
		}
		m.Enqueue(Outbound{ChannelKind: out.ChannelKind, Key: obj.ID.Key(), Data: EncodeCommand(out)})
	}
}

func (r *Room) broadcastDeleteLocked(obj *GameObject, origin MemberID) {
	for _, m := range r.eligibleLocked(obj.AccessGroups, origin, true) {
		out := Command{Type: CmdDeleteObject, Object: obj.ID}
		m.Enqueue(Outbound{Key: obj.ID.Key(), Data: EncodeCommand(out)})
	}
}

// Apply decodes and executes one inbound command from origin, mutating
// room state and enqueueing replication to eligible members. It never
// panics: malformed or out-of-policy commands return an error and are
// discarded by the caller (spec.md §7).
func (r *Room) Apply(origin MemberID, encoded []byte) error {
	cmd, err := DecodeCommand(encoded)
	if err != nil {
		r.rejected.Add(1)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.members[origin]
	if !ok {
		r.rejected.Add(1)
		return ErrMemberNotFound
	}

	err = r.applyLocked(sender, cmd)
	if err != nil {
		r.rejected.Add(1)
		return err
	}
	r.applied.Add(1)
	return nil
}

func (r *Room) applyLocked(sender *RoomMember, cmd Command) error {
	switch cmd.Type {
	case CmdAttachToRoom:
		sender.Status = StatusAttached
		for _, obj := range r.objects {
			if !obj.Created || !obj.AccessGroups.Intersects(sender.AccessGroups) {
				continue
			}
			for _, data := range encodeSnapshotCommands(obj.Snapshot()) {
				sender.Enqueue(Outbound{Data: data})
			}
		}
		return nil
	case CmdDetachFromRoom:
		sender.Status = StatusDetached
		return nil
	case CmdCreateObject:
		if cmd.Object.Owner.Kind == OwnerMember && cmd.Object.Local < MemberOwnedFloor {
			return ErrInvalidObjectIDRange
		}
		if !cmd.Groups.SubsetOf(sender.AccessGroups) {
			return ErrAccessDenied
		}
		if _, exists := r.objects[cmd.Object]; exists {
			return ErrObjectAlreadyExists
		}
		r.objects[cmd.Object] = newGameObject(cmd.Object, uint16(cmd.Field), cmd.Groups)
		return nil
	case CmdCreatedObject:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		obj.Created = true
		snap := obj.Snapshot()
		commands := encodeSnapshotCommands(snap)
		for _, m := range r.eligibleLocked(obj.AccessGroups, sender.ID, true) {
			for _, data := range commands {
				m.Enqueue(Outbound{Data: data})
			}
		}
		return nil
	case CmdSetLong:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if err := obj.SetLong(cmd.Field, cmd.Long); err != nil {
			return err
		}
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetLong, sender.ID, cmd)
		return nil
	case CmdSetDouble:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if err := obj.SetDouble(cmd.Field, cmd.Double); err != nil {
			return err
		}
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetDouble, sender.ID, cmd)
		return nil
	case CmdSetStructure:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if err := obj.SetStructure(cmd.Field, cmd.Bytes); err != nil {
			return err
		}
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetStructure, sender.ID, cmd)
		return nil
	case CmdAddItem:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if err := obj.AddItem(cmd.Field, cmd.Bytes); err != nil {
			return err
		}
		for _, m := range r.eligibleLocked(obj.AccessGroups, sender.ID, true) {
			out := Command{Type: CmdAddItem, Object: obj.ID, Field: cmd.Field, Bytes: cmd.Bytes, ChannelKind: cmd.ChannelKind, Seq: cmd.Seq}
			m.Enqueue(Outbound{ChannelKind: cmd.ChannelKind, Key: obj.ID.Key(), Data: EncodeCommand(out)})
		}
		return nil
	case CmdIncrementLong:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if _, err := obj.IncrementLong(cmd.Field, cmd.Long); err != nil {
			return err
		}
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetLong, sender.ID, cmd)
		return nil
	case CmdIncrementDouble:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if _, err := obj.IncrementDouble(cmd.Field, cmd.Double); err != nil {
			return err
		}
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetDouble, sender.ID, cmd)
		return nil
	case CmdCompareAndSetLong:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		current, _ := obj.Long(cmd.Field)
		if current != cmd.Expected {
			return nil // CAS miss is not an error; simply no-ops per spec semantics
		}
		if err := obj.SetLong(cmd.Field, cmd.Long); err != nil {
			return err
		}
		r.cas.Register(sender.ID, cmd.Object, cmd.Field, cmd.ResetValue)
		r.broadcastFieldLocked(obj, cmd.Field, CmdSetLong, sender.ID, cmd)
		return nil
	case CmdDeleteField:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		obj.DeleteField(cmd.FieldType, cmd.Field)
		for _, m := range r.eligibleLocked(obj.AccessGroups, sender.ID, true) {
			out := Command{Type: CmdDeleteField, Object: obj.ID, Field: cmd.Field, FieldType: cmd.FieldType}
			m.Enqueue(Outbound{Key: obj.ID.Key(), Data: EncodeCommand(out)})
		}
		return nil
	case CmdDeleteObject:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		if !canDelete(obj, sender.ID) {
			return ErrNotOwner
		}
		r.cas.ForgetObject(obj.ID)
		delete(r.objects, obj.ID)
		r.broadcastDeleteLocked(obj, sender.ID)
		return nil
	case CmdEvent:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		for _, m := range r.eligibleLocked(obj.AccessGroups, sender.ID, true) {
			out := Command{Type: CmdEvent, Object: obj.ID, Field: cmd.Field, Bytes: cmd.Bytes, ChannelKind: cmd.ChannelKind, Seq: cmd.Seq}
			m.Enqueue(Outbound{ChannelKind: cmd.ChannelKind, Key: obj.ID.Key(), Data: EncodeCommand(out)})
		}
		return nil
	case CmdTargetEvent:
		obj, ok := r.objects[cmd.Object]
		if !ok {
			return ErrObjectNotFound
		}
		target, ok := r.members[cmd.Target]
		if !ok || target.Status != StatusAttached || !obj.AccessGroups.Intersects(target.AccessGroups) {
			return nil // ineligible target: silently dropped, per Event semantics
		}
		out := Command{Type: CmdEvent, Object: obj.ID, Field: cmd.Field, Bytes: cmd.Bytes, ChannelKind: cmd.ChannelKind, Seq: cmd.Seq}
		target.Enqueue(Outbound{ChannelKind: cmd.ChannelKind, Key: obj.ID.Key(), Data: EncodeCommand(out)})
		return nil
	default:
		return ErrUnknownCommandCode
	}
}

// canDelete reports whether member may delete obj: only the owning member
// of a member-owned object. Room-owned (templated) objects are never
// deletable by a member command; the core has no room-owner concept.
func canDelete(obj *GameObject, member MemberID) bool {
	if obj.ID.Owner.Kind == OwnerMember {
		return obj.ID.Owner.Member == member
	}
	return false
}

// encodeSnapshotCommands turns a freshly-created object's snapshot into
// the sequence of Set/AddItem commands a newly-eligible member needs to
// reconstruct it, starting with CreatedObject itself.
func encodeSnapshotCommands(s Snapshot) [][]byte {
	out := [][]byte{EncodeCommand(Command{Type: CmdCreatedObject, Object: s.ID})}
	for field, v := range s.Longs {
		out = append(out, EncodeCommand(Command{Type: CmdSetLong, Object: s.ID, Field: field, Long: v}))
	}
	for field, v := range s.Doubles {
		out = append(out, EncodeCommand(Command{Type: CmdSetDouble, Object: s.ID, Field: field, Double: v}))
	}
	for field, v := range s.Structures {
		out = append(out, EncodeCommand(Command{Type: CmdSetStructure, Object: s.ID, Field: field, Bytes: v}))
	}
	for field, items := range s.Items {
		for _, item := range items {
			out = append(out, EncodeCommand(Command{Type: CmdAddItem, Object: s.ID, Field: field, Bytes: item}))
		}
	}
	return out
}

// DrainOutbound removes and returns all commands queued for member id
// since the last drain, for internal/server to hand to the peer's
// protocol driver.
func (r *Room) DrainOutbound(id MemberID) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil
	}
	return m.DrainOutbound()
}

// MemberIDs returns a snapshot of currently-registered member ids, for
// internal/server's tick loop to iterate without holding the lock.
func (r *Room) MemberIDs() []MemberID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]MemberID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// Member returns a read-only copy of a member's public fields, or false
// if unknown.
func (r *Room) Member(id MemberID) (MemberID, AccessGroups, MemberStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return 0, 0, 0, false
	}
	return m.ID, m.AccessGroups, m.Status, true
}

// MemberKey returns a registered member's private key, for internal/server
// to construct that peer's protocol driver on first contact.
func (r *Room) MemberKey(id MemberID) ([32]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return [32]byte{}, false
	}
	return m.PrivateKey, true
}

// Dump returns a snapshot of every created object, for the admin API's
// debug dump-room endpoint.
func (r *Room) Dump() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.objects))
	for _, obj := range r.objects {
		if obj.Created {
			out = append(out, obj.Snapshot())
		}
	}
	return out
}

// Stats returns a point-in-time counter snapshot.
func (r *Room) Stats() Stats {
	r.mu.RLock()
	attached, connected := 0, 0
	for _, m := range r.members {
		switch m.Status {
		case StatusAttached:
			attached++
			connected++
		case StatusConnected, StatusDetached:
			connected++
		}
	}
	objs := len(r.objects)
	r.mu.RUnlock()
	return Stats{
		Objects:          objs,
		AttachedMembers:  attached,
		ConnectedMembers: connected,
		CommandsApplied:  r.applied.Load(),
		CommandsRejected: r.rejected.Load(),
	}
}
