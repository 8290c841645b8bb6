package room

import "testing"

func mustRegister(t *testing.T, r *Room, id MemberID, groups AccessGroups) {
	t.Helper()
	if err := r.RegisterMember(id, [32]byte{}, groups); err != nil {
		t.Fatalf("RegisterMember(%d): %v", id, err)
	}
	if err := r.Connect(id); err != nil {
		t.Fatalf("Connect(%d): %v", id, err)
	}
	if _, err := r.AttachToRoom(id); err != nil {
		t.Fatalf("AttachToRoom(%d): %v", id, err)
	}
}

func TestCreateAndObserveObjectAcrossAccessGroups(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groupA AccessGroups = 0b10_0000
	mustRegister(t, r, 1, groupA)
	mustRegister(t, r, 2, groupA)
	mustRegister(t, r, 3, 0b01) // disjoint group: should not observe

	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	create := EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Field: 123, Groups: groupA})
	if err := r.Apply(1, create); err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	created := EncodeCommand(Command{Type: CmdCreatedObject, Object: objID})
	if err := r.Apply(1, created); err != nil {
		t.Fatalf("CreatedObject: %v", err)
	}

	outB := r.DrainOutbound(2)
	if len(outB) == 0 {
		t.Fatalf("expected member 2 to observe the created object")
	}
	first, err := DecodeCommand(outB[0].Data)
	if err != nil || first.Type != CmdCreatedObject || first.Object != objID {
		t.Fatalf("unexpected first command: %+v %v", first, err)
	}

	outC := r.DrainOutbound(3)
	if len(outC) != 0 {
		t.Fatalf("member 3 (disjoint groups) should not observe the object")
	}
}

func TestSetLongThenIncrementReplicatesAbsoluteValue(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groups AccessGroups = 0b1
	mustRegister(t, r, 1, groups)
	mustRegister(t, r, 2, groups)

	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: groups}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))
	r.DrainOutbound(2) // discard creation replication

	r.Apply(1, EncodeCommand(Command{Type: CmdSetLong, Object: objID, Field: 10, Long: 100}))
	r.Apply(1, EncodeCommand(Command{Type: CmdIncrementLong, Object: objID, Field: 10, Long: 5}))

	out := r.DrainOutbound(2)
	if len(out) != 2 {
		t.Fatalf("expected 2 replicated commands, got %d", len(out))
	}
	last, err := DecodeCommand(out[1].Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Type != CmdSetLong || last.Long != 105 {
		t.Fatalf("expected field 10 = 105, got %+v", last)
	}
}

func TestOversizedStructureRejected(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	mustRegister(t, r, 1, 0b1)
	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: 0b1}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))

	big := make([]byte, 256)
	err := r.Apply(1, EncodeCommand(Command{Type: CmdSetStructure, Object: objID, Field: 30, Bytes: big}))
	if err != ErrOversizedStructure {
		t.Fatalf("expected ErrOversizedStructure, got %v", err)
	}

	ok := make([]byte, 5)
	for i := range ok {
		ok[i] = byte(i + 1)
	}
	if err := r.Apply(1, EncodeCommand(Command{Type: CmdSetStructure, Object: objID, Field: 30, Bytes: ok})); err != nil {
		t.Fatalf("expected bounded structure to succeed: %v", err)
	}
}

func TestCompareAndSetResetOnDisconnect(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groups AccessGroups = 0b1
	mustRegister(t, r, 1, groups)
	mustRegister(t, r, 2, groups)

	objID := ObjectID{Owner: Owner{Kind: OwnerRoom}, Local: 1}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: groups}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))
	r.DrainOutbound(2)

	cas := EncodeCommand(Command{Type: CmdCompareAndSetLong, Object: objID, Field: 7, Expected: 0, Long: 42, ResetValue: 0})
	if err := r.Apply(1, cas); err != nil {
		t.Fatalf("CompareAndSetLong: %v", err)
	}
	r.DrainOutbound(2)

	r.Disconnect(1)

	out := r.DrainOutbound(2)
	if len(out) == 0 {
		t.Fatalf("expected reset replication after disconnect")
	}
	found := false
	for _, o := range out {
		cmd, err := DecodeCommand(o.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cmd.Type == CmdSetLong && cmd.Field == 7 && cmd.Long == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected field 7 reset to 0, got %v", out)
	}
}

func TestMemberOwnedObjectDeletedOnOwnerDisconnect(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groups AccessGroups = 0b1
	mustRegister(t, r, 1, groups)
	mustRegister(t, r, 2, groups)

	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: groups}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))
	r.DrainOutbound(2)

	r.Disconnect(1)

	dump := r.Dump()
	for _, s := range dump {
		if s.ID == objID {
			t.Fatalf("expected member-owned object to be deleted on disconnect")
		}
	}
}

func TestInvalidObjectIDRangeRejected(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	mustRegister(t, r, 1, 0b1)
	badID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 10}
	err := r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: badID, Groups: 0b1}))
	if err != ErrInvalidObjectIDRange {
		t.Fatalf("expected ErrInvalidObjectIDRange, got %v", err)
	}
}

func TestAccessDeniedWhenGroupsExceedSender(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	mustRegister(t, r, 1, 0b01)
	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	err := r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: 0b10}))
	if err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestDeleteObjectRequiresOwnership(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groups AccessGroups = 0b1
	mustRegister(t, r, 1, groups)
	mustRegister(t, r, 2, groups)
	objID := ObjectID{Owner: Owner{Kind: OwnerMember, Member: 1}, Local: 512}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: groups}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))

	if err := r.Apply(2, EncodeCommand(Command{Type: CmdDeleteObject, Object: objID})); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := r.Apply(1, EncodeCommand(Command{Type: CmdDeleteObject, Object: objID})); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
}

func TestUnknownLegacyCommandCodeRejected(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	mustRegister(t, r, 1, 0b1)
	legacy := []byte{byte(cmdLegacyLongCounter), 0}
	if err := r.Apply(1, legacy); err != ErrUnknownCommandCode {
		t.Fatalf("expected ErrUnknownCommandCode, got %v", err)
	}
}

func TestTargetEventDeliveredToExactlyOneMember(t *testing.T) {
	r := New(1, Template{Name: "arena"})
	const groups AccessGroups = 0b1
	mustRegister(t, r, 1, groups)
	mustRegister(t, r, 2, groups)
	mustRegister(t, r, 3, groups)
	objID := ObjectID{Owner: Owner{Kind: OwnerRoom}, Local: 1}
	r.Apply(1, EncodeCommand(Command{Type: CmdCreateObject, Object: objID, Groups: groups}))
	r.Apply(1, EncodeCommand(Command{Type: CmdCreatedObject, Object: objID}))
	r.DrainOutbound(2)
	r.DrainOutbound(3)

	r.Apply(1, EncodeCommand(Command{Type: CmdTargetEvent, Object: objID, Target: 3, Field: 1, Bytes: []byte("ping")}))

	if out := r.DrainOutbound(2); len(out) != 0 {
		t.Fatalf("member 2 should not receive the target event")
	}
	out := r.DrainOutbound(3)
	if len(out) != 1 {
		t.Fatalf("expected exactly one event delivered to member 3, got %d", len(out))
	}
}
