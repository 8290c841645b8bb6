package room

import "errors"

// Error kinds surfaced by the room engine (spec.md §7). These are
// per-command conditions: the offending command is discarded and, where
// noted, a counter is incremented by the caller (internal/relaymetrics);
// the engine itself never panics on bad input.
var (
	ErrAccessDenied         = errors.New("room: access denied")
	ErrObjectNotFound       = errors.New("room: object not found")
	ErrObjectAlreadyExists  = errors.New("room: object already exists")
	ErrOversizedStructure   = errors.New("room: structure exceeds MaxStructureBytes")
	ErrTooManyFields        = errors.New("room: field count exceeds MaxFieldsPerType")
	ErrInvalidObjectIDRange = errors.New("room: member-owned object id below MemberOwnedFloor")
	ErrNotOwner             = errors.New("room: only the owner may delete this object")
	ErrMemberNotFound       = errors.New("room: member not found")
	ErrMemberIDInUse        = errors.New("room: member id already in use")
	ErrNotAttached          = errors.New("room: member is not attached to the room")
)
