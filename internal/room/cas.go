package room

// casKey identifies one compare-and-set registration slot: an
// (object, field) pair. The current registrant is whichever member most
// recently performed a successful CompareAndSet on that field — "last
// writer owns the reset" (spec.md §4.6).
type casKey struct {
	Object ObjectID
	Field  FieldID
}

type casEntry struct {
	Member MemberID
	Reset  int64
}

// CASRegistry tracks reset-on-disconnect values registered by
// CompareAndSetLong. Entries are keyed by (object, field) and record the
// registering member, so a later writer's registration supersedes an
// earlier one.
type CASRegistry struct {
	entries map[casKey]casEntry
}

func newCASRegistry() *CASRegistry {
	return &CASRegistry{entries: make(map[casKey]casEntry)}
}

// Register records that member most recently CAS-succeeded on
// (obj, field) and should have reset applied there on disconnect.
func (r *CASRegistry) Register(member MemberID, obj ObjectID, field FieldID, reset int64) {
	r.entries[casKey{obj, field}] = casEntry{Member: member, Reset: reset}
}

// ResetEntry is one (object, field, value) pending application.
type ResetEntry struct {
	Object ObjectID
	Field  FieldID
	Reset  int64
}

// TakeResetsFor removes and returns every registration still owned by
// member — i.e. not yet superseded by another member's CAS on the same
// key — so the caller can apply each reset value and replicate it.
func (r *CASRegistry) TakeResetsFor(member MemberID) []ResetEntry {
	var out []ResetEntry
	for k, e := range r.entries {
		if e.Member == member {
			out = append(out, ResetEntry{Object: k.Object, Field: k.Field, Reset: e.Reset})
			delete(r.entries, k)
		}
	}
	return out
}

// ForgetObject clears any registrations for a deleted object.
func (r *CASRegistry) ForgetObject(obj ObjectID) {
	for k := range r.entries {
		if k.Object == obj {
			delete(r.entries, k)
		}
	}
}
