package room

// GameObject is a keyed bundle of per-type field tables, replicated to
// eligible attached members (spec.md §3).
type GameObject struct {
	ID           ObjectID
	Template     uint16
	AccessGroups AccessGroups
	Created      bool

	longs      map[FieldID]int64
	doubles    map[FieldID]float64
	structures map[FieldID][]byte
	items      map[FieldID][][]byte
}

// newGameObject allocates an object's field tables.
func newGameObject(id ObjectID, template uint16, groups AccessGroups) *GameObject {
	return &GameObject{
		ID:           id,
		Template:     template,
		AccessGroups: groups,
		longs:        make(map[FieldID]int64),
		doubles:      make(map[FieldID]float64),
		structures:   make(map[FieldID][]byte),
		items:        make(map[FieldID][][]byte),
	}
}

// SetLong sets a long field, enforcing the per-type field count cap.
func (o *GameObject) SetLong(id FieldID, v int64) error {
	if _, exists := o.longs[id]; !exists && len(o.longs) >= MaxFieldsPerType {
		return ErrTooManyFields
	}
	o.longs[id] = v
	return nil
}

// IncrementLong adds delta to the stored value (0 if absent), wrapping on
// 64-bit overflow per spec.md §4.6, and returns the resulting value.
func (o *GameObject) IncrementLong(id FieldID, delta int64) (int64, error) {
	if _, exists := o.longs[id]; !exists && len(o.longs) >= MaxFieldsPerType {
		return 0, ErrTooManyFields
	}
	v := o.longs[id] + delta
	o.longs[id] = v
	return v, nil
}

// Long returns a long field's value and whether it is present.
func (o *GameObject) Long(id FieldID) (int64, bool) {
	v, ok := o.longs[id]
	return v, ok
}

// SetDouble sets a double field, enforcing the per-type field count cap.
func (o *GameObject) SetDouble(id FieldID, v float64) error {
	if _, exists := o.doubles[id]; !exists && len(o.doubles) >= MaxFieldsPerType {
		return ErrTooManyFields
	}
	o.doubles[id] = v
	return nil
}

// IncrementDouble adds delta using IEEE-754 addition (spec.md §4.6).
func (o *GameObject) IncrementDouble(id FieldID, delta float64) (float64, error) {
	if _, exists := o.doubles[id]; !exists && len(o.doubles) >= MaxFieldsPerType {
		return 0, ErrTooManyFields
	}
	v := o.doubles[id] + delta
	o.doubles[id] = v
	return v, nil
}

// Double returns a double field's value and whether it is present.
func (o *GameObject) Double(id FieldID) (float64, bool) {
	v, ok := o.doubles[id]
	return v, ok
}

// SetStructure sets a bounded binary blob field.
func (o *GameObject) SetStructure(id FieldID, data []byte) error {
	if len(data) > MaxStructureBytes {
		return ErrOversizedStructure
	}
	if _, exists := o.structures[id]; !exists && len(o.structures) >= MaxFieldsPerType {
		return ErrTooManyFields
	}
	cp := append([]byte(nil), data...)
	o.structures[id] = cp
	return nil
}

// Structure returns a structure field's bytes and whether it is present.
func (o *GameObject) Structure(id FieldID) ([]byte, bool) {
	v, ok := o.structures[id]
	return v, ok
}

// AddItem appends a bounded binary blob to an ordered items field.
func (o *GameObject) AddItem(id FieldID, data []byte) error {
	if len(data) > MaxStructureBytes {
		return ErrOversizedStructure
	}
	if _, exists := o.items[id]; !exists && len(o.items) >= MaxFieldsPerType {
		return ErrTooManyFields
	}
	cp := append([]byte(nil), data...)
	o.items[id] = append(o.items[id], cp)
	return nil
}

// Items returns an items field's entries and whether the field exists.
func (o *GameObject) Items(id FieldID) ([][]byte, bool) {
	v, ok := o.items[id]
	return v, ok
}

// DeleteField removes one entry from the field table matching typ.
func (o *GameObject) DeleteField(typ FieldType, id FieldID) {
	switch typ {
	case FieldLong:
		delete(o.longs, id)
	case FieldDouble:
		delete(o.doubles, id)
	case FieldStructure:
		delete(o.structures, id)
	case FieldEvent:
		delete(o.items, id)
	}
}

// Snapshot is a point-in-time, immutable copy of an object's state used
// for state-dump replication (AttachToRoom, CreatedObject fan-out) and
// dump-room. It is built while the room's lock is held and shares no
// memory with the live object, so it stays valid after the lock is
// released.
type Snapshot struct {
	ID           ObjectID
	Template     uint16
	AccessGroups AccessGroups
	Longs        map[FieldID]int64
	Doubles      map[FieldID]float64
	Structures   map[FieldID][]byte
	Items        map[FieldID][][]byte
}

// Snapshot copies an object's current field tables.
func (o *GameObject) Snapshot() Snapshot {
	s := Snapshot{
		ID:           o.ID,
		Template:     o.Template,
		AccessGroups: o.AccessGroups,
		Longs:        make(map[FieldID]int64, len(o.longs)),
		Doubles:      make(map[FieldID]float64, len(o.doubles)),
		Structures:   make(map[FieldID][]byte, len(o.structures)),
		Items:        make(map[FieldID][][]byte, len(o.items)),
	}
	for k, v := range o.longs {
		s.Longs[k] = v
	}
	for k, v := range o.doubles {
		s.Doubles[k] = v
	}
	for k, v := range o.structures {
		s.Structures[k] = append([]byte(nil), v...)
	}
	for k, v := range o.items {
		cp := make([][]byte, len(v))
		for i, item := range v {
			cp[i] = append([]byte(nil), item...)
		}
		s.Items[k] = cp
	}
	return s
}
