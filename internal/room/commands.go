package room

import (
	"errors"
	"math"

	"relaycore/internal/codec"
)

// CommandType is the stable single-byte wire identifier for one command
// kind (spec.md §6). Unknown codes are accepted by the frame but
// discarded with a counter increment for forward compatibility.
type CommandType byte

const (
	CmdCreateObject CommandType = iota
	CmdCreatedObject
	CmdSetLong
	CmdSetDouble
	CmdSetStructure
	CmdAddItem
	CmdIncrementLong
	CmdIncrementDouble
	CmdCompareAndSetLong
	CmdDeleteField
	CmdDeleteObject
	CmdEvent
	CmdTargetEvent
	CmdAttachToRoom
	CmdDetachFromRoom
)

// Legacy command codes named in spec.md §9's open question: the source's
// older long_counter/float_counter taxonomy. Reserved, never implemented;
// the decoder maps them straight to ErrUnknownCommandCode so an old
// client fails soft rather than crashing the pipeline.
const (
	cmdLegacyLongCounter  CommandType = 250
	cmdLegacyFloatCounter CommandType = 251
)

// ErrUnknownCommandCode is returned for any command byte not in the
// current (non-legacy) taxonomy.
var ErrUnknownCommandCode = errors.New("room: unknown command code")

// Command is a fully-decoded inbound command, ready for Room.Apply.
type Command struct {
	Type        CommandType
	ChannelKind uint8
	Seq         uint32
	Object      ObjectID
	Field       FieldID
	Target      MemberID // only for TargetEvent

	Groups     AccessGroups // only for CreateObject
	Long       int64
	Double     float64
	Bytes      []byte
	FieldType  FieldType // only for DeleteField
	Expected   int64     // only for CompareAndSetLong
	ResetValue int64     // only for CompareAndSetLong
}

func appendObjectID(dst []byte, id ObjectID) []byte {
	if id.Owner.Kind == OwnerRoom {
		dst = append(dst, 0)
	} else {
		dst = append(dst, 1)
		dst = codec.AppendUvarint(dst, uint64(id.Owner.Member))
	}
	return codec.AppendUvarint(dst, uint64(id.Local))
}

func readObjectID(src []byte) (ObjectID, int, error) {
	if len(src) < 1 {
		return ObjectID{}, 0, codec.ErrTruncated
	}
	tag := src[0]
	used := 1
	var owner Owner
	if tag == 0 {
		owner = Owner{Kind: OwnerRoom}
	} else {
		memberID, n, err := codec.Uvarint(src[used:])
		if err != nil {
			return ObjectID{}, 0, err
		}
		used += n
		owner = Owner{Kind: OwnerMember, Member: MemberID(memberID)}
	}
	local, n, err := codec.Uvarint(src[used:])
	if err != nil {
		return ObjectID{}, 0, err
	}
	used += n
	return ObjectID{Owner: owner, Local: uint32(local)}, used, nil
}

// EncodeCommand serializes a Command to its wire form: command_type ‖
// channel_tag ‖ [seq if keyed] ‖ object_id (when applicable) ‖ field_id
// (when applicable) ‖ type-specific payload.
func EncodeCommand(c Command) []byte {
	var out []byte
	out = append(out, byte(c.Type))
	out = append(out, c.ChannelKind)
	if isKeyedChannel(c.ChannelKind) {
		out = codec.AppendUvarint(out, uint64(c.Seq))
	}

	switch c.Type {
	case CmdAttachToRoom, CmdDetachFromRoom:
		return out
	}

	out = appendObjectID(out, c.Object)

	switch c.Type {
	case CmdCreateObject:
		out = codec.AppendUvarint(out, uint64(c.Field)) // Field carries the 16-bit template classifier here
		out = codec.AppendUvarint(out, uint64(c.Groups))
	case CmdCreatedObject, CmdDeleteObject:
		// object id only
	case CmdSetLong:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendVarint(out, c.Long)
	case CmdSetDouble:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = appendFloat64(out, c.Double)
	case CmdSetStructure:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendBytes(out, c.Bytes)
	case CmdAddItem:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendBytes(out, c.Bytes)
	case CmdIncrementLong:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendVarint(out, c.Long)
	case CmdIncrementDouble:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = appendFloat64(out, c.Double)
	case CmdCompareAndSetLong:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendVarint(out, c.Expected)
		out = codec.AppendVarint(out, c.Long)
		out = codec.AppendVarint(out, c.ResetValue)
	case CmdDeleteField:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = append(out, byte(c.FieldType))
	case CmdEvent:
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendBytes(out, c.Bytes)
	case CmdTargetEvent:
		out = codec.AppendUvarint(out, uint64(c.Target))
		out = codec.AppendUvarint(out, uint64(c.Field))
		out = codec.AppendBytes(out, c.Bytes)
	}
	return out
}

// DecodeCommand parses a wire-format command produced by EncodeCommand.
func DecodeCommand(src []byte) (Command, error) {
	if len(src) < 2 {
		return Command{}, codec.ErrTruncated
	}
	typ := CommandType(src[0])
	chKind := src[1]
	rest := src[2:]

	if typ == cmdLegacyLongCounter || typ == cmdLegacyFloatCounter || typ > CmdDetachFromRoom {
		return Command{}, ErrUnknownCommandCode
	}

	var c Command
	c.Type = typ
	c.ChannelKind = chKind

	if isKeyedChannel(chKind) {
		seq, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		c.Seq = uint32(seq)
		rest = rest[n:]
	}

	if typ == CmdAttachToRoom || typ == CmdDetachFromRoom {
		return c, nil
	}

	obj, n, err := readObjectID(rest)
	if err != nil {
		return Command{}, err
	}
	c.Object = obj
	rest = rest[n:]

	switch typ {
	case CmdCreateObject:
		template, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		groups, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Groups = FieldID(template), AccessGroups(groups)
		rest = rest[n:]
	case CmdCreatedObject, CmdDeleteObject:
	case CmdSetLong:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		v, n, err := codec.Varint(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Long = FieldID(field), v
		rest = rest[n:]
	case CmdSetDouble:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		v, n, err := readFloat64(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Double = FieldID(field), v
		rest = rest[n:]
	case CmdSetStructure, CmdAddItem:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		b, n, err := codec.Bytes(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Bytes = FieldID(field), append([]byte(nil), b...)
		rest = rest[n:]
	case CmdIncrementLong:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		v, n, err := codec.Varint(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Long = FieldID(field), v
		rest = rest[n:]
	case CmdIncrementDouble:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		v, n, err := readFloat64(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Double = FieldID(field), v
		rest = rest[n:]
	case CmdCompareAndSetLong:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		expected, n, err := codec.Varint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		newVal, n, err := codec.Varint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		resetVal, n, err := codec.Varint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		c.Field, c.Expected, c.Long, c.ResetValue = FieldID(field), expected, newVal, resetVal
	case CmdDeleteField:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		if len(rest) < 1 {
			return Command{}, codec.ErrTruncated
		}
		c.Field, c.FieldType = FieldID(field), FieldType(rest[0])
		rest = rest[1:]
	case CmdEvent:
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		b, n, err := codec.Bytes(rest)
		if err != nil {
			return Command{}, err
		}
		c.Field, c.Bytes = FieldID(field), append([]byte(nil), b...)
		rest = rest[n:]
	case CmdTargetEvent:
		target, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		field, n, err := codec.Uvarint(rest)
		if err != nil {
			return Command{}, err
		}
		rest = rest[n:]
		b, n, err := codec.Bytes(rest)
		if err != nil {
			return Command{}, err
		}
		c.Target, c.Field, c.Bytes = MemberID(target), FieldID(field), append([]byte(nil), b...)
		rest = rest[n:]
	default:
		return Command{}, ErrUnknownCommandCode
	}
	return c, nil
}

// isKeyedChannel mirrors channel.Kind.Keyed without importing
// internal/channel, keeping the wire codec independent of the ordering
// implementation. Kinds 0 and 1 are ReliableUnordered/UnreliableUnordered.
func isKeyedChannel(kind uint8) bool {
	return kind != 0 && kind != 1
}

func appendFloat64(dst []byte, v float64) []byte {
	return codec.AppendUvarint(dst, math.Float64bits(v))
}

func readFloat64(src []byte) (float64, int, error) {
	bits, n, err := codec.Uvarint(src)
	if err != nil {
		return 0, 0, err
	}
	return math.Float64frombits(bits), n, nil
}
