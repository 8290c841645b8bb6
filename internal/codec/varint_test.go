package codec

import "testing"

func TestUvarintRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<64 - 1}
	for _, v := range cases {
		buf := AppendUvarint(nil, v)
		got, n, err := Uvarint(buf)
		if err != nil {
			t.Fatalf("Uvarint(%d): %v", v, err)
		}
		if n != len(buf) {
			t.Fatalf("Uvarint(%d): consumed %d, want %d", v, n, len(buf))
		}
		if got != v {
			t.Fatalf("Uvarint(%d) = %d", v, got)
		}
	}
}

func TestVarintRoundTripSigned(t *testing.T) {
	cases := []int64{0, 1, -1, 127, -127, 1 << 40, -(1 << 40)}
	for _, v := range cases {
		buf := AppendVarint(nil, v)
		got, _, err := Varint(buf)
		if err != nil {
			t.Fatalf("Varint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("Varint(%d) = %d", v, got)
		}
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := AppendUvarint(nil, 1<<20)
	_, _, err := Uvarint(buf[:1])
	if err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestUvarintOverflow(t *testing.T) {
	bad := make([]byte, 11)
	for i := range bad {
		bad[i] = 0x80
	}
	bad[10] = 0x01
	_, _, err := Uvarint(bad)
	if err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	payload := []byte("hello, room")
	buf := AppendBytes(nil, payload)
	got, n, err := Bytes(buf)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Bytes: consumed %d want %d", n, len(buf))
	}
	if string(got) != string(payload) {
		t.Fatalf("Bytes = %q want %q", got, payload)
	}
}

func TestBytesTruncated(t *testing.T) {
	buf := AppendBytes(nil, []byte("0123456789"))
	_, _, err := Bytes(buf[:2])
	if err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
