package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter(64)
	w.WriteUint8(0x7F)
	w.WriteUint32(0xDEADBEEF)
	w.WriteInt32(-1)
	w.WriteString("opc.tcp://example")
	w.WriteByteString([]byte{1, 2, 3})
	w.WriteByteString(nil)
	w.WriteByteString([]byte{})

	r := NewReader(w.Bytes())

	u8, err := r.ReadUint8()
	if err != nil || u8 != 0x7F {
		t.Fatalf("ReadUint8() = %v, %v", u8, err)
	}
	u32, err := r.ReadUint32()
	if err != nil || u32 != 0xDEADBEEF {
		t.Fatalf("ReadUint32() = %#x, %v", u32, err)
	}
	i32, err := r.ReadInt32()
	if err != nil || i32 != -1 {
		t.Fatalf("ReadInt32() = %v, %v", i32, err)
	}
	s, err := r.ReadString()
	if err != nil || s != "opc.tcp://example" {
		t.Fatalf("ReadString() = %q, %v", s, err)
	}
	bs, err := r.ReadByteString()
	if err != nil || !bytes.Equal(bs, []byte{1, 2, 3}) {
		t.Fatalf("ReadByteString() = %v, %v", bs, err)
	}
	absent, err := r.ReadByteString()
	if err != nil || absent != nil {
		t.Fatalf("absent ReadByteString() = %v, %v, want nil", absent, err)
	}
	empty, err := r.ReadByteString()
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty ReadByteString() = %v, %v, want empty non-nil", empty, err)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", r.Remaining())
	}
}

func TestLittleEndianLayout(t *testing.T) {
	w := NewWriter(4)
	w.WriteUint32(0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("WriteUint32 layout = %v, want %v", w.Bytes(), want)
	}
}

func TestReaderExhausted(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	if _, err := r.ReadUint32(); !errors.Is(err, ErrBufferExhausted) {
		t.Errorf("ReadUint32 on short buffer: got %v, want ErrBufferExhausted", err)
	}
}

func TestReaderLengthOverruns(t *testing.T) {
	// Declared string length 10, only 2 bytes of content follow.
	w := NewWriter(8)
	w.WriteInt32(10)
	w.WriteRaw([]byte("ab"))

	r := NewReader(w.Bytes())
	if _, err := r.ReadString(); !errors.Is(err, ErrLengthOutOfRange) {
		t.Errorf("overlong string: got %v, want ErrLengthOutOfRange", err)
	}

	// Negative length where a mandatory string is expected.
	w = NewWriter(4)
	w.WriteInt32(-1)
	r = NewReader(w.Bytes())
	if _, err := r.ReadString(); !errors.Is(err, ErrLengthOutOfRange) {
		t.Errorf("negative string length: got %v, want ErrLengthOutOfRange", err)
	}

	// Length below -1 is invalid for byte strings too.
	w = NewWriter(4)
	w.WriteInt32(-2)
	r = NewReader(w.Bytes())
	if _, err := r.ReadByteString(); !errors.Is(err, ErrLengthOutOfRange) {
		t.Errorf("length -2 byte string: got %v, want ErrLengthOutOfRange", err)
	}
}

func TestPatchUint32(t *testing.T) {
	w := NewWriter(8)
	w.WriteUint32(0) // placeholder
	w.WriteUint32(7)
	w.PatchUint32(0, 42)

	r := NewReader(w.Bytes())
	got, _ := r.ReadUint32()
	if got != 42 {
		t.Errorf("patched value = %d, want 42", got)
	}
}

func TestReadByteStringCopies(t *testing.T) {
	w := NewWriter(8)
	w.WriteByteString([]byte{9, 9})
	backing := w.Bytes()

	r := NewReader(backing)
	got, err := r.ReadByteString()
	if err != nil {
		t.Fatalf("ReadByteString() error = %v", err)
	}
	backing[4] = 0
	if got[0] != 9 {
		t.Error("ReadByteString result aliases backing buffer")
	}
}
