// Package ondisk packs and unpacks the fixed-width on-disk structures used
// by internal/inode and internal/directory: the inode sector's is-dir
// flag/size/block-pointer arrays/magic, and a directory's fixed-size entry
// records. Every field is fixed-width (no length-prefixed strings — names
// are null-terminated into a fixed buffer instead), so the codec only needs
// byte/u32/raw-bytes primitives.
package ondisk

import (
	"encoding/binary"
	"fmt"
)

// Decoder reads little-endian primitives out of a fixed-size on-disk
// record. A short record is corruption, not a protocol retry, so every
// read reports the record's offset in its error.
type Decoder struct {
	b []byte
	o int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b, o: 0}
}

// Remaining returns how many bytes are left to read.
func (d *Decoder) Remaining() int { return len(d.b) - d.o }

// take advances the cursor by n and returns the skipped slice, or an
// error naming the offset if the record is too short.
func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, fmt.Errorf("ondisk: record too short at offset %d: want %d bytes, have %d", d.o, n, d.Remaining())
	}
	v := d.b[d.o : d.o+n]
	d.o += n
	return v, nil
}

func (d *Decoder) ReadU8() (byte, error) {
	v, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (d *Decoder) ReadU32() (uint32, error) {
	v, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ondisk: negative read length %d", n)
	}
	return d.take(n)
}

// Encoder builds a fixed-size on-disk record.
type Encoder struct {
	b []byte
}

func NewEncoder(capacity int) *Encoder {
	if capacity < 0 {
		capacity = 0
	}
	return &Encoder{b: make([]byte, 0, capacity)}
}

func (e *Encoder) Bytes() []byte { return e.b }

func (e *Encoder) WriteU8(v byte) {
	e.b = append(e.b, v)
}

func (e *Encoder) WriteU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.b = append(e.b, b...)
}
