// header.go implements the binary serialization of a Sketch.
//
// Binary Format
// =============
//
//	+-------+-----+-------+-------+-------+---------+--------------+--------+----------+--------+
//	| Magic | Ver | Flags | LgMax | LgCur | Active  | StreamWeight | Offset | Counts   | Items  |
//	| 4B    | 1B  | 1B    | 1B    | 1B    | 4B      | 8B           | 8B     | Active*8 | Active*8 |
//	+-------+-----+-------+-------+-------+---------+--------------+--------+----------+--------+
//	                      Header (28 bytes)
//
// All fields are Little Endian. Flags currently carries a single bit, the
// empty flag, which is set only for a virgin sketch (no live items, zero
// stream weight, zero offset). A sketch that purged itself down to zero live
// items is encoded with the flag clear so that its stream weight and offset
// survive the round trip.
//
// Decoding reconstructs the sketch by replaying every (item, count) pair
// through UpdateMany against a table pre-sized at LgCur. Because the encoded
// live set already reflects all prior purges and fits the encoded table
// length, replay triggers no purge and reproduces the live set exactly. The
// stream weight is then assigned (not added: replay already re-accumulated
// the live counters) and the offset restored.
package freq

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic identifies serialized sketch data. "FQS1" in Little Endian.
	Magic uint32 = 0x31535146

	// serVersion is the serialization format version.
	serVersion = 1

	// headerSize is the fixed header length in bytes.
	headerSize = 28

	// flagEmpty marks a virgin sketch.
	flagEmpty = 1 << 0
)

var (
	// ErrInvalidData is returned when the data is structurally inconsistent
	// or too short to hold what its header declares.
	ErrInvalidData = errors.New("freq: invalid data")

	// ErrInvalidMagic is returned when the magic bytes don't match.
	ErrInvalidMagic = errors.New("freq: invalid magic identifier")

	// ErrUnsupportedVersion is returned for an unknown format version.
	ErrUnsupportedVersion = errors.New("freq: unsupported serialization version")
)

// HasValidMagic checks if data starts with the sketch magic bytes without
// allocation. Handlers use it to type-check stored values before decoding.
func HasValidMagic(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == Magic
}

// Bytes serializes the sketch.
func (s *Sketch) Bytes() []byte {
	active := s.NumActive()
	out := make([]byte, headerSize+16*active)

	binary.LittleEndian.PutUint32(out[0:4], Magic)
	out[4] = serVersion
	if active == 0 && s.streamWeight == 0 && s.offset == 0 {
		out[5] = flagEmpty
	}
	out[6] = byte(s.lgMaxMapSize)
	out[7] = byte(s.hashMap.lgLength)
	binary.LittleEndian.PutUint32(out[8:12], uint32(active))
	binary.LittleEndian.PutUint64(out[12:20], uint64(s.streamWeight))
	binary.LittleEndian.PutUint64(out[20:28], uint64(s.offset))

	counts := s.hashMap.activeCounts()
	keys := s.hashMap.activeKeys()
	for i := 0; i < active; i++ {
		binary.LittleEndian.PutUint64(out[headerSize+(i<<3):], uint64(counts[i]))
	}
	itemsOffset := headerSize + (active << 3)
	for i := 0; i < active; i++ {
		binary.LittleEndian.PutUint64(out[itemsOffset+(i<<3):], uint64(keys[i]))
	}
	return out
}

// NewFromBytes reconstructs a sketch from data produced by Bytes. The
// returned sketch is indistinguishable from the one that was serialized:
// same live set, same bounds, same stream weight, same maximum error.
func NewFromBytes(data []byte) (*Sketch, error) {
	if len(data) < headerSize {
		return nil, ErrInvalidData
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, ErrInvalidMagic
	}
	if data[4] != serVersion {
		return nil, ErrUnsupportedVersion
	}

	flags := data[5]
	lgMax := int(data[6])
	lgCur := int(data[7])
	active := int(binary.LittleEndian.Uint32(data[8:12]))
	streamWeight := int64(binary.LittleEndian.Uint64(data[12:20]))
	offset := int64(binary.LittleEndian.Uint64(data[20:28]))

	if streamWeight < 0 || offset < 0 {
		return nil, ErrInvalidData
	}
	if flags&flagEmpty != 0 && (active != 0 || streamWeight != 0 || offset != 0) {
		return nil, ErrInvalidData
	}
	if len(data) < headerSize+16*active {
		return nil, ErrInvalidData
	}

	s := NewWithLgSizes(lgMax, lgCur)

	// More live items than the maximum capacity can only come from a
	// corrupted header; replaying them would purge and scramble the set.
	if active > s.MaximumMapCapacity() {
		return nil, ErrInvalidData
	}

	itemsOffset := headerSize + (active << 3)
	for i := 0; i < active; i++ {
		count := int64(binary.LittleEndian.Uint64(data[headerSize+(i<<3):]))
		item := int64(binary.LittleEndian.Uint64(data[itemsOffset+(i<<3):]))
		if count <= 0 {
			// Live entries are positive by construction; anything else
			// means the count array is corrupt.
			return nil, ErrInvalidData
		}
		if err := s.UpdateMany(item, count); err != nil {
			return nil, err
		}
	}

	// Replay re-accumulated the live counters into streamWeight; override
	// with the recorded total, which also covers purged-away mass.
	s.streamWeight = streamWeight
	s.offset = offset
	return s, nil
}
