package record

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Slot widths in bytes, in wire order. The order is part of the registered
// schema and must not change.
const (
	sizeCapturedAt = 8
	sizeLatitude   = 4
	sizeLongitude  = 4
	sizeElevation  = 4
	sizePrecision  = 4
	sizeSubject    = 32
	sizeSequence   = 32
	sizeSpeed      = 4
	sizeVisibility = 1

	// BaseSize covers the parent schema fields.
	BaseSize = sizeCapturedAt + sizeLatitude + sizeLongitude + sizeElevation +
		sizePrecision + sizeSubject + sizeSequence
	// Size is the full record including the extension fields.
	Size = BaseSize + sizeSpeed + sizeVisibility
)

// MalformedRecordError reports bytes or field values that do not form a
// valid record.
type MalformedRecordError struct {
	Reason string
	Len    int
}

func (e *MalformedRecordError) Error() string {
	if e.Len > 0 {
		return fmt.Sprintf("malformed record (%d bytes): %s", e.Len, e.Reason)
	}
	return "malformed record: " + e.Reason
}

func malformed(n int, format string, args ...any) error {
	return &MalformedRecordError{Reason: fmt.Sprintf(format, args...), Len: n}
}

// Encode writes r into its fixed layout.
func Encode(r PositionRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, malformed(0, "%v", err)
	}
	return appendRecord(make([]byte, 0, Size), r), nil
}

func appendRecord(b []byte, r PositionRecord) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(r.CapturedAt))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Latitude))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Longitude))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Elevation))
	b = binary.BigEndian.AppendUint32(b, r.Precision)
	b = append(b, r.SubjectID[:]...)
	b = append(b, r.Sequence[:]...)
	b = binary.BigEndian.AppendUint32(b, r.Speed)
	b = append(b, byte(r.Visibility))
	return b
}

// Decode parses a record. On any failure the zero record is returned together
// with a *MalformedRecordError.
func Decode(b []byte) (PositionRecord, error) {
	if len(b) != Size {
		return PositionRecord{}, malformed(len(b), "want %d bytes", Size)
	}
	var r PositionRecord
	off := 0
	r.CapturedAt = int64(binary.BigEndian.Uint64(b[off:]))
	off += sizeCapturedAt
	r.Latitude = int32(binary.BigEndian.Uint32(b[off:]))
	off += sizeLatitude
	r.Longitude = int32(binary.BigEndian.Uint32(b[off:]))
	off += sizeLongitude
	r.Elevation = int32(binary.BigEndian.Uint32(b[off:]))
	off += sizeElevation
	r.Precision = binary.BigEndian.Uint32(b[off:])
	off += sizePrecision
	copy(r.SubjectID[:], b[off:off+sizeSubject])
	off += sizeSubject
	copy(r.Sequence[:], b[off:off+sizeSequence])
	off += sizeSequence
	r.Speed = binary.BigEndian.Uint32(b[off:])
	off += sizeSpeed
	r.Visibility = Visibility(b[off])

	if err := r.Validate(); err != nil {
		return PositionRecord{}, malformed(len(b), "%v", err)
	}
	if !bytes.Equal(appendRecord(make([]byte, 0, Size), r), b) {
		return PositionRecord{}, malformed(len(b), "re-encoding does not match input")
	}
	return r, nil
}

// Split cuts a concatenation of encoded records and decodes each one.
func Split(b []byte) ([]PositionRecord, error) {
	if len(b)%Size != 0 {
		return nil, malformed(len(b), "not a multiple of %d bytes", Size)
	}
	out := make([]PositionRecord, 0, len(b)/Size)
	for off := 0; off < len(b); off += Size {
		r, err := Decode(b[off : off+Size])
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", off/Size, err)
		}
		out = append(out, r)
	}
	return out, nil
}
