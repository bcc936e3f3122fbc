// Package record defines the position record that the oracle appends to the
// ledger and the fixed binary layout it travels in.
//
// The codec works on raw integers only. Conversions between micro-degrees and
// floating point degrees live in the helpers of this file so callers do the
// scaling at the boundary between the codec and domain logic.
package record

import (
	"fmt"
	"math"
	"strings"
)

// Coordinate limits after scaling by 1,000,000.
const (
	MaxLatitude  = 90_000_000
	MinLatitude  = -90_000_000
	MaxLongitude = 180_000_000
	MinLongitude = -180_000_000

	microScale = 1_000_000
)

// Visibility describes how the tracked subject relates to the sunlit side of
// the Earth at capture time.
type Visibility uint8

const (
	NotVisible Visibility = iota
	Visible
	Daylight // on the illuminated side
	Eclipsed // on the dark side
)

func (v Visibility) Valid() bool { return v <= Eclipsed }

func (v Visibility) String() string {
	switch v {
	case NotVisible:
		return "not-visible"
	case Visible:
		return "visible"
	case Daylight:
		return "daylight"
	case Eclipsed:
		return "eclipsed"
	default:
		return fmt.Sprintf("visibility(%d)", uint8(v))
	}
}

// SubjectID is the fixed-width opaque identifier of the tracked entity.
type SubjectID [32]byte

// SubjectFromString places the ASCII name in the leading bytes and zero pads
// the rest. Names longer than 32 bytes are rejected.
func SubjectFromString(name string) (SubjectID, error) {
	var id SubjectID
	if len(name) > len(id) {
		return id, fmt.Errorf("subject %q longer than %d bytes", name, len(id))
	}
	copy(id[:], name)
	return id, nil
}

// String trims the zero padding. Identifiers that are not printable text are
// rendered as hex.
func (s SubjectID) String() string {
	trimmed := strings.TrimRight(string(s[:]), "\x00")
	for _, r := range trimmed {
		if r < 0x20 || r > 0x7e {
			return fmt.Sprintf("%x", s[:])
		}
	}
	return trimmed
}

// PositionRecord is one immutable observation as stored in the ledger.
// Base fields come first, then the dataset extension fields.
type PositionRecord struct {
	CapturedAt int64 // milliseconds since epoch, as reported by the source
	Latitude   int32 // micro-degrees
	Longitude  int32 // micro-degrees
	Elevation  int32 // meters
	Precision  uint32
	SubjectID  SubjectID
	Sequence   Sequence

	Speed      uint32 // km/h
	Visibility Visibility
}

// Validate checks the value ranges the layout promises.
func (r PositionRecord) Validate() error {
	if r.Latitude < MinLatitude || r.Latitude > MaxLatitude {
		return fmt.Errorf("latitude %d out of range", r.Latitude)
	}
	if r.Longitude < MinLongitude || r.Longitude > MaxLongitude {
		return fmt.Errorf("longitude %d out of range", r.Longitude)
	}
	if !r.Visibility.Valid() {
		return fmt.Errorf("visibility state %d unknown", r.Visibility)
	}
	return nil
}

// LatitudeDegrees and LongitudeDegrees scale the raw micro-degree values.
func (r PositionRecord) LatitudeDegrees() float64  { return Degrees(r.Latitude) }
func (r PositionRecord) LongitudeDegrees() float64 { return Degrees(r.Longitude) }

// Degrees converts micro-degrees to degrees.
func Degrees(micro int32) float64 {
	return float64(micro) / microScale
}

// MicroDegrees rounds degrees to the nearest micro-degree. Values outside the
// ±180° window are refused so the result always fits the 32-bit slot.
func MicroDegrees(deg float64) (int32, error) {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0, fmt.Errorf("coordinate %v is not finite", deg)
	}
	scaled := math.Round(deg * microScale)
	if scaled < MinLongitude || scaled > MaxLongitude {
		return 0, fmt.Errorf("coordinate %v out of range", deg)
	}
	return int32(scaled), nil
}
