package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Canonical field names of the registered schema.
const (
	FieldCapturedAt = "capturedAt"
	FieldLatitude   = "latitude"
	FieldLongitude  = "longitude"
	FieldElevation  = "elevation"
	FieldPrecision  = "precision"
	FieldSubjectID  = "subjectId"
	FieldSequence   = "sequence"
	FieldSpeed      = "speed"
	FieldVisibility = "visibilityState"
)

// FieldNames lists the schema fields in layout order.
var FieldNames = []string{
	FieldCapturedAt, FieldLatitude, FieldLongitude, FieldElevation, FieldPrecision,
	FieldSubjectID, FieldSequence, FieldSpeed, FieldVisibility,
}

// Fields returns the record as a name to value map.
func Fields(r PositionRecord) map[string]any {
	return map[string]any{
		FieldCapturedAt: r.CapturedAt,
		FieldLatitude:   int64(r.Latitude),
		FieldLongitude:  int64(r.Longitude),
		FieldElevation:  int64(r.Elevation),
		FieldPrecision:  int64(r.Precision),
		FieldSubjectID:  append([]byte(nil), r.SubjectID[:]...),
		FieldSequence:   r.Sequence.String(),
		FieldSpeed:      int64(r.Speed),
		FieldVisibility: int64(r.Visibility),
	}
}

// normalizeName folds case and drops separators so "captured_at",
// "CapturedAt" and "captured-at" resolve to the same field.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "")
	return strings.ReplaceAll(name, "-", "")
}

var aliases = func() map[string]string {
	m := make(map[string]string, len(FieldNames)+3)
	for _, n := range FieldNames {
		m[normalizeName(n)] = n
	}
	m["precisionm"] = FieldPrecision
	m["speedkmh"] = FieldSpeed
	m["seq"] = FieldSequence
	m["seqtext"] = FieldSequence
	m["elevationm"] = FieldElevation
	return m
}()

// CanonicalField maps a store column or property name to its schema field.
func CanonicalField(name string) (string, bool) {
	f, ok := aliases[normalizeName(name)]
	return f, ok
}

// FromFields rebuilds a record strictly by field name. Unknown names are
// ignored; missing or repeated schema fields make the input malformed. The
// store may hand back composite-schema columns in any order, so position is
// never consulted.
func FromFields(values map[string]any) (PositionRecord, error) {
	seen := make(map[string]any, len(FieldNames))
	for name, v := range values {
		f, ok := CanonicalField(name)
		if !ok {
			continue
		}
		if _, dup := seen[f]; dup {
			return PositionRecord{}, malformed(0, "field %s present twice", f)
		}
		seen[f] = v
	}
	for _, f := range FieldNames {
		if _, ok := seen[f]; !ok {
			return PositionRecord{}, malformed(0, "field %s missing", f)
		}
	}

	var (
		r   PositionRecord
		err error
	)
	if r.CapturedAt, err = intField(seen, FieldCapturedAt, math.MinInt64, math.MaxInt64); err != nil {
		return PositionRecord{}, err
	}
	lat, err := intField(seen, FieldLatitude, MinLatitude, MaxLatitude)
	if err != nil {
		return PositionRecord{}, err
	}
	lon, err := intField(seen, FieldLongitude, MinLongitude, MaxLongitude)
	if err != nil {
		return PositionRecord{}, err
	}
	elev, err := intField(seen, FieldElevation, math.MinInt32, math.MaxInt32)
	if err != nil {
		return PositionRecord{}, err
	}
	prec, err := intField(seen, FieldPrecision, 0, math.MaxUint32)
	if err != nil {
		return PositionRecord{}, err
	}
	speed, err := intField(seen, FieldSpeed, 0, math.MaxUint32)
	if err != nil {
		return PositionRecord{}, err
	}
	vis, err := intField(seen, FieldVisibility, 0, int64(Eclipsed))
	if err != nil {
		return PositionRecord{}, err
	}
	r.Latitude, r.Longitude, r.Elevation = int32(lat), int32(lon), int32(elev)
	r.Precision, r.Speed, r.Visibility = uint32(prec), uint32(speed), Visibility(vis)

	subj, ok := seen[FieldSubjectID].([]byte)
	if !ok {
		if s, isString := seen[FieldSubjectID].(string); isString {
			subj = []byte(s)
		} else {
			return PositionRecord{}, malformed(0, "field %s has type %T", FieldSubjectID, seen[FieldSubjectID])
		}
	}
	if len(subj) != len(r.SubjectID) {
		return PositionRecord{}, malformed(0, "field %s has %d bytes", FieldSubjectID, len(subj))
	}
	copy(r.SubjectID[:], subj)

	switch v := seen[FieldSequence].(type) {
	case string:
		r.Sequence, err = ParseSequence(v)
	case []byte:
		r.Sequence, err = ParseSequence(string(v))
	case int64:
		if v < 0 {
			err = fmt.Errorf("negative")
		}
		r.Sequence = SequenceFromUint64(uint64(v))
	default:
		err = fmt.Errorf("type %T", v)
	}
	if err != nil {
		return PositionRecord{}, malformed(0, "field %s: %v", FieldSequence, err)
	}
	return r, nil
}

func intField(values map[string]any, name string, lo, hi int64) (int64, error) {
	var n int64
	switch v := values[name].(type) {
	case int64:
		n = v
	case int32:
		n = int64(v)
	case int:
		n = int64(v)
	case int16:
		n = int64(v)
	case int8:
		n = int64(v)
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, malformed(0, "field %s overflows", name)
		}
		n = int64(v)
	case float64:
		if v != math.Trunc(v) {
			return 0, malformed(0, "field %s is fractional", name)
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, malformed(0, "field %s: %v", name, err)
		}
		n = parsed
	case []byte:
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, malformed(0, "field %s: %v", name, err)
		}
		n = parsed
	default:
		return 0, malformed(0, "field %s has type %T", name, v)
	}
	if n < lo || n > hi {
		return 0, malformed(0, "field %s value %d out of range", name, n)
	}
	return n, nil
}
