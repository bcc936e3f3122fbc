package record

// JSON is the human-facing rendering of a record with coordinates in degrees.
type JSON struct {
	Sequence   Sequence `json:"sequence"`
	CapturedAt int64    `json:"capturedAt"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	Elevation  int32    `json:"elevation"`
	Precision  uint32   `json:"precision"`
	Subject    string   `json:"subject"`
	Speed      uint32   `json:"speed"`
	Visibility string   `json:"visibility"`
}

// View converts r for JSON responses.
func (r PositionRecord) View() JSON {
	return JSON{
		Sequence:   r.Sequence,
		CapturedAt: r.CapturedAt,
		Latitude:   r.LatitudeDegrees(),
		Longitude:  r.LongitudeDegrees(),
		Elevation:  r.Elevation,
		Precision:  r.Precision,
		Subject:    r.SubjectID.String(),
		Speed:      r.Speed,
		Visibility: r.Visibility.String(),
	}
}
