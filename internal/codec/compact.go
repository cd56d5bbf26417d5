package codec

import (
	"encoding/json"
	"math"
	"time"
)

// compactSample is the single-letter-key JSON shape used by bandwidth-
// constrained driver apps.
type compactSample struct {
	Lat      float64 `json:"a"`
	Lng      float64 `json:"o"`
	Heading  float64 `json:"h,omitempty"`
	Speed    float64 `json:"s,omitempty"`
	Sec      int64   `json:"t"`
	H3       string  `json:"x,omitempty"`
	DriverID string  `json:"d,omitempty"`
}

// EncodeCompactJSON marshals a sample with single-letter keys and
// coordinates rounded to 6 decimals (~11 cm).
func EncodeCompactJSON(s LocationSample) ([]byte, error) {
	return json.Marshal(compactSample{
		Lat:      round6(s.Lat),
		Lng:      round6(s.Lng),
		Heading:  clampHeading(s.Heading),
		Speed:    clampSpeed(s.Speed),
		Sec:      s.Timestamp.Unix(),
		H3:       s.H3Index,
		DriverID: s.DriverID,
	})
}

// DecodeCompactJSON unmarshals the compact shape with the same
// clamping rules as the binary decoder.
func DecodeCompactJSON(data []byte) (LocationSample, error) {
	var c compactSample
	if err := json.Unmarshal(data, &c); err != nil {
		return LocationSample{}, err
	}
	return LocationSample{
		DriverID:  c.DriverID,
		Lat:       c.Lat,
		Lng:       c.Lng,
		Heading:   clampHeading(c.Heading),
		Speed:     clampSpeed(c.Speed),
		Timestamp: time.Unix(c.Sec, 0).UTC(),
		H3Index:   c.H3,
	}, nil
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
