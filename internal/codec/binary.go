// Package codec implements the compact wire encodings for driver
// location samples: a fixed 24-byte binary layout (32 bytes with a
// driver tag), a batch frame, and a single-letter-key compact JSON
// variant, selected by HTTP content negotiation.
package codec

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"github.com/uber/h3-go/v4"
)

// Binary layout sizes.
const (
	// SampleSize is one location sample: lat f32 LE (0), lng f32 LE (4),
	// heading*100 u16 LE (8), speed*100 u16 LE (10), timestamp sec u32
	// LE (12), H3 index u64 LE (16).
	SampleSize = 24

	// TaggedSampleSize prepends an 8-byte driver tag.
	TaggedSampleSize = 32

	// batchHeaderSize is the uint16 sample count header.
	batchHeaderSize = 2
)

var (
	ErrShortBuffer   = errors.New("codec: buffer too short")
	ErrBadFrameSize  = errors.New("codec: frame size mismatch")
	ErrEmptyBatch    = errors.New("codec: empty batch")
	ErrBatchTooLarge = errors.New("codec: batch exceeds uint16 count")
)

// LocationSample is one driver position report.
type LocationSample struct {
	DriverID  string
	Lat       float64
	Lng       float64
	Heading   float64 // degrees, [0, 360)
	Speed     float64 // km/h, >= 0
	Timestamp time.Time
	H3Index   string // empty when unknown
}

// DriverTag derives the fixed 8-byte tag for the extended layout. The
// tag identifies a driver within a session; it is not reversible.
func DriverTag(driverID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(driverID))
	return h.Sum64()
}

// Encode writes the 24-byte layout.
func Encode(s LocationSample) []byte {
	buf := make([]byte, SampleSize)
	encodeInto(buf, s)
	return buf
}

// EncodeTagged writes the 32-byte layout with the driver tag prefix.
func EncodeTagged(s LocationSample) []byte {
	buf := make([]byte, TaggedSampleSize)
	binary.LittleEndian.PutUint64(buf[0:8], DriverTag(s.DriverID))
	encodeInto(buf[8:], s)
	return buf
}

func encodeInto(buf []byte, s LocationSample) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(float32(s.Lat)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(float32(s.Lng)))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(clampHeading(s.Heading)*100))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(clampSpeed(s.Speed)*100))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(s.Timestamp.Unix()))
	binary.LittleEndian.PutUint64(buf[16:24], h3ToBits(s.H3Index))
}

// Decode reads the 24-byte layout. Heading is clamped to [0, 360),
// speed to >= 0, and an all-zero H3 field decodes as absent.
func Decode(buf []byte) (LocationSample, error) {
	if len(buf) < SampleSize {
		return LocationSample{}, ErrShortBuffer
	}
	return decodeSample(buf), nil
}

// DecodeTagged reads the 32-byte layout. The driver tag is returned
// as-is; resolving it back to a driver id is the caller's concern.
func DecodeTagged(buf []byte) (uint64, LocationSample, error) {
	if len(buf) < TaggedSampleSize {
		return 0, LocationSample{}, ErrShortBuffer
	}
	tag := binary.LittleEndian.Uint64(buf[0:8])
	return tag, decodeSample(buf[8:]), nil
}

func decodeSample(buf []byte) LocationSample {
	s := LocationSample{
		Lat:       float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4]))),
		Lng:       float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8]))),
		Heading:   clampHeading(float64(binary.LittleEndian.Uint16(buf[8:10])) / 100),
		Speed:     float64(binary.LittleEndian.Uint16(buf[10:12])) / 100,
		Timestamp: time.Unix(int64(binary.LittleEndian.Uint32(buf[12:16])), 0).UTC(),
	}
	if bits := binary.LittleEndian.Uint64(buf[16:24]); bits != 0 {
		s.H3Index = h3.Cell(bits).String()
	}
	return s
}

// EncodeBatch writes a uint16 count header followed by count 24-byte
// samples, preserving order.
func EncodeBatch(samples []LocationSample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(samples) > math.MaxUint16 {
		return nil, ErrBatchTooLarge
	}

	buf := make([]byte, batchHeaderSize+len(samples)*SampleSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(samples)))
	for i, s := range samples {
		off := batchHeaderSize + i*SampleSize
		encodeInto(buf[off:off+SampleSize], s)
	}
	return buf, nil
}

// DecodeBatch reads a batch frame. The frame length must match the
// declared count exactly.
func DecodeBatch(buf []byte) ([]LocationSample, error) {
	if len(buf) < batchHeaderSize {
		return nil, ErrShortBuffer
	}
	count := int(binary.LittleEndian.Uint16(buf[0:2]))
	if count == 0 {
		return nil, ErrEmptyBatch
	}
	if len(buf) != batchHeaderSize+count*SampleSize {
		return nil, ErrBadFrameSize
	}

	samples := make([]LocationSample, count)
	for i := 0; i < count; i++ {
		off := batchHeaderSize + i*SampleSize
		samples[i] = decodeSample(buf[off : off+SampleSize])
	}
	return samples, nil
}

func clampHeading(h float64) float64 {
	if h < 0 || h >= 360 {
		h = math.Mod(h, 360)
		if h < 0 {
			h += 360
		}
	}
	return h
}

func clampSpeed(s float64) float64 {
	if s < 0 {
		return 0
	}
	// uint16 ceiling at 0.01 km/h granularity.
	if s > 655.35 {
		return 655.35
	}
	return s
}

func h3ToBits(index string) uint64 {
	if index == "" {
		return 0
	}
	bits, err := strconv.ParseUint(index, 16, 64)
	if err != nil {
		return 0
	}
	return bits
}
