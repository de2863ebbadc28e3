package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame lengths accepted from the scale, with the offset of the big-endian
// weight field in each.
const (
	ShortFrameLen = 14
	LongFrameLen  = 20

	shortWeightOffset = 11
	longWeightOffset  = 3

	stableBit = 0x20
	unitMask  = 0x0f
)

// DefaultMaxGrams is the default physical upper bound for a reading.
const DefaultMaxGrams = 5000.0

// ParsedReading is a normalised scale reading.
type ParsedReading struct {
	WeightOriginal float64 `json:"weightOriginal"`
	UnitOriginal   string  `json:"unitOriginal"`
	WeightGrams    float64 `json:"weightGrams"`
	Stable         bool    `json:"stable"`
	UnitRecognized bool    `json:"unitRecognized"`
}

var hexSeparators = strings.NewReplacer(" ", "", ":", "", "-", "", "_", "", "\t", "", "\n", "", "\r", "")

// DecodePacket parses a hex-encoded scale frame.
func DecodePacket(s string) (ParsedReading, error) {
	cleaned := hexSeparators.Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return ParsedReading{}, &DecodeError{Kind: InvalidHex}
	}
	return DecodeFrame(b)
}

// DecodeFrame parses raw frame bytes.
func DecodeFrame(b []byte) (ParsedReading, error) {
	var offset int
	switch len(b) {
	case ShortFrameLen:
		offset = shortWeightOffset
	case LongFrameLen:
		offset = longWeightOffset
	default:
		return ParsedReading{}, &DecodeError{Kind: InvalidLength, Length: len(b)}
	}

	control := b[0]
	unit, recognized := DeviceUnit(control & unitMask)
	raw := float64(binary.BigEndian.Uint16(b[offset : offset+2]))
	if unit.Imperial {
		raw /= 10
	}

	return ParsedReading{
		WeightOriginal: raw,
		UnitOriginal:   unit.Name,
		WeightGrams:    RoundGrams(raw * unit.ToGrams),
		Stable:         control&stableBit != 0,
		UnitRecognized: recognized,
	}, nil
}

// FrameSpec describes a frame to encode. Raw is the integer carried in the
// weight field (tenths of a unit for imperial units).
type FrameSpec struct {
	Length   int
	Stable   bool
	UnitCode byte
	Raw      uint16
}

// EncodeFrame builds a frame that DecodeFrame maps back to the same reading.
func EncodeFrame(f FrameSpec) ([]byte, error) {
	var offset int
	switch f.Length {
	case ShortFrameLen:
		offset = shortWeightOffset
	case LongFrameLen:
		offset = longWeightOffset
	default:
		return nil, &DecodeError{Kind: InvalidLength, Length: f.Length}
	}
	b := make([]byte, f.Length)
	b[0] = f.UnitCode & unitMask
	if f.Stable {
		b[0] |= stableBit
	}
	binary.BigEndian.PutUint16(b[offset:offset+2], f.Raw)
	return b, nil
}

// ManualReading normalises a manually entered weight.
func ManualReading(weight float64, unit string) ParsedReading {
	grams, recognized := ConvertToGrams(weight, unit)
	return ParsedReading{
		WeightOriginal: weight,
		UnitOriginal:   NormalizeUnitName(unit),
		WeightGrams:    grams,
		Stable:         true,
		UnitRecognized: recognized,
	}
}

// ValidateWeight enforces the physical limits shared by every ingestion path.
func ValidateWeight(grams, maxGrams float64) error {
	if maxGrams <= 0 {
		maxGrams = DefaultMaxGrams
	}
	if grams <= 0 {
		return &ValidationError{Field: "peso", Message: "o peso deve ser maior que 0 g"}
	}
	if grams > maxGrams {
		return &ValidationError{Field: "peso", Message: fmt.Sprintf("o peso excede o limite de %g g", maxGrams)}
	}
	return nil
}
