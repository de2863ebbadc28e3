package domain

import (
	"math"
	"strings"
)

// Unit is a physical unit a scale can report, with its grams conversion factor.
type Unit struct {
	Code     byte
	Name     string
	ToGrams  float64
	Imperial bool
}

// deviceUnits maps the low nibble of a frame's control byte to a unit.
var deviceUnits = map[byte]Unit{
	0x1: {Code: 0x1, Name: "g", ToGrams: 1},
	0x2: {Code: 0x2, Name: "ml", ToGrams: 1},
	0x3: {Code: 0x3, Name: "ml_leite", ToGrams: 1.03},
	0x4: {Code: 0x4, Name: "oz", ToGrams: 28.349523125, Imperial: true},
	0x5: {Code: 0x5, Name: "lb", ToGrams: 453.59237, Imperial: true},
	0x6: {Code: 0x6, Name: "fl_oz", ToGrams: 29.5735295625, Imperial: true},
	0x7: {Code: 0x7, Name: "fl_oz_leite", ToGrams: 30.46073544, Imperial: true},
}

// Grams is the fallback unit for unrecognised device codes.
var Grams = deviceUnits[0x1]

var unitAliases = map[string]string{
	"g":           "g",
	"grama":       "g",
	"gramas":      "g",
	"kg":          "kg",
	"quilo":       "kg",
	"quilos":      "kg",
	"mg":          "mg",
	"ml":          "ml",
	"ml_leite":    "ml_leite",
	"oz":          "oz",
	"lb":          "lb",
	"lbs":         "lb",
	"fl_oz":       "fl_oz",
	"floz":        "fl_oz",
	"fl_oz_leite": "fl_oz_leite",
}

var manualFactors = map[string]float64{
	"kg": 1000,
	"mg": 0.001,
}

// DeviceUnit returns the unit for a device unit code. The boolean reports
// whether the code was recognised; unknown codes yield Grams.
func DeviceUnit(code byte) (Unit, bool) {
	u, ok := deviceUnits[code&0x0f]
	if !ok {
		return Grams, false
	}
	return u, true
}

// ConvertToGrams converts a manually entered value to grams. Unrecognised
// units are converted 1:1 and reported with recognized=false.
func ConvertToGrams(value float64, unit string) (grams float64, recognized bool) {
	name, ok := unitAliases[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return RoundGrams(value), false
	}
	if f, ok := manualFactors[name]; ok {
		return RoundGrams(value * f), true
	}
	for _, u := range deviceUnits {
		if u.Name == name {
			return RoundGrams(value * u.ToGrams), true
		}
	}
	return RoundGrams(value), false
}

// NormalizeUnitName returns the canonical unit name for a manual unit string,
// or the trimmed lower-case input when the unit is unknown.
func NormalizeUnitName(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	if name, ok := unitAliases[u]; ok {
		return name
	}
	return u
}

// RoundGrams rounds half away from zero to two decimal places.
func RoundGrams(v float64) float64 {
	return math.Round(v*100) / 100
}
