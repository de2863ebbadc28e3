package domain

import (
	"fmt"
	"math"
	"strings"
)

// UnknownDevice stands in for a missing scale MAC address.
const UnknownDevice = "UNKNOWN"

// NormalizeMAC upper-cases a MAC address, mapping blank input to UnknownDevice.
func NormalizeMAC(mac string) string {
	m := strings.ToUpper(strings.TrimSpace(mac))
	if m == "" {
		return UnknownDevice
	}
	return m
}

// DedupSignature identifies "the same reading" for suppression purposes:
// user, whole grams, unit and device.
func DedupSignature(userID string, grams float64, unit, mac string) string {
	return fmt.Sprintf("%s:%d:%s:%s", userID, int64(math.Round(grams)), unit, NormalizeMAC(mac))
}
