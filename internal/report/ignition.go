package report

import "strings"

// Firmware vendors report ignition state in a dozen spellings. Anything not
// in the recognized ON/OFF sets normalizes to OFF.
var (
	ignitionOn = map[string]struct{}{
		"1": {}, "ON": {}, "TRUE": {}, "IGON": {}, "IG_ON": {},
		"IGNITION_ON": {}, "ENGINE_ON": {}, "STARTED": {},
	}
	ignitionOff = map[string]struct{}{
		"0": {}, "OFF": {}, "FALSE": {}, "IGOFF": {}, "IG_OFF": {},
		"IGNITION_OFF": {}, "ENGINE_OFF": {}, "STOPPED": {},
	}
)

// NormalizeIgnition maps a free-form ignition string to ON or OFF.
// Unknown and empty values normalize to OFF.
func NormalizeIgnition(raw string) Ignition {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := ignitionOn[key]; ok {
		return IgnitionOn
	}
	return IgnitionOff
}

// RecognizedIgnition reports whether the raw value is in the recognized
// ON or OFF vocabulary.
func RecognizedIgnition(raw string) bool {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := ignitionOn[key]; ok {
		return true
	}
	_, ok := ignitionOff[key]
	return ok
}
