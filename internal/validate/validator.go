// Package validate performs structural and semantic validation of decoded
// device reports. Critical failures reject a record; warnings are recorded
// but let the record through.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/thinture/gpstracker/internal/report"
)

const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MaxSpeedKmh  = 300.0
	MaxGSM       = 31
	IMEILength   = 15

	// Coordinates within this distance of (0,0) are flagged suspicious but
	// not rejected; a cold GPS fix reports the null island.
	nullIslandEpsilon = 1e-6
)

// Result is the validation outcome for a single report.
type Result struct {
	Errors     []string
	Warnings   []string
	Suspicious bool
}

// OK reports whether the record passed all critical rules.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// BatchResult aggregates per-index outcomes for a batch of reports.
type BatchResult struct {
	Results []Result
	Valid   int
	Invalid int
}

// Validate applies all rules to a single report. The input is not mutated.
func Validate(rep *report.DeviceReport) Result {
	var res Result

	if rep.DeviceID == "" {
		res.Errors = append(res.Errors, "Missing deviceId")
	}
	if rep.IMEI == "" {
		res.Errors = append(res.Errors, "Missing imei")
	} else if !validIMEI(rep.IMEI) {
		res.Errors = append(res.Errors, fmt.Sprintf("Invalid imei %q: want %d digits", rep.IMEI, IMEILength))
	}
	if rep.Status == "" {
		res.Errors = append(res.Errors, "Missing status")
	}

	switch {
	case rep.Latitude == nil:
		res.Errors = append(res.Errors, "Missing latitude")
	case *rep.Latitude < MinLatitude || *rep.Latitude > MaxLatitude:
		res.Errors = append(res.Errors, "Invalid latitude")
	}
	switch {
	case rep.Longitude == nil:
		res.Errors = append(res.Errors, "Missing longitude")
	case *rep.Longitude < MinLongitude || *rep.Longitude > MaxLongitude:
		res.Errors = append(res.Errors, "Invalid longitude")
	}

	if rep.Timestamp == "" {
		res.Errors = append(res.Errors, "Missing timestamp")
	} else if _, err := time.Parse(report.TimestampLayout, rep.Timestamp); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Unparseable timestamp %q, current time will be substituted", rep.Timestamp))
	}

	if rep.Speed != nil && (*rep.Speed < 0 || *rep.Speed > MaxSpeedKmh) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Speed %.1f out of range 0..%.0f", *rep.Speed, MaxSpeedKmh))
	}
	if rep.GSMStrength != nil && (*rep.GSMStrength < 0 || *rep.GSMStrength > MaxGSM) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("GSM strength %d out of range 0..%d", *rep.GSMStrength, MaxGSM))
	}
	if rep.IgnitionRaw != "" && !report.RecognizedIgnition(rep.IgnitionRaw) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Unrecognized ignition %q, normalizing to OFF", rep.IgnitionRaw))
	}

	if rep.Latitude != nil && rep.Longitude != nil &&
		math.Abs(*rep.Latitude) < nullIslandEpsilon && math.Abs(*rep.Longitude) < nullIslandEpsilon {
		res.Suspicious = true
		res.Warnings = append(res.Warnings, "Coordinates at (0,0) are suspicious")
	}

	return res
}

// ValidateBatch validates each report in order and returns per-index results
// with a summary.
func ValidateBatch(reports []report.DeviceReport) BatchResult {
	out := BatchResult{Results: make([]Result, len(reports))}
	for i := range reports {
		out.Results[i] = Validate(&reports[i])
		if out.Results[i].OK() {
			out.Valid++
		} else {
			out.Invalid++
		}
	}
	return out
}

func validIMEI(imei string) bool {
	if len(imei) != IMEILength {
		return false
	}
	for _, c := range imei {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
