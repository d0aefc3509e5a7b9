// Package report defines the wire-level device report and the domain records
// derived from it: the append-only history snapshot, the per-vehicle last
// known location, and the realtime broadcast update.
package report

import (
	"time"
)

// Timestamp layout used by device firmwares. Device timestamps are local
// wall-clock strings and are stored verbatim, never timezone-adjusted.
const TimestampLayout = "2006-01-02 15:04:05"

// Ignition is the normalized ignition state.
type Ignition string

const (
	IgnitionOn  Ignition = "ON"
	IgnitionOff Ignition = "OFF"
)

// DeviceReport is a single decoded location report as published by a device.
// Numeric fields arrive as JSON numbers or numeric strings depending on
// firmware, so optional values are pointers populated by the flexible
// decoders in parse.go.
type DeviceReport struct {
	DeviceID       string   `json:"deviceId"`
	IMEI           string   `json:"imei"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	Speed          *float64 `json:"speed,omitempty"`
	Course         *float64 `json:"course,omitempty"`
	Timestamp      string   `json:"timestamp"`
	IgnitionRaw    string   `json:"ignition,omitempty"`
	Status         string   `json:"status,omitempty"`
	VehicleStatus  string   `json:"vehicleStatus,omitempty"`
	GSMStrength    *int     `json:"gsmStrength,omitempty"`
	AdditionalData string   `json:"additionalData,omitempty"`
	TimeIntervals  string   `json:"timeIntervals,omitempty"`

	// ReceivedAt is attached by the receiver when the payload is decoded.
	ReceivedAt time.Time `json:"-"`
}

// Vehicle is the read-through view of a registered vehicle. DeviceID is empty
// until the first successful report binds it.
type Vehicle struct {
	VehicleID     int64
	IMEI          string
	DeviceID      string
	VehicleNumber string
}

// Bound reports whether the vehicle has a device bound to it.
func (v *Vehicle) Bound() bool { return v.DeviceID != "" }

// EventFlags are the eight event bits carried in a pure-binary
// additionalData payload, bit0 first.
type EventFlags struct {
	SpeedCrossed      bool
	AngleChange       bool
	TheftOrTowing     bool
	SharpTurning      bool
	DistanceChange    bool
	Roaming           bool
	HarshAcceleration bool
	HarshBraking      bool
}

// HistoryRecord is an immutable snapshot of one accepted report bound to a
// vehicle. It is enqueued once and persisted append-only.
type HistoryRecord struct {
	VehicleID     int64
	VehicleNumber string
	IMEI          string
	DeviceID      string
	Latitude      float64
	Longitude     float64
	Speed         float64
	Course        float64
	Ignition      Ignition
	Status        string
	VehicleStatus string
	GSMStrength   int
	// Timestamp is the device wall-clock string, stored verbatim.
	Timestamp      string
	AdditionalData string
	TimeIntervals  string
	Events         EventFlags
	ReceivedAt     time.Time
}

// LastLocation is the single mutable row per vehicle holding its most recent
// known state. Timestamp is the raw device wall-clock string; ParsedTime is
// its parsed form used for monotonicity checks only.
type LastLocation struct {
	VehicleID     int64
	IMEI          string
	DeviceID      string
	Latitude      float64
	Longitude     float64
	Speed         float64
	Course        float64
	Ignition      Ignition
	Status        string
	VehicleStatus string
	Timestamp     string
	ParsedTime    time.Time
	UpdatedAt     time.Time
}

// LocationUpdate is the realtime event emitted downstream for every accepted
// report.
type LocationUpdate struct {
	DeviceID       string   `json:"deviceId"`
	Latitude       float64  `json:"lat"`
	Longitude      float64  `json:"lon"`
	Timestamp      string   `json:"timestamp"`
	Speed          float64  `json:"speed"`
	Ignition       Ignition `json:"ignition"`
	Course         float64  `json:"course"`
	VehicleStatus  string   `json:"vehicleStatus,omitempty"`
	GSMStrength    int      `json:"gsmStrength,omitempty"`
	AdditionalData string   `json:"additionalData,omitempty"`
	TimeIntervals  string   `json:"timeIntervals,omitempty"`
}
