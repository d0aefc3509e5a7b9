// Package transform normalizes validated device reports into the domain
// records the rest of the pipeline consumes: a history snapshot, a last
// known location, and a realtime broadcast update.
package transform

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/report"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Transformer struct {
	log   *slog.Logger
	clock clockwork.Clock

	timestampsFixed atomic.Uint64
}

func New(cfg *Config) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transformer{
		log:   cfg.Logger.With("component", "transformer"),
		clock: cfg.Clock,
	}, nil
}

// Stats is a point-in-time snapshot of transformer counters.
type Stats struct {
	TimestampsFixed uint64
}

func (t *Transformer) Stats() Stats {
	return Stats{TimestampsFixed: t.timestampsFixed.Load()}
}

// Output bundles the three artifacts produced for one accepted report.
type Output struct {
	History  report.HistoryRecord
	Last     report.LastLocation
	Update   report.LocationUpdate
	ParsedAt time.Time
}

// Transform derives the domain records for one report bound to its vehicle.
// The device timestamp is kept verbatim; if it does not parse, the current
// wall-clock is substituted and counted.
func (t *Transformer) Transform(rep *report.DeviceReport, v *report.Vehicle) Output {
	now := t.clock.Now()

	rawTS := rep.Timestamp
	parsed, err := time.Parse(report.TimestampLayout, rawTS)
	if err != nil {
		parsed = now
		rawTS = now.Format(report.TimestampLayout)
		t.timestampsFixed.Add(1)
		t.log.Debug("substituted unparseable device timestamp",
			"deviceId", rep.DeviceID, "raw", rep.Timestamp)
	}

	ignition := report.NormalizeIgnition(rep.IgnitionRaw)
	events, _ := ParseEventFlags(rep.AdditionalData)

	var speed, course float64
	if rep.Speed != nil {
		speed = *rep.Speed
	}
	if rep.Course != nil {
		course = *rep.Course
	}
	var gsm int
	if rep.GSMStrength != nil {
		gsm = *rep.GSMStrength
	}

	history := report.HistoryRecord{
		VehicleID:      v.VehicleID,
		VehicleNumber:  v.VehicleNumber,
		IMEI:           rep.IMEI,
		DeviceID:       rep.DeviceID,
		Latitude:       *rep.Latitude,
		Longitude:      *rep.Longitude,
		Speed:          speed,
		Course:         course,
		Ignition:       ignition,
		Status:         rep.Status,
		VehicleStatus:  rep.VehicleStatus,
		GSMStrength:    gsm,
		Timestamp:      rawTS,
		AdditionalData: rep.AdditionalData,
		TimeIntervals:  rep.TimeIntervals,
		Events:         events,
		ReceivedAt:     rep.ReceivedAt,
	}

	last := report.LastLocation{
		VehicleID:     v.VehicleID,
		IMEI:          rep.IMEI,
		DeviceID:      rep.DeviceID,
		Latitude:      *rep.Latitude,
		Longitude:     *rep.Longitude,
		Speed:         speed,
		Course:        course,
		Ignition:      ignition,
		Status:        rep.Status,
		VehicleStatus: rep.VehicleStatus,
		Timestamp:     rawTS,
		ParsedTime:    parsed,
		UpdatedAt:     now,
	}

	update := report.LocationUpdate{
		DeviceID:       rep.DeviceID,
		Latitude:       *rep.Latitude,
		Longitude:      *rep.Longitude,
		Timestamp:      rawTS,
		Speed:          speed,
		Ignition:       ignition,
		Course:         course,
		VehicleStatus:  rep.VehicleStatus,
		GSMStrength:    gsm,
		AdditionalData: rep.AdditionalData,
		TimeIntervals:  rep.TimeIntervals,
	}

	return Output{History: history, Last: last, Update: update, ParsedAt: parsed}
}

// ParseEventFlags decodes a pure-binary additionalData payload into its
// eight event bits, bit0 first. Non-binary payloads pass through untouched
// and ok is false.
func ParseEventFlags(s string) (flags report.EventFlags, ok bool) {
	if len(s) == 0 || len(s) > 8 {
		return report.EventFlags{}, false
	}
	bits := make([]bool, 8)
	for i, c := range s {
		switch c {
		case '0':
		case '1':
			bits[i] = true
		default:
			return report.EventFlags{}, false
		}
	}
	return report.EventFlags{
		SpeedCrossed:      bits[0],
		AngleChange:       bits[1],
		TheftOrTowing:     bits[2],
		SharpTurning:      bits[3],
		DistanceChange:    bits[4],
		Roaming:           bits[5],
		HarshAcceleration: bits[6],
		HarshBraking:      bits[7],
	}, true
}
