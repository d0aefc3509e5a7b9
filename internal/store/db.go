// Package store owns the mutable vehicle state: the vehicle registry with
// its device bindings, and the single last-location row per vehicle.
package store

import (
	"context"
	"errors"

	"github.com/thinture/gpstracker/internal/report"
)

// ErrNotFound is returned when no row matches the lookup.
var ErrNotFound = errors.New("not found")

// Database is the persistence boundary for vehicle state.
type Database interface {
	VehicleByIMEI(ctx context.Context, imei string) (*report.Vehicle, error)
	VehicleByDeviceID(ctx context.Context, deviceID string) (*report.Vehicle, error)
	BindDeviceID(ctx context.Context, vehicleID int64, deviceID string) error
	LastLocation(ctx context.Context, vehicleID int64) (*report.LastLocation, error)
	UpsertLastLocation(ctx context.Context, loc *report.LastLocation) error
}
