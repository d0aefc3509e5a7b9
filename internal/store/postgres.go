package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/thinture/gpstracker/internal/report"
)

const (
	defaultMaxConns        = 10
	defaultMinConns        = 2
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdle     = 30 * time.Minute
	defaultConnectTimeout  = 5 * time.Second
)

type PostgresOption func(*Postgres)

// Postgres implements Database on a pgx connection pool.
type Postgres struct {
	dsn      string
	maxConns int32
	minConns int32
	pool     *pgxpool.Pool
	logger   *slog.Logger
}

func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		p.logger = logger
	}
}

func WithPostgresMaxConns(n int32) PostgresOption {
	return func(p *Postgres) {
		p.maxConns = n
	}
}

func WithPostgresMinConns(n int32) PostgresOption {
	return func(p *Postgres) {
		p.minConns = n
	}
}

func NewPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		dsn:      dsn,
		maxConns: defaultMaxConns,
		minConns: defaultMinConns,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}
	poolConfig.MaxConns = p.maxConns
	poolConfig.MinConns = p.minConns
	poolConfig.MaxConnLifetime = defaultMaxConnLifetime
	poolConfig.MaxConnIdleTime = defaultMaxConnIdle

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// EnsureSchema creates the vehicle registry and last-location tables if they
// do not exist. The device timestamp is stored as the raw reported string;
// parsed_time carries its parsed form for monotonicity checks.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id     BIGSERIAL PRIMARY KEY,
			imei           CHAR(15) NOT NULL UNIQUE,
			device_id      TEXT NOT NULL DEFAULT '',
			vehicle_number TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS vehicles_device_id_idx
			ON vehicles (device_id) WHERE device_id <> ''`,
		`CREATE TABLE IF NOT EXISTS last_locations (
			vehicle_id       BIGINT PRIMARY KEY REFERENCES vehicles (vehicle_id),
			imei             CHAR(15) NOT NULL,
			device_id        TEXT NOT NULL,
			latitude         DOUBLE PRECISION NOT NULL,
			longitude        DOUBLE PRECISION NOT NULL,
			speed            DOUBLE PRECISION NOT NULL,
			course           DOUBLE PRECISION NOT NULL,
			ignition         TEXT NOT NULL,
			status           TEXT NOT NULL,
			vehicle_status   TEXT NOT NULL,
			device_timestamp TEXT NOT NULL,
			parsed_time      TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("error ensuring vehicle schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) VehicleByIMEI(ctx context.Context, imei string) (*report.Vehicle, error) {
	return p.vehicleBy(ctx, `SELECT vehicle_id, imei, device_id, vehicle_number
		FROM vehicles WHERE imei = $1`, imei)
}

func (p *Postgres) VehicleByDeviceID(ctx context.Context, deviceID string) (*report.Vehicle, error) {
	return p.vehicleBy(ctx, `SELECT vehicle_id, imei, device_id, vehicle_number
		FROM vehicles WHERE device_id = $1 AND device_id <> ''`, deviceID)
}

func (p *Postgres) vehicleBy(ctx context.Context, query, arg string) (*report.Vehicle, error) {
	var v report.Vehicle
	err := p.pool.QueryRow(ctx, query, arg).
		Scan(&v.VehicleID, &v.IMEI, &v.DeviceID, &v.VehicleNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying vehicle: %w", err)
	}
	v.IMEI = trimIMEI(v.IMEI)
	return &v, nil
}

func (p *Postgres) BindDeviceID(ctx context.Context, vehicleID int64, deviceID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE vehicles SET device_id = $2 WHERE vehicle_id = $1`, vehicleID, deviceID)
	if err != nil {
		return fmt.Errorf("error binding device to vehicle %d: %w", vehicleID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) LastLocation(ctx context.Context, vehicleID int64) (*report.LastLocation, error) {
	var loc report.LastLocation
	err := p.pool.QueryRow(ctx, `SELECT vehicle_id, imei, device_id, latitude, longitude,
			speed, course, ignition, status, vehicle_status,
			device_timestamp, parsed_time, updated_at
		FROM last_locations WHERE vehicle_id = $1`, vehicleID).
		Scan(&loc.VehicleID, &loc.IMEI, &loc.DeviceID, &loc.Latitude, &loc.Longitude,
			&loc.Speed, &loc.Course, &loc.Ignition, &loc.Status, &loc.VehicleStatus,
			&loc.Timestamp, &loc.ParsedTime, &loc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying last location: %w", err)
	}
	loc.IMEI = trimIMEI(loc.IMEI)
	return &loc, nil
}

func (p *Postgres) UpsertLastLocation(ctx context.Context, loc *report.LastLocation) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO last_locations (
			vehicle_id, imei, device_id, latitude, longitude,
			speed, course, ignition, status, vehicle_status,
			device_timestamp, parsed_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			imei = EXCLUDED.imei,
			device_id = EXCLUDED.device_id,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			speed = EXCLUDED.speed,
			course = EXCLUDED.course,
			ignition = EXCLUDED.ignition,
			status = EXCLUDED.status,
			vehicle_status = EXCLUDED.vehicle_status,
			device_timestamp = EXCLUDED.device_timestamp,
			parsed_time = EXCLUDED.parsed_time,
			updated_at = EXCLUDED.updated_at`,
		loc.VehicleID, loc.IMEI, loc.DeviceID, loc.Latitude, loc.Longitude,
		loc.Speed, loc.Course, string(loc.Ignition), loc.Status, loc.VehicleStatus,
		loc.Timestamp, loc.ParsedTime, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting last location for vehicle %d: %w", loc.VehicleID, err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// trimIMEI strips the blank padding CHAR(15) columns add on short values.
func trimIMEI(s string) string {
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
