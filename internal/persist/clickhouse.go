package persist

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thinture/gpstracker/internal/report"
)

// Writer is the sink for history records. The batched form is preferred;
// WriteOne is the per-record fallback after a bulk failure.
type Writer interface {
	WriteBatch(ctx context.Context, records []report.HistoryRecord) error
	WriteOne(ctx context.Context, record report.HistoryRecord) error
}

type ClickhouseOption func(*ClickhouseWriter)

// ClickhouseWriter appends history records to a ClickHouse table.
type ClickhouseWriter struct {
	db         string
	table      string
	addr       string
	user       string
	pass       string
	disableTLS bool
	conn       clickhouse.Conn
	logger     *slog.Logger
	metrics    *Metrics
}

func WithClickhouseLogger(logger *slog.Logger) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.logger = logger
	}
}

func WithClickhouseDB(db string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.db = db
	}
}

func WithClickhouseTable(table string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.table = table
	}
}

func WithClickhouseAddr(addr string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.addr = addr
	}
}

func WithClickhouseUser(user string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.user = user
	}
}

func WithClickhousePassword(pass string) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.pass = pass
	}
}

func WithClickhouseTLSDisabled(disableTLS bool) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.disableTLS = disableTLS
	}
}

func WithClickhouseMetrics(metrics *Metrics) ClickhouseOption {
	return func(cw *ClickhouseWriter) {
		cw.metrics = metrics
	}
}

func NewClickhouseWriter(opts ...ClickhouseOption) (*ClickhouseWriter, error) {
	cw := &ClickhouseWriter{
		user:  "default",
		addr:  "localhost:9440",
		db:    "gpstracker",
		table: "vehicle_history",
	}
	for _, opt := range opts {
		opt(cw)
	}
	if cw.logger == nil {
		cw.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cw.metrics == nil {
		cw.metrics = NewMetrics()
	}

	chOpts := &clickhouse.Options{
		Addr: []string{cw.addr},
		Auth: clickhouse.Auth{
			Database: cw.db,
			Username: cw.user,
			Password: cw.pass,
		},
	}
	if !cw.disableTLS {
		chOpts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("error opening clickhouse connection: %w", err)
	}
	cw.conn = conn
	return cw, nil
}

// EnsureSchema creates the history table if it does not exist. The device
// timestamp column stores the reported wall-clock value with no conversion.
func (cw *ClickhouseWriter) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			vehicle_id         Int64,
			vehicle_number     LowCardinality(String),
			imei               FixedString(15),
			device_id          String,
			latitude           Float64,
			longitude          Float64,
			speed              Float64,
			course             Float64,
			ignition           LowCardinality(String),
			status             LowCardinality(String),
			vehicle_status     LowCardinality(String),
			gsm_strength       UInt8,
			device_timestamp   DateTime,
			additional_data    String,
			time_intervals     String,
			received_at        DateTime64(3)
		)
		ENGINE = MergeTree
		PARTITION BY toYYYYMM(device_timestamp)
		ORDER BY (imei, device_timestamp)
	`, cw.db, cw.table)
	if err := cw.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("error ensuring history schema: %w", err)
	}
	return nil
}

func (cw *ClickhouseWriter) WriteBatch(ctx context.Context, records []report.HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch, err := cw.conn.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO %s.%s (`, cw.db, cw.table)+`
			vehicle_id,
			vehicle_number,
			imei,
			device_id,
			latitude,
			longitude,
			speed,
			course,
			ignition,
			status,
			vehicle_status,
			gsm_strength,
			device_timestamp,
			additional_data,
			time_intervals,
			received_at
		)`)
	if err != nil {
		return fmt.Errorf("error beginning clickhouse batch: %w", err)
	}
	for _, rec := range records {
		err = batch.Append(
			rec.VehicleID,
			rec.VehicleNumber,
			rec.IMEI,
			rec.DeviceID,
			rec.Latitude,
			rec.Longitude,
			rec.Speed,
			rec.Course,
			string(rec.Ignition),
			rec.Status,
			rec.VehicleStatus,
			clampGSM(rec.GSMStrength),
			rec.Timestamp,
			rec.AdditionalData,
			rec.TimeIntervals,
			rec.ReceivedAt,
		)
		if err != nil {
			cw.logger.Error("error appending to clickhouse batch", "error", err)
		}
	}
	timer := prometheus.NewTimer(cw.metrics.InsertDuration)
	if err := batch.Send(); err != nil {
		_ = batch.Close()
		return fmt.Errorf("error sending clickhouse batch: %w", err)
	}
	timer.ObserveDuration()
	if err := batch.Close(); err != nil {
		return fmt.Errorf("error closing clickhouse batch: %w", err)
	}
	cw.logger.Debug("wrote history batch", "count", len(records))
	return nil
}

// clampGSM bounds the signal strength to 0..31. Out-of-range values pass
// validation with a warning only, and a plain uint8 conversion would wrap.
func clampGSM(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 31:
		return 31
	}
	return uint8(v)
}

func (cw *ClickhouseWriter) WriteOne(ctx context.Context, record report.HistoryRecord) error {
	return cw.WriteBatch(ctx, []report.HistoryRecord{record})
}

func (cw *ClickhouseWriter) Close() error {
	return cw.conn.Close()
}
