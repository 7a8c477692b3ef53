package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

const vehicleColumns = `vin, credential, notification_address, state, next_poll_time,
	key_status, lock_status, charge_status, latitude, longitude, soc_percent, range_km,
	odometer_km, last_polled_at, last_speed_kmh, last_error, current_drive_id, current_charge_id`

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

var _ Repository = (*repository)(nil)

// NewRepository opens (and if necessary creates or migrates) the SQLite
// database at cfg.DBPath.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// SQLite allows one writer; serialize at the pool instead of retrying on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Repository initialized")

	return &repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Repository closed gracefully")

	return nil
}

// withTx runs fn in a transaction, rolling back unless fn succeeds and the
// commit goes through.
func (r *repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	errFactory := errors.New()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

func (r *repository) UpsertVehicle(ctx context.Context, v *Vehicle) error {
	errFactory := errors.New()

	if v == nil || v.VIN == "" {
		return errFactory.WithMessage(errors.ErrInvalidArgument, "vehicle vin is empty")
	}

	state := v.State
	if state == "" {
		state = StateIdle
	}

	// Relinking replaces the credential, so a rejected token no longer applies.
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO vehicles (vin, credential, notification_address, state, next_poll_time)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (vin) DO UPDATE SET
            credential = excluded.credential,
            notification_address = excluded.notification_address,
            next_poll_time = excluded.next_poll_time,
            state = CASE WHEN vehicles.state = 'token_invalid' THEN 'idle' ELSE vehicles.state END,
            last_error = ''
    `, v.VIN, v.Credential, v.NotificationAddress, string(state), toMillis(v.NextPollTime))
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *repository) GetVehicle(ctx context.Context, vin string) (*Vehicle, error) {
	errFactory := errors.New()

	row := r.db.QueryRowContext(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE vin = ?", vin)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrVehicleNotFound, vin)
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return v, nil
}

// ListDueVehicles returns vehicles whose next poll is due and that still
// have a credential.
func (r *repository) ListDueVehicles(ctx context.Context, now time.Time) ([]*Vehicle, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, "SELECT "+vehicleColumns+`
        FROM vehicles
        WHERE next_poll_time <= ? AND credential != ''
        ORDER BY next_poll_time`, toMillis(now))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var vehicles []*Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return vehicles, nil
}

func (r *repository) UpdateVehicle(ctx context.Context, vin string, patch VehiclePatch) error {
	errFactory := errors.New()

	if patch.Empty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.State != nil {
		set("state", string(*patch.State))
	}
	if patch.NextPollTime != nil {
		set("next_poll_time", toMillis(*patch.NextPollTime))
	}
	if s := patch.Snapshot; s != nil {
		set("key_status", string(s.KeyStatus))
		set("lock_status", string(s.LockStatus))
		set("charge_status", string(s.ChargeStatus))
		set("latitude", s.Latitude)
		set("longitude", s.Longitude)
		set("soc_percent", s.SOCPercent)
		set("range_km", s.RangeKm)
		set("odometer_km", s.OdometerKm)
		set("last_polled_at", nullMillis(s.PolledAt))
	}
	if patch.LastSpeedKmh != nil {
		set("last_speed_kmh", *patch.LastSpeedKmh)
	}
	if patch.LastError != nil {
		set("last_error", *patch.LastError)
	}
	if patch.CurrentDriveID != nil {
		set("current_drive_id", patch.CurrentDriveID.nullInt64())
	}
	if patch.CurrentChargeID != nil {
		set("current_charge_id", patch.CurrentChargeID.nullInt64())
	}

	args = append(args, vin)
	res, err := r.db.ExecContext(ctx,
		"UPDATE vehicles SET "+strings.Join(sets, ", ")+" WHERE vin = ?", args...)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if n == 0 {
		return errFactory.WithData(ErrVehicleNotFound, vin)
	}

	return nil
}

// DeleteVehicle unlinks a vehicle and removes everything recorded for it.
func (r *repository) DeleteVehicle(ctx context.Context, vin string) error {
	errFactory := errors.New()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"goal_tasks", "data_points", "drives", "charges"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE vin = ?", vin); err != nil {
				return errFactory.Wrap(ErrStorageAccess, err)
			}
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM vehicles WHERE vin = ?", vin)
		if err != nil {
			return errFactory.Wrap(ErrStorageAccess, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errFactory.WithData(ErrVehicleNotFound, vin)
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *repository) PurgeUnlinked(ctx context.Context, vin string) error {
	errFactory := errors.New()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"data_points", "drives", "charges"} {
			_, err := tx.ExecContext(ctx, "DELETE FROM "+table+`
                WHERE vin = ? AND NOT EXISTS (SELECT 1 FROM vehicles WHERE vin = ?)`, vin, vin)
			if err != nil {
				return errFactory.Wrap(ErrStorageAccess, err)
			}
		}
		return nil
	})
}

func scanVehicle(s scanner) (*Vehicle, error) {
	var (
		v                           Vehicle
		state, key, lock, charge    string
		nextPoll                    int64
		polledAt, driveID, chargeID sql.NullInt64
	)

	err := s.Scan(&v.VIN, &v.Credential, &v.NotificationAddress, &state, &nextPoll,
		&key, &lock, &charge, &v.Last.Latitude, &v.Last.Longitude, &v.Last.SOCPercent,
		&v.Last.RangeKm, &v.Last.OdometerKm, &polledAt, &v.LastSpeedKmh, &v.LastError,
		&driveID, &chargeID)
	if err != nil {
		return nil, err
	}

	v.State = VehicleState(state)
	v.NextPollTime = fromMillis(nextPoll)
	v.Last.KeyStatus = telemetry.KeyStatus(key)
	v.Last.LockStatus = telemetry.LockStatus(lock)
	v.Last.ChargeStatus = telemetry.ChargeStatus(charge)
	if polledAt.Valid {
		v.Last.PolledAt = fromMillis(polledAt.Int64)
	}
	v.CurrentDriveID = int64Ptr(driveID)
	v.CurrentChargeID = int64Ptr(chargeID)

	return &v, nil
}

func (l *SessionLink) nullInt64() sql.NullInt64 {
	return sql.NullInt64{Int64: l.ID, Valid: l.Valid}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func float64Ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
