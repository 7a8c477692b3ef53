package store

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

const dataPointColumns = `id, vin, timestamp, latitude, longitude, soc_percent, range_km,
	odometer_km, key_status, lock_status, charge_status, speed_kmh, drive_id, charge_id`

// Validate checks that the point belongs to at most one session.
func (p *DataPoint) Validate() error {
	errFactory := errors.New()

	if p.VIN == "" {
		return errFactory.WithMessage(ErrInvalidDataPoint, "data point vin is empty")
	}
	if p.DriveID != nil && p.ChargeID != nil {
		return errFactory.WithMessage(ErrInvalidDataPoint, "data point linked to both a drive and a charge")
	}
	return nil
}

func (r *repository) InsertDataPoint(ctx context.Context, p *DataPoint) (int64, error) {
	errFactory := errors.New()

	if err := p.Validate(); err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, `
        INSERT INTO data_points (vin, timestamp, latitude, longitude, soc_percent, range_km,
            odometer_km, key_status, lock_status, charge_status, speed_kmh, drive_id, charge_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VIN, toMillis(p.Timestamp), p.Latitude, p.Longitude, p.SOCPercent, p.RangeKm,
		p.OdometerKm, string(p.KeyStatus), string(p.LockStatus), string(p.ChargeStatus),
		p.SpeedKmh, nullID(p.DriveID), nullID(p.ChargeID))
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return id, nil
}

// DeleteOrphanDataPoints removes points of vin that belong to no session.
func (r *repository) DeleteOrphanDataPoints(ctx context.Context, vin string) error {
	errFactory := errors.New()

	_, err := r.db.ExecContext(ctx, `
        DELETE FROM data_points
        WHERE vin = ? AND drive_id IS NULL AND charge_id IS NULL`, vin)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

// SessionBounds returns the earliest and latest points of a session, both nil
// when it has none.
func (r *repository) SessionBounds(ctx context.Context, kind Kind, id int64) (*DataPoint, *DataPoint, error) {
	errFactory := errors.New()

	if _, err := sessionTable(kind); err != nil {
		return nil, nil, err
	}
	column := sessionColumn(kind)

	query := func(order string) (*DataPoint, error) {
		row := r.db.QueryRowContext(ctx, "SELECT "+dataPointColumns+
			" FROM data_points WHERE "+column+" = ? ORDER BY timestamp "+order+", id "+order+" LIMIT 1", id)
		p, err := scanDataPoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		return p, nil
	}

	first, err := query("ASC")
	if err != nil || first == nil {
		return nil, nil, err
	}

	last, err := query("DESC")
	if err != nil {
		return nil, nil, err
	}

	return first, last, nil
}

func (r *repository) AggregateSpeed(ctx context.Context, kind Kind, id int64) (SpeedAggregate, error) {
	errFactory := errors.New()

	if _, err := sessionTable(kind); err != nil {
		return SpeedAggregate{}, err
	}

	var (
		agg                SpeedAggregate
		maxSpeed, avgSpeed sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*), MAX(speed_kmh), AVG(speed_kmh)
        FROM data_points WHERE `+sessionColumn(kind)+` = ?`, id).Scan(&agg.Count, &maxSpeed, &avgSpeed)
	if err != nil {
		return SpeedAggregate{}, errFactory.Wrap(ErrStorageAccess, err)
	}

	agg.Max = maxSpeed.Float64
	agg.Avg = avgSpeed.Float64

	return agg, nil
}

func scanDataPoint(s scanner) (*DataPoint, error) {
	var (
		p                 DataPoint
		ts                int64
		key, lock, charge string
		driveID, chargeID sql.NullInt64
	)

	err := s.Scan(&p.ID, &p.VIN, &ts, &p.Latitude, &p.Longitude, &p.SOCPercent, &p.RangeKm,
		&p.OdometerKm, &key, &lock, &charge, &p.SpeedKmh, &driveID, &chargeID)
	if err != nil {
		return nil, err
	}

	p.Timestamp = fromMillis(ts)
	p.KeyStatus = telemetry.KeyStatus(key)
	p.LockStatus = telemetry.LockStatus(lock)
	p.ChargeStatus = telemetry.ChargeStatus(charge)
	p.DriveID = int64Ptr(driveID)
	p.ChargeID = int64Ptr(chargeID)

	return &p, nil
}
