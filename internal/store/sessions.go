package store

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/evtrack/internal/errors"
)

const sessionColumns = `id, vin, start_time, start_latitude, start_longitude, start_soc,
	start_range_km, start_odometer_km, end_time, end_latitude, end_longitude, end_soc,
	end_range_km, end_odometer_km, summary_status, distance_km, consumed_range_km,
	added_range_km, max_speed_kmh, avg_speed_kmh, point_count, duration_seconds`

func sessionTable(kind Kind) (string, error) {
	switch kind {
	case KindDrive:
		return "drives", nil
	case KindCharge:
		return "charges", nil
	default:
		return "", errors.New().WithData(ErrInvalidKind, kind)
	}
}

// sessionColumn is the data_points column linking a point to a session.
func sessionColumn(kind Kind) string {
	if kind == KindCharge {
		return "charge_id"
	}
	return "drive_id"
}

func (r *repository) CreateSession(ctx context.Context, kind Kind, vin string, start Endpoint) (int64, error) {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return 0, err
	}

	res, err := r.db.ExecContext(ctx, `
        INSERT INTO `+table+` (vin, start_time, start_latitude, start_longitude,
            start_soc, start_range_km, start_odometer_km)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		vin, toMillis(start.Time), start.Latitude, start.Longitude,
		start.SOCPercent, start.RangeKm, start.OdometerKm)
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errFactory.Wrap(ErrStorageAccess, err)
	}

	return id, nil
}

// CloseSession writes the end snapshot of an open session. Closing an
// already closed session is an error.
func (r *repository) CloseSession(ctx context.Context, kind Kind, id int64, end Endpoint) error {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE `+table+` SET end_time = ?, end_latitude = ?, end_longitude = ?,
            end_soc = ?, end_range_km = ?, end_odometer_km = ?
        WHERE id = ? AND end_time IS NULL`,
		toMillis(end.Time), end.Latitude, end.Longitude,
		end.SOCPercent, end.RangeKm, end.OdometerKm, id)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if n == 0 {
		return errFactory.WithData(ErrSessionNotFound, struct {
			Kind Kind
			ID   int64
		}{kind, id})
	}

	return nil
}

func (r *repository) GetSession(ctx context.Context, kind Kind, id int64) (*Session, error) {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM "+table+" WHERE id = ?", id)
	s, err := scanSession(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrSessionNotFound, struct {
			Kind Kind
			ID   int64
		}{kind, id})
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return s, nil
}

// ListSessionsByStatus returns up to limit closed sessions with the given
// summary status, oldest first. Open sessions are never returned.
func (r *repository) ListSessionsByStatus(ctx context.Context, kind Kind, status SummaryStatus, limit int) ([]*Session, error) {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM "+table+`
        WHERE summary_status = ? AND end_time IS NOT NULL
        ORDER BY end_time
        LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows, kind)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return sessions, nil
}

// TransitionSummary moves the summary status from -> to. It reports false,
// without error, when the session is no longer in from.
func (r *repository) TransitionSummary(ctx context.Context, kind Kind, id int64, from, to SummaryStatus) (bool, error) {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE "+table+" SET summary_status = ? WHERE id = ? AND summary_status = ?",
		string(to), id, string(from))
	if err != nil {
		return false, errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return n == 1, nil
}

// CompleteSummary stores the statistics of a calculating session and marks
// it completed.
func (r *repository) CompleteSummary(ctx context.Context, kind Kind, id int64, s Summary) error {
	errFactory := errors.New()

	table, err := sessionTable(kind)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
        UPDATE `+table+` SET summary_status = ?, distance_km = ?, consumed_range_km = ?,
            added_range_km = ?, max_speed_kmh = ?, avg_speed_kmh = ?, point_count = ?,
            duration_seconds = ?
        WHERE id = ? AND summary_status = ?`,
		string(SummaryCompleted), s.DistanceKm, s.ConsumedRangeKm, s.AddedRangeKm,
		s.MaxSpeedKmh, s.AvgSpeedKmh, s.PointCount, s.DurationSeconds,
		id, string(SummaryCalculating))
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if n == 0 {
		return errFactory.WithData(ErrSessionNotFound, struct {
			Kind Kind
			ID   int64
		}{kind, id})
	}

	return nil
}

func scanSession(s scanner, kind Kind) (*Session, error) {
	var (
		sess                                     Session
		startTime                                int64
		endTime                                  sql.NullInt64
		endLat, endLon, endSOC, endRange, endOdo sql.NullFloat64
		status                                   string
	)

	err := s.Scan(&sess.ID, &sess.VIN, &startTime, &sess.Start.Latitude, &sess.Start.Longitude,
		&sess.Start.SOCPercent, &sess.Start.RangeKm, &sess.Start.OdometerKm,
		&endTime, &endLat, &endLon, &endSOC, &endRange, &endOdo, &status,
		&sess.Summary.DistanceKm, &sess.Summary.ConsumedRangeKm, &sess.Summary.AddedRangeKm,
		&sess.Summary.MaxSpeedKmh, &sess.Summary.AvgSpeedKmh, &sess.Summary.PointCount,
		&sess.Summary.DurationSeconds)
	if err != nil {
		return nil, err
	}

	sess.Kind = kind
	sess.Start.Time = fromMillis(startTime)
	sess.SummaryStatus = SummaryStatus(status)
	if endTime.Valid {
		sess.End = &Endpoint{
			Time:       fromMillis(endTime.Int64),
			Latitude:   endLat.Float64,
			Longitude:  endLon.Float64,
			SOCPercent: endSOC.Float64,
			RangeKm:    endRange.Float64,
			OdometerKm: endOdo.Float64,
		}
	}

	return &sess, nil
}
