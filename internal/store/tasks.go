package store

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/evtrack/internal/errors"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const taskColumns = `id, vin, mode, deadline, target_odometer_km, auto_stop_charging, credential,
	notification_address, live_token, baseline_odometer_km, baseline_soc, created_at`

// CreateTask persists t, assigning its ID when empty. A second task for the
// same VIN fails with ErrTaskExists.
func (r *repository) CreateTask(ctx context.Context, t *GoalTask) error {
	errFactory := errors.New()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	var (
		deadline sql.NullInt64
		target   sql.NullFloat64
	)
	switch t.Mode {
	case ModeDeadline:
		deadline = nullMillis(t.Deadline)
	case ModeThreshold:
		target = sql.NullFloat64{Float64: t.TargetOdometerKm, Valid: true}
	default:
		return errFactory.WithData(errors.ErrInvalidTask, t.Mode)
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO goal_tasks (`+taskColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.VIN, string(t.Mode), deadline, target, boolToInt(t.AutoStopCharging), t.Credential,
		t.NotificationAddress, t.LiveToken, nullFloat(t.BaselineOdometerKm),
		nullFloat(t.BaselineSOC), toMillis(t.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errFactory.WithData(ErrTaskExists, t.VIN)
		}
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	return nil
}

func (r *repository) GetTask(ctx context.Context, vin string) (*GoalTask, error) {
	errFactory := errors.New()

	row := r.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM goal_tasks WHERE vin = ?", vin)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errFactory.WithData(ErrTaskNotFound, vin)
	}
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return t, nil
}

// DeleteTask reports whether a task existed.
func (r *repository) DeleteTask(ctx context.Context, vin string) (bool, error) {
	return r.deleteTask(ctx, "DELETE FROM goal_tasks WHERE vin = ?", vin)
}

func (r *repository) DeleteTaskByID(ctx context.Context, vin, id string) (bool, error) {
	return r.deleteTask(ctx, "DELETE FROM goal_tasks WHERE vin = ? AND id = ?", vin, id)
}

func (r *repository) deleteTask(ctx context.Context, query string, args ...any) (bool, error) {
	errFactory := errors.New()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errFactory.Wrap(ErrStorageAccess, err)
	}

	return n > 0, nil
}

func (r *repository) ListTasks(ctx context.Context, mode TaskMode) ([]*GoalTask, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM goal_tasks WHERE mode = ? ORDER BY created_at, vin", string(mode))
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var tasks []*GoalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return tasks, nil
}

func (r *repository) UpdateTaskLiveToken(ctx context.Context, vin, token string) error {
	errFactory := errors.New()

	res, err := r.db.ExecContext(ctx, "UPDATE goal_tasks SET live_token = ? WHERE vin = ?", token, vin)
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errFactory.Wrap(ErrStorageAccess, err)
	}
	if n == 0 {
		return errFactory.WithData(ErrTaskNotFound, vin)
	}

	return nil
}

func scanTask(s scanner) (*GoalTask, error) {
	var (
		t                GoalTask
		mode             string
		deadline         sql.NullInt64
		target           sql.NullFloat64
		autoStop         int
		baseOdo, baseSOC sql.NullFloat64
		createdAt        int64
	)

	err := s.Scan(&t.ID, &t.VIN, &mode, &deadline, &target, &autoStop, &t.Credential,
		&t.NotificationAddress, &t.LiveToken, &baseOdo, &baseSOC, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Mode = TaskMode(mode)
	if deadline.Valid {
		t.Deadline = fromMillis(deadline.Int64)
	}
	t.TargetOdometerKm = target.Float64
	t.AutoStopCharging = autoStop == 1
	t.BaselineOdometerKm = float64Ptr(baseOdo)
	t.BaselineSOC = float64Ptr(baseSOC)
	t.CreatedAt = fromMillis(createdAt)

	return &t, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
