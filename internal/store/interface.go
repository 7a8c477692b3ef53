package store

import (
	"context"
	"time"

	"codeberg.org/mutker/evtrack/internal/telemetry"
)

// VehicleState is the poll-scheduling state of a vehicle.
type VehicleState string

const (
	StateIdle         VehicleState = "idle"
	StateActive       VehicleState = "active"
	StateError5xx     VehicleState = "error_5xx"
	StateTokenInvalid VehicleState = "token_invalid"
)

// Kind selects between the two session tables.
type Kind string

const (
	KindDrive  Kind = "drive"
	KindCharge Kind = "charge"
)

type SummaryStatus string

const (
	SummaryPending     SummaryStatus = "pending"
	SummaryCalculating SummaryStatus = "calculating"
	SummaryCompleted   SummaryStatus = "completed"
	SummaryFailed      SummaryStatus = "failed"
)

type TaskMode string

const (
	ModeDeadline  TaskMode = "deadline"
	ModeThreshold TaskMode = "threshold"
)

// Snapshot is the last observed telemetry of a vehicle.
type Snapshot struct {
	KeyStatus    telemetry.KeyStatus
	LockStatus   telemetry.LockStatus
	ChargeStatus telemetry.ChargeStatus
	Latitude     float64
	Longitude    float64
	SOCPercent   float64
	RangeKm      float64
	OdometerKm   float64
	PolledAt     time.Time
}

// Status returns the status triple of the snapshot.
func (s Snapshot) Status() telemetry.Status {
	return telemetry.Status{Key: s.KeyStatus, Lock: s.LockStatus, Charge: s.ChargeStatus}
}

type Vehicle struct {
	VIN                 string
	Credential          string
	NotificationAddress string
	State               VehicleState
	NextPollTime        time.Time
	// Last is zero until the first successful poll (Last.PolledAt.IsZero()).
	Last            Snapshot
	LastSpeedKmh    float64
	LastError       string
	CurrentDriveID  *int64
	CurrentChargeID *int64
}

// SessionLink updates a nullable session reference. Valid=false clears it.
type SessionLink struct {
	ID    int64
	Valid bool
}

func LinkTo(id int64) *SessionLink { return &SessionLink{ID: id, Valid: true} }
func Unlink() *SessionLink         { return &SessionLink{} }

// VehiclePatch is a partial vehicle update. Nil fields are left unchanged.
type VehiclePatch struct {
	State           *VehicleState
	NextPollTime    *time.Time
	Snapshot        *Snapshot
	LastSpeedKmh    *float64
	LastError       *string
	CurrentDriveID  *SessionLink
	CurrentChargeID *SessionLink
}

// Empty reports whether the patch changes nothing.
func (p VehiclePatch) Empty() bool {
	return p.State == nil && p.NextPollTime == nil && p.Snapshot == nil &&
		p.LastSpeedKmh == nil && p.LastError == nil &&
		p.CurrentDriveID == nil && p.CurrentChargeID == nil
}

// Endpoint is the vehicle position and energy at a session boundary.
type Endpoint struct {
	Time       time.Time
	Latitude   float64
	Longitude  float64
	SOCPercent float64
	RangeKm    float64
	OdometerKm float64
}

// Summary holds the derived statistics of a closed session. Speed fields
// are only meaningful for drives, AddedRangeKm only for charges.
type Summary struct {
	DistanceKm      float64
	ConsumedRangeKm float64
	AddedRangeKm    float64
	MaxSpeedKmh     float64
	AvgSpeedKmh     float64
	PointCount      int
	DurationSeconds int64
}

type Session struct {
	ID            int64
	Kind          Kind
	VIN           string
	Start         Endpoint
	End           *Endpoint
	SummaryStatus SummaryStatus
	Summary       Summary
}

type DataPoint struct {
	ID           int64
	VIN          string
	Timestamp    time.Time
	Latitude     float64
	Longitude    float64
	SOCPercent   float64
	RangeKm      float64
	OdometerKm   float64
	KeyStatus    telemetry.KeyStatus
	LockStatus   telemetry.LockStatus
	ChargeStatus telemetry.ChargeStatus
	SpeedKmh     float64
	DriveID      *int64
	ChargeID     *int64
}

type SpeedAggregate struct {
	Count int
	Max   float64
	Avg   float64
}

// GoalTask is the single goal of a vehicle. ID tells a task apart from a
// later one registered for the same VIN.
type GoalTask struct {
	ID                  string
	VIN                 string
	Mode                TaskMode
	Deadline            time.Time
	TargetOdometerKm    float64
	AutoStopCharging    bool
	Credential          string
	NotificationAddress string
	LiveToken           string
	BaselineOdometerKm  *float64
	BaselineSOC         *float64
	CreatedAt           time.Time
}

// Repository persists vehicles, sessions, data points and goal tasks.
type Repository interface {
	UpsertVehicle(ctx context.Context, v *Vehicle) error
	GetVehicle(ctx context.Context, vin string) (*Vehicle, error)
	ListDueVehicles(ctx context.Context, now time.Time) ([]*Vehicle, error)
	UpdateVehicle(ctx context.Context, vin string, patch VehiclePatch) error
	DeleteVehicle(ctx context.Context, vin string) error
	// PurgeUnlinked removes sessions and data points left for vin after the
	// vehicle itself is gone. It is a no-op while the vehicle exists.
	PurgeUnlinked(ctx context.Context, vin string) error

	CreateSession(ctx context.Context, kind Kind, vin string, start Endpoint) (int64, error)
	CloseSession(ctx context.Context, kind Kind, id int64, end Endpoint) error
	GetSession(ctx context.Context, kind Kind, id int64) (*Session, error)
	ListSessionsByStatus(ctx context.Context, kind Kind, status SummaryStatus, limit int) ([]*Session, error)
	TransitionSummary(ctx context.Context, kind Kind, id int64, from, to SummaryStatus) (bool, error)
	CompleteSummary(ctx context.Context, kind Kind, id int64, s Summary) error

	InsertDataPoint(ctx context.Context, p *DataPoint) (int64, error)
	DeleteOrphanDataPoints(ctx context.Context, vin string) error
	SessionBounds(ctx context.Context, kind Kind, id int64) (first, last *DataPoint, err error)
	AggregateSpeed(ctx context.Context, kind Kind, id int64) (SpeedAggregate, error)

	CreateTask(ctx context.Context, t *GoalTask) error
	GetTask(ctx context.Context, vin string) (*GoalTask, error)
	DeleteTask(ctx context.Context, vin string) (bool, error)
	// DeleteTaskByID deletes the task of vin only if it is still task id.
	DeleteTaskByID(ctx context.Context, vin, id string) (bool, error)
	ListTasks(ctx context.Context, mode TaskMode) ([]*GoalTask, error)
	UpdateTaskLiveToken(ctx context.Context, vin, token string) error

	Close() error
}
