package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
)

const (
	notifyTimeout     = 2 * time.Minute
	tagChargeComplete = "charge_complete"
)

// Ledger applies one telemetry sample to a vehicle: it opens and closes
// sessions, writes the sample as a data point and returns the vehicle
// update for the caller to persist.
type Ledger struct {
	repo   store.Repository
	sender notify.Sender
	log    logger.Logger

	wg sync.WaitGroup
}

func NewLedger(repo store.Repository, sender notify.Sender, log logger.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		sender: sender,
		log:    log,
	}
}

// Process handles sample t taken at now for vehicle v. The returned patch
// carries state, snapshot, speed and session references; it does not set
// the next poll time.
//
// On error the patch is still worth persisting: it holds the session
// references as they are in the store after the writes that succeeded. The
// snapshot is only included once every session write went through, so a
// transition that failed half way is detected again on the next poll.
func (l *Ledger) Process(ctx context.Context, v *store.Vehicle, t *telemetry.Telemetry, now time.Time) (store.VehiclePatch, error) {
	errFactory := errors.New()

	if v == nil || t == nil {
		return store.VehiclePatch{}, errFactory.WithMessage(ErrInvalidInput, "vehicle and telemetry are required")
	}

	prev := v.Last.Status()
	cur := t.Status()
	driveID, chargeID := v.CurrentDriveID, v.CurrentChargeID
	at := endpoint(t, now)

	charging := cur.Charge == telemetry.Charging
	wasCharging := prev.Charge == telemetry.Charging

	links := func() store.VehiclePatch {
		return store.VehiclePatch{CurrentDriveID: link(driveID), CurrentChargeID: link(chargeID)}
	}

	switch {
	case charging && !wasCharging:
		// The drive end is written before the charge start.
		if driveID != nil {
			if err := l.repo.CloseSession(ctx, store.KindDrive, *driveID, at); err != nil {
				return links(), errFactory.Wrap(ErrSessionWrite, err)
			}
			l.log.Debug().Str("vin", v.VIN).Int64("drive_id", *driveID).Msg("Drive closed by charge start")
			driveID = nil
		}
		if chargeID == nil {
			id, err := l.repo.CreateSession(ctx, store.KindCharge, v.VIN, at)
			if err != nil {
				return links(), errFactory.Wrap(ErrSessionWrite, err)
			}
			l.log.Info().Str("vin", v.VIN).Int64("charge_id", id).Msg("Charge started")
			chargeID = &id
		}
	case !charging && wasCharging:
		if chargeID != nil {
			if err := l.repo.CloseSession(ctx, store.KindCharge, *chargeID, at); err != nil {
				return links(), errFactory.Wrap(ErrSessionWrite, err)
			}
			l.log.Info().Str("vin", v.VIN).Int64("charge_id", *chargeID).Msg("Charge ended")
			chargeID = nil
			l.notifyChargeComplete(ctx, v, t)
		}
	}

	// Drive transitions are evaluated after charge transitions in the same
	// sample, so a charge ending while the vehicle pulls away opens a drive.
	if !charging {
		var err error
		if driveID, err = l.driveTransition(ctx, v.VIN, prev, cur, driveID, at); err != nil {
			return links(), errFactory.Wrap(ErrSessionWrite, err)
		}
	}

	speed := l.speed(v, t, now, charging || isParked(cur))
	state := Derive(v.State, cur)

	patch := links()
	patch.State = &state
	patch.Snapshot = snapshot(t, now)
	patch.LastSpeedKmh = &speed

	if err := l.writeDataPoint(ctx, v.VIN, t, now, speed, driveID, chargeID); err != nil {
		return patch, err
	}

	noError := ""
	patch.LastError = &noError

	return patch, nil
}

// Wait blocks until background notifications have finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}

func (l *Ledger) driveTransition(ctx context.Context, vin string, prev, cur telemetry.Status, driveID *int64, at store.Endpoint) (*int64, error) {
	switch {
	case isDriving(cur) && !isDriving(prev):
		if driveID != nil {
			if err := l.repo.CloseSession(ctx, store.KindDrive, *driveID, at); err != nil {
				return driveID, err
			}
		}
		id, err := l.repo.CreateSession(ctx, store.KindDrive, vin, at)
		if err != nil {
			return nil, err
		}
		l.log.Info().Str("vin", vin).Int64("drive_id", id).Msg("Drive started")
		return &id, nil

	case driveID != nil && cur.Key == telemetry.KeyOff:
		// Off and unlocked ends the drive; so does going straight to parked.
		if err := l.repo.CloseSession(ctx, store.KindDrive, *driveID, at); err != nil {
			return driveID, err
		}
		l.log.Info().Str("vin", vin).Int64("drive_id", *driveID).Msg("Drive ended")
		return nil, nil
	}

	return driveID, nil
}

func (l *Ledger) speed(v *store.Vehicle, t *telemetry.Telemetry, now time.Time, forceZero bool) float64 {
	if forceZero || v.Last.PolledAt.IsZero() {
		return 0
	}
	return EstimateSpeed(v.Last.OdometerKm, t.OdometerKm, now.Sub(v.Last.PolledAt), v.LastSpeedKmh)
}

func (l *Ledger) writeDataPoint(ctx context.Context, vin string, t *telemetry.Telemetry, now time.Time, speed float64, driveID, chargeID *int64) error {
	errFactory := errors.New()

	// At most one orphan point is kept per vehicle.
	if driveID == nil && chargeID == nil {
		if err := l.repo.DeleteOrphanDataPoints(ctx, vin); err != nil {
			return errFactory.Wrap(ErrDataPointWrite, err)
		}
	}

	_, err := l.repo.InsertDataPoint(ctx, &store.DataPoint{
		VIN:          vin,
		Timestamp:    now,
		Latitude:     t.Latitude,
		Longitude:    t.Longitude,
		SOCPercent:   t.SOCPercent,
		RangeKm:      t.RemainingRangeKm,
		OdometerKm:   t.OdometerKm,
		KeyStatus:    t.KeyStatus,
		LockStatus:   t.LockStatus,
		ChargeStatus: t.ChargeStatus,
		SpeedKmh:     speed,
		DriveID:      driveID,
		ChargeID:     chargeID,
	})
	if err != nil {
		return errFactory.Wrap(ErrDataPointWrite, err)
	}

	return nil
}

func (l *Ledger) notifyChargeComplete(ctx context.Context, v *store.Vehicle, t *telemetry.Telemetry) {
	if v.NotificationAddress == "" {
		return
	}

	n := notify.Notification{
		Address: v.NotificationAddress,
		Title:   "Charging complete",
		Body:    fmt.Sprintf("Battery at %.0f%%, %.0f km range.", t.SOCPercent, t.RemainingRangeKm),
		Tag:     tagChargeComplete,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		if err := l.sender.SendNotification(ctx, n); err != nil {
			l.log.Warn().Err(err).Str("vin", v.VIN).Msg("Failed to send charge completion notification")
		}
	}()
}

func endpoint(t *telemetry.Telemetry, now time.Time) store.Endpoint {
	return store.Endpoint{
		Time:       now,
		Latitude:   t.Latitude,
		Longitude:  t.Longitude,
		SOCPercent: t.SOCPercent,
		RangeKm:    t.RemainingRangeKm,
		OdometerKm: t.OdometerKm,
	}
}

func snapshot(t *telemetry.Telemetry, now time.Time) *store.Snapshot {
	return &store.Snapshot{
		KeyStatus:    t.KeyStatus,
		LockStatus:   t.LockStatus,
		ChargeStatus: t.ChargeStatus,
		Latitude:     t.Latitude,
		Longitude:    t.Longitude,
		SOCPercent:   t.SOCPercent,
		RangeKm:      t.RemainingRangeKm,
		OdometerKm:   t.OdometerKm,
		PolledAt:     now,
	}
}

func link(id *int64) *store.SessionLink {
	if id == nil {
		return store.Unlink()
	}
	return store.LinkTo(*id)
}
