package session_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/session"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vin = "VIN1"

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// recordingRepo records the session and data point writes made through it.
type recordingRepo struct {
	store.Repository

	mu            sync.Mutex
	calls         []string
	points        []*store.DataPoint
	orphanDeletes int
	failPoints    int
}

func (r *recordingRepo) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRepo) CreateSession(ctx context.Context, kind store.Kind, vin string, start store.Endpoint) (int64, error) {
	r.record("open_" + string(kind))
	return r.Repository.CreateSession(ctx, kind, vin, start)
}

func (r *recordingRepo) CloseSession(ctx context.Context, kind store.Kind, id int64, end store.Endpoint) error {
	r.record("close_" + string(kind))
	return r.Repository.CloseSession(ctx, kind, id, end)
}

func (r *recordingRepo) InsertDataPoint(ctx context.Context, p *store.DataPoint) (int64, error) {
	r.mu.Lock()
	if r.failPoints > 0 {
		r.failPoints--
		r.mu.Unlock()
		return 0, errors.New().New(store.ErrStorageAccess)
	}
	r.points = append(r.points, p)
	r.mu.Unlock()
	return r.Repository.InsertDataPoint(ctx, p)
}

func (r *recordingRepo) DeleteOrphanDataPoints(ctx context.Context, vin string) error {
	r.mu.Lock()
	r.orphanDeletes++
	r.mu.Unlock()
	return r.Repository.DeleteOrphanDataPoints(ctx, vin)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (s *fakeSender) SendNotification(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

type fixture struct {
	repo   *recordingRepo
	sender *fakeSender
	ledger *session.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := store.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "evtrack.db")
	base, err := store.NewRepository(cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	require.NoError(t, base.UpsertVehicle(context.Background(), &store.Vehicle{
		VIN: vin, Credential: "tok", NotificationAddress: "dev-1", NextPollTime: t0,
	}))

	repo := &recordingRepo{Repository: base}
	sender := &fakeSender{}

	return &fixture{repo: repo, sender: sender, ledger: session.NewLedger(repo, sender, logger.Nop())}
}

// poll runs one sample through the ledger and persists the result like the
// poll scheduler does.
func (f *fixture) poll(t *testing.T, tel telemetry.Telemetry, at time.Time) *store.Vehicle {
	t.Helper()
	ctx := context.Background()

	v, err := f.repo.GetVehicle(ctx, vin)
	require.NoError(t, err)

	tel.VIN = vin
	patch, err := f.ledger.Process(ctx, v, &tel, at)
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateVehicle(ctx, vin, patch))

	v, err = f.repo.GetVehicle(ctx, vin)
	require.NoError(t, err)
	assert.False(t, v.CurrentDriveID != nil && v.CurrentChargeID != nil, "vehicle holds two sessions")

	return v
}

func (f *fixture) lastPoint(t *testing.T) *store.DataPoint {
	t.Helper()
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	require.NotEmpty(t, f.repo.points)
	return f.repo.points[len(f.repo.points)-1]
}

func sample(key telemetry.KeyStatus, lock telemetry.LockStatus, charge telemetry.ChargeStatus, odo float64) telemetry.Telemetry {
	return telemetry.Telemetry{
		KeyStatus:        key,
		LockStatus:       lock,
		ChargeStatus:     charge,
		Latitude:         52.37,
		Longitude:        4.89,
		SOCPercent:       60,
		RemainingRangeKm: 240,
		OdometerKm:       odo,
	}
}

func parked(odo float64) telemetry.Telemetry {
	return sample(telemetry.KeyOff, telemetry.Locked, telemetry.NotCharging, odo)
}

func driving(odo float64) telemetry.Telemetry {
	return sample(telemetry.KeyRunning, telemetry.Unlocked, telemetry.NotCharging, odo)
}

func charging(odo float64) telemetry.Telemetry {
	return sample(telemetry.KeyOff, telemetry.Locked, telemetry.Charging, odo)
}

func TestParkedVehicleKeepsSingleOrphanPoint(t *testing.T) {
	f := newFixture(t)

	f.poll(t, parked(1000), t0)
	v := f.poll(t, parked(1000), t0.Add(time.Minute))

	assert.Equal(t, store.StateIdle, v.State)
	assert.Nil(t, v.CurrentDriveID)
	assert.Nil(t, v.CurrentChargeID)
	assert.Equal(t, 2, f.repo.orphanDeletes, "every orphan write clears the previous one")

	p := f.lastPoint(t)
	assert.Nil(t, p.DriveID)
	assert.Nil(t, p.ChargeID)
	assert.Zero(t, p.SpeedKmh)
}

func TestDriveOpensWhenVehicleStarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.poll(t, parked(1000), t0)
	v := f.poll(t, driving(1000), t0.Add(time.Minute))

	assert.Equal(t, store.StateActive, v.State)
	require.NotNil(t, v.CurrentDriveID)

	d, err := f.repo.GetSession(ctx, store.KindDrive, *v.CurrentDriveID)
	require.NoError(t, err)
	assert.True(t, d.Start.Time.Equal(t0.Add(time.Minute)))
	assert.InDelta(t, 1000, d.Start.OdometerKm, 1e-9)
	assert.InDelta(t, 60, d.Start.SOCPercent, 1e-9)
	assert.InDelta(t, 240, d.Start.RangeKm, 1e-9)
	assert.InDelta(t, 52.37, d.Start.Latitude, 1e-9)
	assert.Nil(t, d.End)

	p := f.lastPoint(t)
	require.NotNil(t, p.DriveID)
	assert.Equal(t, *v.CurrentDriveID, *p.DriveID)

	// Still driving: same drive, speed from the odometer.
	v2 := f.poll(t, driving(1000+0.015), t0.Add(time.Minute+time.Second))
	assert.Equal(t, *v.CurrentDriveID, *v2.CurrentDriveID)
	assert.InDelta(t, 10, v2.LastSpeedKmh, 1e-6, "clamped to the acceleration ceiling")
}

func TestChargeStartClosesDriveFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.poll(t, parked(1000), t0)
	v := f.poll(t, driving(1000), t0.Add(time.Minute))
	driveID := *v.CurrentDriveID

	f.repo.mu.Lock()
	f.repo.calls = nil
	f.repo.mu.Unlock()

	v = f.poll(t, charging(1010), t0.Add(20*time.Minute))

	assert.Nil(t, v.CurrentDriveID)
	require.NotNil(t, v.CurrentChargeID)
	assert.Equal(t, []string{"close_drive", "open_charge"}, f.repo.calls)

	d, err := f.repo.GetSession(ctx, store.KindDrive, driveID)
	require.NoError(t, err)
	c, err := f.repo.GetSession(ctx, store.KindCharge, *v.CurrentChargeID)
	require.NoError(t, err)
	require.NotNil(t, d.End)
	assert.False(t, d.End.Time.After(c.Start.Time))

	p := f.lastPoint(t)
	assert.Nil(t, p.DriveID)
	require.NotNil(t, p.ChargeID)
	assert.Zero(t, p.SpeedKmh, "charging forces zero speed")

	// Another charging sample keeps the same charge.
	v2 := f.poll(t, charging(1010), t0.Add(21*time.Minute))
	assert.Equal(t, *v.CurrentChargeID, *v2.CurrentChargeID)
}

func TestChargeEndNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.poll(t, parked(1000), t0)
	v := f.poll(t, charging(1000), t0.Add(time.Minute))
	chargeID := *v.CurrentChargeID

	v = f.poll(t, sample(telemetry.KeyOff, telemetry.Locked, telemetry.ChargeComplete, 1000), t0.Add(time.Hour))
	f.ledger.Wait()

	assert.Nil(t, v.CurrentChargeID)
	assert.Equal(t, store.StateIdle, v.State)

	c, err := f.repo.GetSession(ctx, store.KindCharge, chargeID)
	require.NoError(t, err)
	assert.NotNil(t, c.End)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "dev-1", f.sender.sent[0].Address)
	assert.Equal(t, "charge_complete", f.sender.sent[0].Tag)
}

func TestChargeEndAndDriveStartInOneSample(t *testing.T) {
	f := newFixture(t)

	f.poll(t, parked(1000), t0)
	f.poll(t, charging(1000), t0.Add(time.Minute))

	f.repo.mu.Lock()
	f.repo.calls = nil
	f.repo.mu.Unlock()

	v := f.poll(t, driving(1000), t0.Add(time.Hour))
	f.ledger.Wait()

	assert.Equal(t, []string{"close_charge", "open_drive"}, f.repo.calls)
	assert.Nil(t, v.CurrentChargeID)
	assert.NotNil(t, v.CurrentDriveID)
}

func TestDriveEnds(t *testing.T) {
	tests := []struct {
		name string
		end  telemetry.Telemetry
	}{
		{"off and unlocked", sample(telemetry.KeyOff, telemetry.Unlocked, telemetry.NotCharging, 1005)},
		{"straight to parked", parked(1005)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.poll(t, parked(1000), t0)
			v := f.poll(t, driving(1000), t0.Add(time.Minute))
			driveID := *v.CurrentDriveID

			v = f.poll(t, tt.end, t0.Add(10*time.Minute))
			assert.Nil(t, v.CurrentDriveID)

			d, err := f.repo.GetSession(context.Background(), store.KindDrive, driveID)
			require.NoError(t, err)
			require.NotNil(t, d.End)
			assert.InDelta(t, 1005, d.End.OdometerKm, 1e-9)
		})
	}
}

func TestRestartedDriveClosesPrevious(t *testing.T) {
	f := newFixture(t)

	f.poll(t, parked(1000), t0)
	v := f.poll(t, driving(1000), t0.Add(time.Minute))
	first := *v.CurrentDriveID

	// Accessory in between, then running again: a new drive.
	f.poll(t, sample(telemetry.KeyAccessory, telemetry.Unlocked, telemetry.NotCharging, 1001), t0.Add(2*time.Minute))
	v = f.poll(t, driving(1001), t0.Add(3*time.Minute))

	require.NotNil(t, v.CurrentDriveID)
	assert.NotEqual(t, first, *v.CurrentDriveID)

	d, err := f.repo.GetSession(context.Background(), store.KindDrive, first)
	require.NoError(t, err)
	assert.NotNil(t, d.End)
}

func TestDataPointsNeverLinkedTwice(t *testing.T) {
	f := newFixture(t)

	samples := []telemetry.Telemetry{
		parked(1000), driving(1000), driving(1001), charging(1002),
		driving(1002), parked(1003), charging(1003), parked(1003),
	}
	for i, s := range samples {
		f.poll(t, s, t0.Add(time.Duration(i)*time.Minute))
	}
	f.ledger.Wait()

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	require.Len(t, f.repo.points, len(samples))
	for _, p := range f.repo.points {
		assert.False(t, p.DriveID != nil && p.ChargeID != nil)
	}
}

// failedPoll runs one sample whose data point write fails and persists the
// partial patch like the poll scheduler does.
func (f *fixture) failedPoll(t *testing.T, tel telemetry.Telemetry, at time.Time) *store.Vehicle {
	t.Helper()
	ctx := context.Background()

	f.repo.mu.Lock()
	f.repo.failPoints = 1
	f.repo.mu.Unlock()

	v, err := f.repo.GetVehicle(ctx, vin)
	require.NoError(t, err)

	tel.VIN = vin
	patch, err := f.ledger.Process(ctx, v, &tel, at)
	require.Error(t, err)
	require.NoError(t, f.repo.UpdateVehicle(ctx, vin, patch))

	v, err = f.repo.GetVehicle(ctx, vin)
	require.NoError(t, err)
	return v
}

func (f *fixture) count(call string) int {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	n := 0
	for _, c := range f.repo.calls {
		if c == call {
			n++
		}
	}
	return n
}

func TestDataPointFailureKeepsSingleCharge(t *testing.T) {
	f := newFixture(t)

	f.poll(t, parked(1000), t0)
	v := f.failedPoll(t, charging(1000), t0.Add(time.Minute))
	require.NotNil(t, v.CurrentChargeID, "the opened charge is linked despite the failure")
	chargeID := *v.CurrentChargeID

	v = f.poll(t, charging(1000), t0.Add(2*time.Minute))
	require.NotNil(t, v.CurrentChargeID)
	assert.Equal(t, chargeID, *v.CurrentChargeID)
	assert.Equal(t, 1, f.count("open_charge"))

	p := f.lastPoint(t)
	require.NotNil(t, p.ChargeID)
	assert.Equal(t, chargeID, *p.ChargeID)
}

func TestDataPointFailureKeepsSingleDrive(t *testing.T) {
	f := newFixture(t)

	f.poll(t, parked(1000), t0)
	v := f.failedPoll(t, driving(1000), t0.Add(time.Minute))
	require.NotNil(t, v.CurrentDriveID)
	driveID := *v.CurrentDriveID

	v = f.poll(t, driving(1000.1), t0.Add(2*time.Minute))
	require.NotNil(t, v.CurrentDriveID)
	assert.Equal(t, driveID, *v.CurrentDriveID)
	assert.Equal(t, 1, f.count("open_drive"))
}

func TestFailedSessionWriteIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.poll(t, parked(1000), t0)

	v, err := f.repo.GetVehicle(ctx, vin)
	require.NoError(t, err)
	broken := &recordingRepo{Repository: &failingSessions{Repository: f.repo.Repository}}
	tel := charging(1000)
	tel.VIN = vin
	patch, err := session.NewLedger(broken, f.sender, logger.Nop()).Process(ctx, v, &tel, t0.Add(time.Minute))
	require.Error(t, err)
	assert.Nil(t, patch.Snapshot, "snapshot withheld so the transition is seen again")
	require.NoError(t, f.repo.UpdateVehicle(ctx, vin, patch))

	v = f.poll(t, charging(1000), t0.Add(2*time.Minute))
	assert.NotNil(t, v.CurrentChargeID, "charge opened on the next sample")
	assert.Equal(t, 1, f.count("open_charge"))
}

type failingSessions struct {
	store.Repository
}

func (failingSessions) CreateSession(context.Context, store.Kind, string, store.Endpoint) (int64, error) {
	return 0, errors.New().New(store.ErrStorageAccess)
}
