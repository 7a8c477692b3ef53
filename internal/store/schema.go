package store

import (
	"database/sql"

	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/logger"
)

const (
	SchemaVersion = 2

	// Times are stored as unix milliseconds.
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS vehicles (
	       vin                  TEXT PRIMARY KEY,
	       credential           TEXT NOT NULL DEFAULT '',
	       notification_address TEXT NOT NULL DEFAULT '',
	       state                TEXT NOT NULL DEFAULT 'idle'
	                            CHECK (state IN ('idle', 'active', 'error_5xx', 'token_invalid')),
	       next_poll_time       INTEGER NOT NULL,
	       key_status           TEXT NOT NULL DEFAULT '',
	       lock_status          TEXT NOT NULL DEFAULT '',
	       charge_status        TEXT NOT NULL DEFAULT '',
	       latitude             REAL NOT NULL DEFAULT 0,
	       longitude            REAL NOT NULL DEFAULT 0,
	       soc_percent          REAL NOT NULL DEFAULT 0,
	       range_km             REAL NOT NULL DEFAULT 0,
	       odometer_km          REAL NOT NULL DEFAULT 0,
	       last_polled_at       INTEGER,
	       last_speed_kmh       REAL NOT NULL DEFAULT 0,
	       last_error           TEXT NOT NULL DEFAULT '',
	       current_drive_id     INTEGER,
	       current_charge_id    INTEGER,
	       CHECK (current_drive_id IS NULL OR current_charge_id IS NULL)
	   );
	   CREATE INDEX IF NOT EXISTS idx_vehicles_next_poll ON vehicles (next_poll_time);
	   CREATE TABLE IF NOT EXISTS drives (
	       id                INTEGER PRIMARY KEY AUTOINCREMENT,
	       vin               TEXT NOT NULL,
	       start_time        INTEGER NOT NULL,
	       start_latitude    REAL NOT NULL,
	       start_longitude   REAL NOT NULL,
	       start_soc         REAL NOT NULL,
	       start_range_km    REAL NOT NULL,
	       start_odometer_km REAL NOT NULL,
	       end_time          INTEGER,
	       end_latitude      REAL,
	       end_longitude     REAL,
	       end_soc           REAL,
	       end_range_km      REAL,
	       end_odometer_km   REAL,
	       summary_status    TEXT NOT NULL DEFAULT 'pending'
	                         CHECK (summary_status IN ('pending', 'calculating', 'completed', 'failed')),
	       distance_km       REAL NOT NULL DEFAULT 0,
	       consumed_range_km REAL NOT NULL DEFAULT 0,
	       added_range_km    REAL NOT NULL DEFAULT 0,
	       max_speed_kmh     REAL NOT NULL DEFAULT 0,
	       avg_speed_kmh     REAL NOT NULL DEFAULT 0,
	       point_count       INTEGER NOT NULL DEFAULT 0,
	       duration_seconds  INTEGER NOT NULL DEFAULT 0
	   );
	   CREATE INDEX IF NOT EXISTS idx_drives_status ON drives (summary_status, end_time);
	   CREATE TABLE IF NOT EXISTS charges (
	       id                INTEGER PRIMARY KEY AUTOINCREMENT,
	       vin               TEXT NOT NULL,
	       start_time        INTEGER NOT NULL,
	       start_latitude    REAL NOT NULL,
	       start_longitude   REAL NOT NULL,
	       start_soc         REAL NOT NULL,
	       start_range_km    REAL NOT NULL,
	       start_odometer_km REAL NOT NULL,
	       end_time          INTEGER,
	       end_latitude      REAL,
	       end_longitude     REAL,
	       end_soc           REAL,
	       end_range_km      REAL,
	       end_odometer_km   REAL,
	       summary_status    TEXT NOT NULL DEFAULT 'pending'
	                         CHECK (summary_status IN ('pending', 'calculating', 'completed', 'failed')),
	       distance_km       REAL NOT NULL DEFAULT 0,
	       consumed_range_km REAL NOT NULL DEFAULT 0,
	       added_range_km    REAL NOT NULL DEFAULT 0,
	       max_speed_kmh     REAL NOT NULL DEFAULT 0,
	       avg_speed_kmh     REAL NOT NULL DEFAULT 0,
	       point_count       INTEGER NOT NULL DEFAULT 0,
	       duration_seconds  INTEGER NOT NULL DEFAULT 0
	   );
	   CREATE INDEX IF NOT EXISTS idx_charges_status ON charges (summary_status, end_time);
	   CREATE TABLE IF NOT EXISTS data_points (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       vin           TEXT NOT NULL,
	       timestamp     INTEGER NOT NULL,
	       latitude      REAL NOT NULL,
	       longitude     REAL NOT NULL,
	       soc_percent   REAL NOT NULL,
	       range_km      REAL NOT NULL,
	       odometer_km   REAL NOT NULL,
	       key_status    TEXT NOT NULL,
	       lock_status   TEXT NOT NULL,
	       charge_status TEXT NOT NULL,
	       speed_kmh     REAL NOT NULL DEFAULT 0,
	       drive_id      INTEGER,
	       charge_id     INTEGER,
	       CHECK (drive_id IS NULL OR charge_id IS NULL)
	   );
	   CREATE INDEX IF NOT EXISTS idx_data_points_drive ON data_points (drive_id, timestamp);
	   CREATE INDEX IF NOT EXISTS idx_data_points_charge ON data_points (charge_id, timestamp);
	   CREATE INDEX IF NOT EXISTS idx_data_points_vin ON data_points (vin);
	   CREATE TABLE IF NOT EXISTS goal_tasks (
	       vin                  TEXT PRIMARY KEY,
	       id                   TEXT NOT NULL,
	       mode                 TEXT NOT NULL CHECK (mode IN ('deadline', 'threshold')),
	       deadline             INTEGER,
	       target_odometer_km   REAL,
	       auto_stop_charging   INTEGER NOT NULL DEFAULT 0 CHECK (auto_stop_charging IN (0, 1)),
	       credential           TEXT NOT NULL,
	       notification_address TEXT NOT NULL,
	       live_token           TEXT NOT NULL DEFAULT '',
	       baseline_odometer_km REAL,
	       baseline_soc         REAL,
	       created_at           INTEGER NOT NULL
	   );`
)

// tables lists every table owned by the schema, dropped on version mismatch.
var tables = []string{"goal_tasks", "data_points", "charges", "drives", "vehicles", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
