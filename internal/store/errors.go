package store

import "codeberg.org/mutker/evtrack/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("store_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("store_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Record Errors
	ErrVehicleNotFound  = errors.ErrVehicleNotFound
	ErrSessionNotFound  = errors.ErrSessionNotFound
	ErrTaskNotFound     = errors.ErrTaskNotFound
	ErrTaskExists       = errors.ErrTaskExists
	ErrInvalidDataPoint = errors.ErrInvalidDataPoint
	ErrInvalidKind      = errors.ErrorCode("store_invalid_session_kind")
)
