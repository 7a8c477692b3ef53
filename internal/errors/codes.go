package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Resource errors
	ErrResourceNotFound ErrorCode = "resource_not_found"

	// Application errors
	ErrInitApp   ErrorCode = "init_app_failed"
	ErrMainLoop  ErrorCode = "main_loop_failed"
	ErrTimeout   ErrorCode = "operation_timeout"
	ErrCancelled ErrorCode = "operation_cancelled"

	// Upstream errors
	ErrUpstreamServer    ErrorCode = "upstream_server_error"
	ErrUpstreamAuth      ErrorCode = "upstream_auth_rejected"
	ErrUpstreamNetwork   ErrorCode = "upstream_network"
	ErrUpstreamMalformed ErrorCode = "upstream_malformed"
	ErrCircuitOpen       ErrorCode = "circuit_open"

	// Caller-facing result codes
	ErrTaskExists       ErrorCode = "task_exists"
	ErrTaskNotFound     ErrorCode = "task_not_found"
	ErrInvalidTask      ErrorCode = "invalid_task"
	ErrVehicleNotFound  ErrorCode = "vehicle_not_found"
	ErrSessionNotFound  ErrorCode = "session_not_found"
	ErrInvalidDataPoint ErrorCode = "invalid_data_point"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:          "Internal error occurred",
	ErrInvalidArgument:   "Invalid argument provided",
	ErrUnavailable:       "Service unavailable",
	ErrAlreadyRunning:    "Another instance is already running",
	ErrInvalidConfig:     "Invalid configuration",
	ErrMissingConfig:     "Missing configuration",
	ErrBindFlags:         "Failed to bind flags",
	ErrReadConfig:        "Failed to read config file",
	ErrInvalidInterval:   "Invalid interval value",
	ErrInvalidLogLevel:   "Invalid log level",
	ErrInitFailed:        "Initialization failed",
	ErrShutdownFailed:    "Shutdown failed",
	ErrResourceNotFound:  "Resource not found",
	ErrInitApp:           "Failed to initialize application",
	ErrMainLoop:          "Error in main loop",
	ErrTimeout:           "Operation timed out",
	ErrCancelled:         "Operation cancelled",
	ErrUpstreamServer:    "Upstream server error",
	ErrUpstreamAuth:      "Upstream rejected credential",
	ErrUpstreamNetwork:   "Upstream unreachable",
	ErrUpstreamMalformed: "Upstream returned a malformed response",
	ErrCircuitOpen:       "Circuit breaker is open",
	ErrTaskExists:        "Task already exists",
	ErrTaskNotFound:      "Task not found",
	ErrInvalidTask:       "Invalid task",
	ErrVehicleNotFound:   "Vehicle not found",
	ErrSessionNotFound:   "Session not found",
	ErrInvalidDataPoint:  "Invalid data point",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
