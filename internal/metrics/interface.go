package metrics

import (
	"net/http"
	"time"
)

// Poll outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeServerError  = "server_error"
	OutcomeAuthRejected = "auth_rejected"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeOther        = "other"
)

// Collector records daemon activity. Implementations must be safe for
// concurrent use.
type Collector interface {
	PollCompleted(outcome string, took time.Duration)
	BreakerState(name string, state string)
	NotificationSent(status string)
	SummaryFinished(kind, status string)
	GoalTasksActive(mode string, n int)
	Handler() http.Handler
}
