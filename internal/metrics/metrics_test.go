package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/evtrack/internal/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService(t *testing.T) {
	c, err := NewService(DefaultConfig(), logger.Nop())
	require.NoError(t, err)

	s, ok := c.(*service)
	require.True(t, ok)

	c.PollCompleted(OutcomeSuccess, 20*time.Millisecond)
	c.PollCompleted(OutcomeSuccess, 30*time.Millisecond)
	c.PollCompleted(OutcomeServerError, time.Second)
	c.BreakerState("provider", "open")
	c.NotificationSent("delivered")
	c.SummaryFinished("drive", "completed")
	c.GoalTasksActive("threshold", 2)

	assert.InDelta(t, 2, testutil.ToFloat64(s.polls.WithLabelValues(OutcomeSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.polls.WithLabelValues(OutcomeServerError)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(s.breaker.WithLabelValues("provider")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.notifications.WithLabelValues("delivered")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(s.summaries.WithLabelValues("drive", "completed")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(s.goalTasks.WithLabelValues("threshold")), 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `evtrack_polls_total{outcome="success"} 2`)
}

func TestDisabledIsNoop(t *testing.T) {
	c, err := NewService(Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, Noop(), c)

	c.PollCompleted(OutcomeOther, time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
