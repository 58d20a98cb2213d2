package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	m := New(func() int { return 3 })

	m.RunStarted()
	m.RunStarted()
	m.RunFinished("completed")
	m.RunFinished("failed")
	m.RunSuspended()
	m.RunResumed("approved")
	m.EntryAppended("text")
	m.EntryAppended("text")
	m.ToolExecuted("send_email", true, 20*time.Millisecond)
	m.ToolExecuted("send_email", false, time.Millisecond)
	m.ModelRequest(true)
	m.ModelRetry()

	require.Equal(t, float64(2), testutil.ToFloat64(m.RunsStarted))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RunsFinished.WithLabelValues("completed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.RunsSuspended))
	require.Equal(t, float64(2), testutil.ToFloat64(m.JournalEntries.WithLabelValues("text")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("send_email", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("send_email", "error")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ModelRetries))
	require.Equal(t, float64(3), testutil.ToFloat64(m.Subscribers))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var m *Metrics
	m.RunStarted()
	m.RunFinished("completed")
	m.RunSuspended()
	m.RunResumed("rejected")
	m.EntryAppended("text")
	m.ToolExecuted("x", true, time.Millisecond)
	m.ModelRequest(false)
	m.ModelRetry()
}

func TestHandlerServesExposition(t *testing.T) {
	m := New(nil)
	m.RunStarted()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "durarun_runs_started_total 1"))
}
