package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(StepsTotal.WithLabelValues("metrics-test", "primary", "success"))
	RecordStep("metrics-test", "primary", "success", 1.5)
	after := testutil.ToFloat64(StepsTotal.WithLabelValues("metrics-test", "primary", "success"))

	assert.Equal(t, before+1, after)
}

func TestRecordStep_SkippedHasNoDuration(t *testing.T) {
	before := testutil.CollectAndCount(StepDuration)
	RecordStep("metrics-skip", "primary", "skipped", 0)

	assert.Equal(t, before, testutil.CollectAndCount(StepDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(StepsTotal.WithLabelValues("metrics-skip", "primary", "skipped")))
}

func TestRecordFallbackAndRun(t *testing.T) {
	RecordFallback("discover", "degraded")
	assert.Equal(t, float64(1), testutil.ToFloat64(FallbacksTotal.WithLabelValues("discover", "degraded")))

	RecordRun("metrics-variant", "COMPLETED", true, 12)
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("metrics-variant", "COMPLETED", "true")))
	assert.Greater(t, testutil.ToFloat64(LastRunTimestamp.WithLabelValues("metrics-variant", "COMPLETED")), float64(0))
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	RecordRun("push-variant", "COMPLETED", false, 3)
	err := Push(context.Background(), srv.URL, "stagehand", map[string]string{"instance": "web-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/stagehand"), gotPath)
	assert.Contains(t, gotPath, "instance/web-1")
	assert.NotEmpty(t, gotBody)
}

func TestPush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := Push(context.Background(), srv.URL, "stagehand", nil)
	assert.Error(t, err)
}
