package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cyclopcam/classpie/pkg/tally"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	res := &tally.Result{
		Counts: tally.CountLabels([]string{"medua", "medua", "ulnoa_krank"}),
		Units:  10,
	}
	m.ObservePrediction(res, 2*time.Second)
	m.ObserveFailure(ResultUnreadableInput)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, `classpie_predictions_total{result="ok"} 1`)
	require.Contains(t, text, `classpie_predictions_total{result="unreadable_input"} 1`)
	require.Contains(t, text, `classpie_predictions_total{result="failed"} 0`)
	require.Contains(t, text, `classpie_units_total 10`)
	require.Contains(t, text, `classpie_detections_total{class="medua"} 2`)
	require.Contains(t, text, `classpie_detections_total{class="medoa"} 0`)
	require.Contains(t, text, `classpie_inference_average_seconds 2`)
	require.Contains(t, text, `classpie_inference_seconds_count 1`)
}
