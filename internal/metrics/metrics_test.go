package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveResolutionIncrementsCounterAndHistogram(t *testing.T) {
	r := New()
	r.ObserveResolution(ResolutionRemoteReply, 1.5)
	r.ObserveResolution(ResolutionTimeout, 4200)

	assert.NotNil(t, r.Resolutions)
	assert.NotNil(t, r.ResolutionTime)
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.PendingRequests.Set(3)
	r.ObserveResolution(ResolutionTranscript, 2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "afkd_pending_requests 3")
	assert.Contains(t, body, "afkd_resolutions_total")
}
