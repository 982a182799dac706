package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserversIncrementCounters(t *testing.T) {
	before := testutil.ToFloat64(commitments.WithLabelValues("bitcoin", "failed"))
	ObserveCommitment("bitcoin", "failed", 30*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(commitments.WithLabelValues("bitcoin", "failed")))

	dedupBefore := testutil.ToFloat64(receiptsDeduplicated.WithLabelValues("blake2b-256"))
	ObserveReceiptDeduplicated("blake2b-256")
	assert.Equal(t, dedupBefore+1, testutil.ToFloat64(receiptsDeduplicated.WithLabelValues("blake2b-256")))

	ObserveVerification("signature", false)
	assert.GreaterOrEqual(t, testutil.ToFloat64(verifications.WithLabelValues("signature", "fail")), 1.0)
}

func TestHandlerRendersMetrics(t *testing.T) {
	ObserveReceiptIssued("sha256", "rsa-pss-sha256")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "receiptchain_receipts_issued_total")
}
