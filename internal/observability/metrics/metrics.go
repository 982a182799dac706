package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	receiptsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_receipts_issued_total",
		Help: "Receipts issued by hash algorithm and signer kind",
	}, []string{"algorithm", "signer"})

	receiptsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_receipts_rejected_total",
		Help: "Receipt requests that produced no receipt, by error code",
	}, []string{"code"})

	receiptsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_receipts_deduplicated_total",
		Help: "Issue requests answered with the receipt already held for the package",
	}, []string{"algorithm"})

	verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_verifications_total",
		Help: "Verification outcomes by stage",
	}, []string{"stage", "result"})

	commitments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_commitments_total",
		Help: "Ledger commitments by ledger and resulting status",
	}, []string{"ledger", "status"})

	commitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "receiptchain_commit_duration_seconds",
		Help:    "Duration of adapter commit calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"ledger"})

	tierDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receiptchain_tier_denials_total",
		Help: "Commit attempts refused by the security tier policy",
	}, []string{"tier", "ledger"})
)

// ObserveReceiptIssued counts a successfully issued receipt.
func ObserveReceiptIssued(algorithm, signer string) {
	receiptsIssued.WithLabelValues(algorithm, signer).Inc()
}

// ObserveReceiptRejected counts a request that produced no receipt.
func ObserveReceiptRejected(code string) {
	receiptsRejected.WithLabelValues(code).Inc()
}

// ObserveReceiptDeduplicated counts a request answered with an existing
// receipt.
func ObserveReceiptDeduplicated(algorithm string) {
	receiptsDeduplicated.WithLabelValues(algorithm).Inc()
}

// Verification stages.
const (
	StageHash      = "hash"
	StageSignature = "signature"
	StageMerkle    = "merkle"
	StageLedger    = "ledger"
)

// ObserveVerification records the result of one verification stage.
func ObserveVerification(stage string, ok bool) {
	result := "fail"
	if ok {
		result = "pass"
	}
	verifications.WithLabelValues(stage, result).Inc()
}

// ObserveCommitment records one adapter commit call.
func ObserveCommitment(ledger, status string, d time.Duration) {
	commitments.WithLabelValues(ledger, status).Inc()
	commitLatency.WithLabelValues(ledger).Observe(d.Seconds())
}

// ObserveTierDenial counts a ledger refused for a tier.
func ObserveTierDenial(tier, ledger string) {
	tierDenials.WithLabelValues(tier, ledger).Inc()
}

// Handler exposes the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
