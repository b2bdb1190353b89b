package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/api3dao/airnode-go/pkg/logger"
)

const airnodeNamespace = "airnode"

// NodeMetrics counts what each round did. If rounds_total stops increasing,
// the coordinator is stuck.
type NodeMetrics struct {
	numRounds       prometheus.Counter
	numRoundFailure prometheus.Counter

	numRequestsIngested *prometheus.CounterVec
	numRequestsByStatus *prometheus.CounterVec

	numTransactionsSubmitted prometheus.Counter
	numSubmissionFailures    prometheus.Counter

	gasPriceGwei      prometheus.Gauge
	roundDurationSecs prometheus.Histogram
}

func NewNodeMetrics(reg prometheus.Registerer) *NodeMetrics {
	return &NodeMetrics{
		numRounds: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "rounds_total",
				Help:      "The number of processing rounds started",
			}),

		numRoundFailure: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "round_failures_total",
				Help:      "The number of rounds aborted before submission",
			}),

		numRequestsIngested: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "requests_ingested_total",
				Help:      "The number of on-chain requests picked up, by kind",
			}, []string{"kind"}),

		numRequestsByStatus: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "requests_validated_total",
				Help:      "The number of requests leaving validation, by final status",
			}, []string{"status"}),

		numTransactionsSubmitted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "transactions_submitted_total",
				Help:      "The number of fulfillment transactions sent",
			}),

		numSubmissionFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: airnodeNamespace,
				Name:      "submission_failures_total",
				Help:      "The number of requests whose submission failed and will retry next round",
			}),

		gasPriceGwei: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: airnodeNamespace,
				Name:      "gas_price_gwei",
				Help:      "The gas price used by the most recent round",
			}),

		roundDurationSecs: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: airnodeNamespace,
				Name:      "round_duration_seconds",
				Help:      "End-to-end duration of a processing round",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			}),
	}
}

func (m *NodeMetrics) IncRounds()        { m.numRounds.Inc() }
func (m *NodeMetrics) IncRoundFailures() { m.numRoundFailure.Inc() }

func (m *NodeMetrics) AddRequestsIngested(kind string, n int) {
	m.numRequestsIngested.WithLabelValues(kind).Add(float64(n))
}

func (m *NodeMetrics) IncRequestStatus(status string) {
	m.numRequestsByStatus.WithLabelValues(status).Inc()
}

func (m *NodeMetrics) AddTransactionsSubmitted(n int) {
	m.numTransactionsSubmitted.Add(float64(n))
}

func (m *NodeMetrics) AddSubmissionFailures(n int) {
	m.numSubmissionFailures.Add(float64(n))
}

func (m *NodeMetrics) SetGasPriceGwei(gwei float64) { m.gasPriceGwei.Set(gwei) }

func (m *NodeMetrics) ObserveRoundDuration(d time.Duration) {
	m.roundDurationSecs.Observe(d.Seconds())
}

// Serve exposes the registry on /metrics until ctx is cancelled.
func Serve(ctx context.Context, ipPortAddress string, reg *prometheus.Registry, l logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: ipPortAddress, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	l.Infof("serving metrics at %s/metrics", ipPortAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		l.Errorf("metrics server stopped: %v", err)
	}
}
