// Package metrics exposes Prometheus instruments for the cookie pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cookiepool"

var (
	activeArtifacts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "artifacts_active",
		Help:      "Servable cookie sets currently in the pool.",
	})
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Acquisition sessions currently running.",
	})
	failedProxies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxies_failed",
		Help:      "Proxies currently excluded from rotation.",
	})
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "Acquisition attempts by terminal result.",
	}, []string{"result"})
	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Wall time of acquisition sessions.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	}, []string{"result"})
	servesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "serves_total",
		Help:      "Best-artifact queries by outcome.",
	}, []string{"outcome"})
	feedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "Consumer feedback events by result.",
	}, []string{"result"})
	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Artifacts evicted by reason.",
	}, []string{"reason"})
)

// SetActiveArtifacts records the current servable artifact count.
func SetActiveArtifacts(n int) { activeArtifacts.Set(float64(n)) }

// SetActiveSessions records the number of running sessions.
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

// SetFailedProxies records the size of the failed proxy set.
func SetFailedProxies(n int) { failedProxies.Set(float64(n)) }

// ObserveAttempt counts one terminal attempt ("success" or "failed").
func ObserveAttempt(result string) { attemptsTotal.WithLabelValues(result).Inc() }

// ObserveSession records the duration of a finished session.
func ObserveSession(result string, d time.Duration) {
	sessionDuration.WithLabelValues(result).Observe(d.Seconds())
}

// ObserveServe counts a best-artifact query.
func ObserveServe(found bool) {
	if found {
		servesTotal.WithLabelValues("hit").Inc()
		return
	}
	servesTotal.WithLabelValues("miss").Inc()
}

// ObserveFeedback counts a feedback event.
func ObserveFeedback(success bool) {
	if success {
		feedbackTotal.WithLabelValues("success").Inc()
		return
	}
	feedbackTotal.WithLabelValues("failure").Inc()
}

// ObserveEvictions adds n evictions for reason.
func ObserveEvictions(reason string, n int64) {
	if n > 0 {
		evictionsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
