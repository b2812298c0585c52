// Package metrics exports risk model run diagnostics and HTTP traffic to Prometheus.
package metrics

import (
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "factorrisk"

// Recorder implements riskmodel.Recorder on Prometheus collectors.
type Recorder struct {
	datesTotal       prometheus.Counter
	failuresTotal    *prometheus.CounterVec
	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	dateDuration     prometheus.Histogram
	universeSize     prometheus.Gauge
	imputedShare     *prometheus.GaugeVec
	ridgeTotal       prometheus.Counter
	conditionNumber  prometheus.Gauge
	rSquared         prometheus.Gauge
	eigenClipped     prometheus.Gauge
	shrinkage        prometheus.Gauge
	insufficientHist prometheus.Counter
	unrecoverable    prometheus.Counter
	lastSuccess      prometheus.Gauge
}

// NewRecorder registers the risk model collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		datesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "dates_total",
			Help: "Rebalance dates computed successfully",
		}),
		failuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "failures_total",
			Help: "Rebalance dates that failed, by stage",
		}, []string{"stage"}),
		runsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "run", Name: "runs_total",
			Help: "Completed multi-date runs",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "run", Name: "duration_seconds",
			Help:    "Wall time of multi-date runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		dateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "run", Name: "date_duration_seconds",
			Help:    "Wall time from loading a date to its finished outputs",
			Buckets: prometheus.DefBuckets,
		}),
		universeSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "exposures", Name: "universe_size",
			Help: "Securities in the most recent snapshot",
		}),
		imputedShare: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "exposures", Name: "imputed_share",
			Help: "Share of imputed exposures per factor on the most recent date",
		}, []string{"factor"}),
		ridgeTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "regression", Name: "ridge_activations_total",
			Help: "Regressions solved with the ridge penalty",
		}),
		conditionNumber: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "regression", Name: "condition_number",
			Help: "Condition number of the most recent weighted normal equations",
		}),
		rSquared: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "regression", Name: "r_squared",
			Help: "Weighted R squared of the most recent regression",
		}),
		eigenClipped: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "covariance", Name: "eigenvalues_clipped",
			Help: "Eigenvalues raised to the floor on the most recent date",
		}),
		shrinkage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "covariance", Name: "shrinkage_intensity",
			Help: "Shrinkage intensity applied on the most recent date",
		}),
		insufficientHist: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "covariance", Name: "insufficient_history_total",
			Help: "Dates without a covariance matrix for lack of history",
		}),
		unrecoverable: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "covariance", Name: "unrecoverable_total",
			Help: "Dates whose covariance matrix could not be repaired",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "run", Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last run with at least one computed date",
		}),
	}
}

// RecordDate exports one date's diagnostics.
func (r *Recorder) RecordDate(diag riskmodel.DateDiagnostics) {
	r.datesTotal.Inc()
	r.dateDuration.Observe(diag.Elapsed.Seconds())
	r.universeSize.Set(float64(diag.NumSecurities))
	for _, c := range diag.Coverage {
		r.imputedShare.WithLabelValues(c.Factor).Set(c.ImputedPct)
	}

	if reg := diag.Regression; reg != nil {
		if reg.RidgeActivated {
			r.ridgeTotal.Inc()
		}
		r.conditionNumber.Set(reg.ConditionNumber)
		r.rSquared.Set(reg.RSquared)
	}

	cov := diag.Covariance
	switch {
	case cov.Unrecoverable:
		r.unrecoverable.Inc()
	case cov.InsufficientHistory:
		r.insufficientHist.Inc()
	default:
		r.eigenClipped.Set(float64(cov.EigenvaluesClipped))
		r.shrinkage.Set(cov.ShrinkageIntensity)
	}
}

// RecordFailure counts a failed date by stage.
func (r *Recorder) RecordFailure(failure riskmodel.Failure) {
	r.failuresTotal.WithLabelValues(failure.Stage).Inc()
}

// RecordRun exports run-level totals.
func (r *Recorder) RecordRun(report *riskmodel.Report) {
	r.runsTotal.Inc()
	if !report.FinishedAt.IsZero() && !report.StartedAt.IsZero() {
		r.runDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	if report.Succeeded() > 0 {
		r.lastSuccess.Set(float64(report.FinishedAt.Unix()))
	}
}
