// Package handlers provides HTTP handlers for risk model runs and stored outputs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Reader serves stored model outputs.
type Reader interface {
	FactorReturns(ctx context.Context, date time.Time) ([]domain.FactorReturn, error)
	SpecificRisk(ctx context.Context, date time.Time) ([]domain.SpecificRisk, error)
	Exposures(ctx context.Context, date time.Time, security string) (*riskmodel.SecurityExposures, error)
	Diagnostics(ctx context.Context, date time.Time) (*riskmodel.DateDiagnostics, error)
	DateResult(ctx context.Context, date time.Time, securities []string, level string) (*riskmodel.DateResult, error)
	Runs(ctx context.Context, limit int) ([]riskmodel.RunSummary, error)
	Run(ctx context.Context, runID string) (*riskmodel.Report, error)
}

// Runner executes model runs and serves cached covariance matrices.
type Runner interface {
	Run(ctx context.Context, from, to time.Time) (*riskmodel.Report, error)
	Covariance(ctx context.Context, date time.Time) (*riskmodel.CovarianceSnapshot, error)
	Config() riskmodel.Config
}

// Handler handles risk model HTTP requests
type Handler struct {
	reader Reader
	runner Runner
	log    zerolog.Logger
}

// NewHandler creates a new risk model handler
func NewHandler(reader Reader, runner Runner, log zerolog.Logger) *Handler {
	return &Handler{
		reader: reader,
		runner: runner,
		log:    log.With().Str("handler", "riskmodel").Logger(),
	}
}

// RunRequest is the body of POST /api/riskmodel/runs
type RunRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DecomposeRequest is the body of POST /api/riskmodel/dates/{date}/decompose
type DecomposeRequest struct {
	Weights map[string]float64 `json:"weights"`
}

// styleExposure is a FactorExposure with a nullable raw value for JSON.
type styleExposure struct {
	Factor           string                  `json:"factor"`
	RawValue         *float64                `json:"raw_value"`
	Exposure         float64                 `json:"exposure"`
	Imputed          bool                    `json:"imputed"`
	ImputationSource domain.ImputationSource `json:"imputation_source"`
}

// HandleStartRun handles POST /api/riskmodel/runs
func (h *Handler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(domain.DateLayout, req.From)
	if err != nil {
		http.Error(w, "Invalid from date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(domain.DateLayout, req.To)
	if err != nil {
		http.Error(w, "Invalid to date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if to.Before(from) {
		http.Error(w, "to must not be before from", http.StatusBadRequest)
		return
	}

	// The run outlives a dropped client connection
	report, err := h.runner.Run(context.WithoutCancel(r.Context()), from, to)
	if errors.Is(err, riskmodel.ErrRunInProgress) {
		http.Error(w, "A risk model run is already in progress", http.StatusConflict)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("from", req.From).Str("to", req.To).Msg("Risk model run failed")
		http.Error(w, "Risk model run failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"run_id":    report.RunID,
		"succeeded": report.Succeeded(),
		"failures":  report.Failures,
		"duration":  report.FinishedAt.Sub(report.StartedAt).String(),
	}))
}

// HandleListRuns handles GET /api/riskmodel/runs
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.reader.Runs(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}))
}

// HandleGetRun handles GET /api/riskmodel/runs/{runID}
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	report, err := h.reader.Run(r.Context(), runID)
	if err != nil {
		h.log.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	for i := range report.Dates {
		sanitizeDiagnostics(&report.Dates[i])
	}
	h.writeJSON(w, http.StatusOK, envelope(report))
}

// HandleGetFactorReturns handles GET /api/riskmodel/dates/{date}/factor-returns
func (h *Handler) HandleGetFactorReturns(w http.ResponseWriter, r *http.Request, date time.Time) {
	returns, err := h.reader.FactorReturns(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Msg("Failed to get factor returns")
		http.Error(w, "Failed to get factor returns", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"date":           domain.DateKey(date),
		"factor_returns": returns,
		"count":          len(returns),
	}))
}

// HandleGetCovariance handles GET /api/riskmodel/dates/{date}/covariance
func (h *Handler) HandleGetCovariance(w http.ResponseWriter, r *http.Request, date time.Time) {
	snap, err := h.runner.Covariance(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Msg("Failed to get covariance")
		http.Error(w, "Failed to get covariance", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "No covariance matrix for date", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(snap))
}

// HandleGetSpecificRisk handles GET /api/riskmodel/dates/{date}/specific-risk
func (h *Handler) HandleGetSpecificRisk(w http.ResponseWriter, r *http.Request, date time.Time) {
	risk, err := h.reader.SpecificRisk(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Msg("Failed to get specific risk")
		http.Error(w, "Failed to get specific risk", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"date":          domain.DateKey(date),
		"specific_risk": risk,
		"count":         len(risk),
	}))
}

// HandleGetDiagnostics handles GET /api/riskmodel/dates/{date}/diagnostics
func (h *Handler) HandleGetDiagnostics(w http.ResponseWriter, r *http.Request, date time.Time) {
	diag, err := h.reader.Diagnostics(r.Context(), date)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Msg("Failed to get diagnostics")
		http.Error(w, "Failed to get diagnostics", http.StatusInternalServerError)
		return
	}
	if diag == nil {
		http.Error(w, "No diagnostics for date", http.StatusNotFound)
		return
	}

	sanitizeDiagnostics(diag)
	h.writeJSON(w, http.StatusOK, envelope(diag))
}

// HandleGetExposures handles GET /api/riskmodel/dates/{date}/exposures/{security}
func (h *Handler) HandleGetExposures(w http.ResponseWriter, r *http.Request, date time.Time) {
	security := chi.URLParam(r, "security")
	exposures, err := h.reader.Exposures(r.Context(), date, security)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Str("security", security).Msg("Failed to get exposures")
		http.Error(w, "Failed to get exposures", http.StatusInternalServerError)
		return
	}
	if exposures.Empty() {
		http.Error(w, "No exposures for security on date", http.StatusNotFound)
		return
	}

	style := make([]styleExposure, len(exposures.Style))
	for i, e := range exposures.Style {
		style[i] = styleExposure{
			Factor:           e.Factor,
			Exposure:         e.Exposure,
			Imputed:          e.Imputed,
			ImputationSource: e.ImputationSource,
		}
		if !math.IsNaN(e.RawValue) && !math.IsInf(e.RawValue, 0) {
			v := e.RawValue
			style[i].RawValue = &v
		}
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"date":        domain.DateKey(date),
		"security_id": security,
		"style":       style,
		"industry":    exposures.Industry,
		"country":     exposures.Country,
	}))
}

// HandleDecompose handles POST /api/riskmodel/dates/{date}/decompose
func (h *Handler) HandleDecompose(w http.ResponseWriter, r *http.Request, date time.Time) {
	var req DecomposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Weights) == 0 {
		http.Error(w, "weights are required", http.StatusBadRequest)
		return
	}

	securities := make([]string, 0, len(req.Weights))
	for id := range req.Weights {
		securities = append(securities, id)
	}
	sort.Strings(securities)

	cfg := h.runner.Config()
	result, err := h.reader.DateResult(r.Context(), date, securities, cfg.Regression.IndustryLevel)
	if err != nil {
		h.log.Error().Err(err).Str("date", domain.DateKey(date)).Msg("Failed to load outputs for decomposition")
		http.Error(w, "Failed to load outputs", http.StatusInternalServerError)
		return
	}
	if result.Covariance == nil || result.Covariance.Empty() {
		http.Error(w, "No covariance matrix for date", http.StatusNotFound)
		return
	}

	d, err := riskmodel.Decompose(result, cfg.Classification.Country, req.Weights)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.writeJSON(w, http.StatusOK, envelope(map[string]interface{}{
		"date":              domain.DateKey(date),
		"factor_variance":   d.FactorVariance,
		"specific_variance": d.SpecificVariance,
		"total_variance":    d.TotalVariance,
		"total_volatility":  math.Sqrt(math.Max(d.TotalVariance, 0)),
		"factor_exposures":  d.FactorExposures,
		"missing_specific":  d.MissingSpecific,
	}))
}

// withDate parses the {date} URL parameter before calling next.
func (h *Handler) withDate(next func(http.ResponseWriter, *http.Request, time.Time)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, err := time.Parse(domain.DateLayout, chi.URLParam(r, "date"))
		if err != nil {
			http.Error(w, "Invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		next(w, r, date)
	}
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

// sanitizeDiagnostics zeroes non-finite floats, which JSON cannot carry.
func sanitizeDiagnostics(d *riskmodel.DateDiagnostics) {
	for i := range d.Coverage {
		d.Coverage[i].ImputedPct = finite(d.Coverage[i].ImputedPct)
	}
	if d.Regression != nil {
		d.Regression.ConditionNumber = finite(d.Regression.ConditionNumber)
		d.Regression.RSquared = finite(d.Regression.RSquared)
	}
	d.Covariance.MinEigenvalue = finite(d.Covariance.MinEigenvalue)
	d.Covariance.ConditionNumber = finite(d.Covariance.ConditionNumber)
	d.Covariance.ShrinkageIntensity = finite(d.Covariance.ShrinkageIntensity)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
