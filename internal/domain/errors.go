package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks. Every typed error below unwraps to one of them.
var (
	ErrMissingData         = errors.New("missing data")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrRankDeficient       = errors.New("rank deficient design matrix")
	ErrNonPSD              = errors.New("non positive semi-definite matrix")
	ErrSchemaViolation     = errors.New("schema violation")
)

// MissingDataError means a factor could not be computed for a security.
// It is recovered by imputation and never aborts a run.
type MissingDataError struct {
	SecurityID string
	Factor     string
	Reason     string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("missing %s for %s: %s", e.Factor, e.SecurityID, e.Reason)
}

func (e *MissingDataError) Unwrap() error { return ErrMissingData }

// InsufficientHistoryError means a rolling window is shorter than required.
// The component skips the date.
type InsufficientHistoryError struct {
	Component string
	Date      time.Time
	Have      int
	Need      int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("%s: insufficient history on %s: have %d periods, need %d",
		e.Component, DateKey(e.Date), e.Have, e.Need)
}

func (e *InsufficientHistoryError) Unwrap() error { return ErrInsufficientHistory }

// RankDeficiencyWarning records an ill-conditioned regression that fell back to ridge.
type RankDeficiencyWarning struct {
	Date            time.Time
	ConditionNumber float64
	Threshold       float64
}

func (e *RankDeficiencyWarning) Error() string {
	return fmt.Sprintf("design matrix on %s is ill-conditioned (cond=%g > %g), ridge applied",
		DateKey(e.Date), e.ConditionNumber, e.Threshold)
}

func (e *RankDeficiencyWarning) Unwrap() error { return ErrRankDeficient }

// NonPSDMatrixError is raised only when eigenvalue clipping cannot repair a covariance matrix.
type NonPSDMatrixError struct {
	Date          time.Time
	MinEigenvalue float64
	Reason        string
}

func (e *NonPSDMatrixError) Error() string {
	return fmt.Sprintf("covariance on %s cannot be made PSD (min eigenvalue %g): %s",
		DateKey(e.Date), e.MinEigenvalue, e.Reason)
}

func (e *NonPSDMatrixError) Unwrap() error { return ErrNonPSD }

// SchemaViolationError is a structural input violation. It aborts the date it occurs on.
type SchemaViolationError struct {
	Date       time.Time
	SecurityID string
	Level      string
	Reason     string
}

func (e *SchemaViolationError) Error() string {
	msg := fmt.Sprintf("schema violation on %s", DateKey(e.Date))
	if e.SecurityID != "" {
		msg += fmt.Sprintf(" security=%s", e.SecurityID)
	}
	if e.Level != "" {
		msg += fmt.Sprintf(" level=%s", e.Level)
	}
	return msg + ": " + e.Reason
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }
