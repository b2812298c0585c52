package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot_SortsAndNormalizes(t *testing.T) {
	date := time.Date(2024, 1, 31, 15, 30, 0, 0, time.UTC)
	snap, err := NewSnapshot(date, []Observation{
		{SecurityID: "B", MarketCap: 2},
		{SecurityID: " A ", MarketCap: 1, Date: date},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, snap.SecurityIDs())
	assert.Equal(t, "2024-01-31", DateKey(snap.Date))
	for _, obs := range snap.Observations {
		assert.True(t, obs.Date.Equal(snap.Date))
	}
	assert.Contains(t, snap.ByID(), "A")
}

func TestNewSnapshot_SchemaViolations(t *testing.T) {
	date := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		obs  []Observation
	}{
		{"empty id", []Observation{{SecurityID: ""}}},
		{"duplicate id", []Observation{{SecurityID: "A"}, {SecurityID: "A"}}},
		{"wrong date", []Observation{{SecurityID: "A", Date: date.AddDate(0, -1, 0)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSnapshot(date, tt.obs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchemaViolation))

			var sv *SchemaViolationError
			require.True(t, errors.As(err, &sv))
			assert.Contains(t, sv.Error(), "2024-01-31")
		})
	}
}

func TestErrorTaxonomy_Unwrap(t *testing.T) {
	date := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	assert.ErrorIs(t, &MissingDataError{SecurityID: "A", Factor: "beta"}, ErrMissingData)
	assert.ErrorIs(t, &InsufficientHistoryError{Component: "covariance", Date: date, Have: 1, Need: 2}, ErrInsufficientHistory)
	assert.ErrorIs(t, &RankDeficiencyWarning{Date: date, ConditionNumber: math.Inf(1)}, ErrRankDeficient)
	assert.ErrorIs(t, &NonPSDMatrixError{Date: date}, ErrNonPSD)
}

func TestObservation_HasReturn(t *testing.T) {
	assert.True(t, Observation{Return: 0.01}.HasReturn())
	assert.False(t, Observation{Return: math.NaN()}.HasReturn())
}
