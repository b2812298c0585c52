package classification

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/factorrisk/internal/domain"
)

var testDate = time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

func testObservations() []domain.Observation {
	return []domain.Observation{
		{SecurityID: "AAA", ClassificationCode: "45102010"},
		{SecurityID: "BBB", ClassificationCode: "45103010"},
		{SecurityID: "CCC", ClassificationCode: "35101010"},
		{SecurityID: "DDD", ClassificationCode: ""},
		{SecurityID: "EEE", ClassificationCode: "45XX"},
	}
}

func TestAssignIndustry_OneLabelPerLevel(t *testing.T) {
	assigner := NewAssigner(zerolog.Nop())
	cfg := Config{Country: "US"}

	assignment, err := assigner.AssignIndustry(testDate, testObservations(), cfg.Hierarchy())
	require.NoError(t, err)

	rows := assignment.Exposures()
	sums := make(map[string]float64)
	for _, row := range rows {
		sums[row.SecurityID+"|"+row.Level] += row.Exposure
	}
	assert.Len(t, sums, 5*4)
	for key, sum := range sums {
		assert.Equal(t, 1.0, sum, "sum of exposures for %s", key)
	}

	assert.NoError(t, Validate(testDate, rows))
}

func TestAssignIndustry_Labels(t *testing.T) {
	assigner := NewAssigner(zerolog.Nop())
	assignment, err := assigner.AssignIndustry(testDate, testObservations(), Config{}.Hierarchy())
	require.NoError(t, err)

	label, ok := assignment.Label(LevelSector, "AAA")
	require.True(t, ok)
	assert.Equal(t, "45", label)

	label, _ = assignment.Label(LevelIndustry, "BBB")
	assert.Equal(t, "451030", label)

	label, _ = assignment.Label(LevelSector, "DDD")
	assert.Equal(t, Unclassified, label, "empty code")

	label, _ = assignment.Label(LevelSector, "EEE")
	assert.Equal(t, "45", label, "sector prefix is still numeric")
	label, _ = assignment.Label(LevelIndustryGroup, "EEE")
	assert.Equal(t, Unclassified, label, "non-numeric prefix")

	assert.Equal(t, []string{"35", "45", Unclassified}, assignment.Labels(LevelSector))
	assert.Nil(t, assignment.Membership("nope"))
}

func TestAssignIndustry_KnownLabels(t *testing.T) {
	hierarchy := Hierarchy{
		Levels: []Level{{Name: LevelSector, Digits: 2}},
		Labels: map[string]string{"45": "Information Technology"},
	}

	assignment, err := NewAssigner(zerolog.Nop()).AssignIndustry(testDate, testObservations(), hierarchy)
	require.NoError(t, err)

	label, _ := assignment.Label(LevelSector, "AAA")
	assert.Equal(t, "Information Technology", label)
	label, _ = assignment.Label(LevelSector, "CCC")
	assert.Equal(t, Unclassified, label, "35 is not a known code")
}

func TestAssignIndustry_InvalidHierarchy(t *testing.T) {
	assigner := NewAssigner(zerolog.Nop())

	_, err := assigner.AssignIndustry(testDate, testObservations(), Hierarchy{})
	assert.Error(t, err)

	_, err = assigner.AssignIndustry(testDate, testObservations(), Hierarchy{Levels: []Level{
		{Name: "a", Digits: 4}, {Name: "b", Digits: 2},
	}})
	assert.Error(t, err)
}

func TestAssignIndustry_DuplicateSecurity(t *testing.T) {
	obs := []domain.Observation{
		{SecurityID: "AAA", ClassificationCode: "45"},
		{SecurityID: "AAA", ClassificationCode: "35"},
	}
	_, err := NewAssigner(zerolog.Nop()).AssignIndustry(testDate, obs, Config{}.Hierarchy())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaViolation))
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name string
		rows []domain.IndustryExposure
	}{
		{
			name: "no active label",
			rows: []domain.IndustryExposure{
				{SecurityID: "AAA", Level: LevelSector, Label: "45", Exposure: 0},
			},
		},
		{
			name: "two active labels",
			rows: []domain.IndustryExposure{
				{SecurityID: "AAA", Level: LevelSector, Label: "45", Exposure: 1},
				{SecurityID: "AAA", Level: LevelSector, Label: "35", Exposure: 1},
			},
		},
		{
			name: "fractional exposure",
			rows: []domain.IndustryExposure{
				{SecurityID: "AAA", Level: LevelSector, Label: "45", Exposure: 0.5},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(testDate, tt.rows)
			require.Error(t, err)

			var sv *domain.SchemaViolationError
			require.True(t, errors.As(err, &sv))
			assert.Equal(t, "AAA", sv.SecurityID)
			assert.Equal(t, LevelSector, sv.Level)
		})
	}
}

func TestAssignCountry(t *testing.T) {
	rows := NewAssigner(zerolog.Nop()).AssignCountry(testDate, testObservations(), "US")

	require.Len(t, rows, 5)
	for _, row := range rows {
		assert.Equal(t, 1.0, row.Exposure)
		assert.Equal(t, "US", row.Country)
	}
	assert.Equal(t, "AAA", rows[0].SecurityID)
}
