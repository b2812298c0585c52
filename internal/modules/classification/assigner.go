package classification

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/factorrisk/internal/domain"
)

// Config holds the assigner parameters
type Config struct {
	Country string            `yaml:"country" json:"country" default:"US" validate:"required"`
	Levels  []Level           `yaml:"levels" json:"levels" validate:"omitempty,dive"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

// Hierarchy returns the configured hierarchy, or the GICS levels when none is configured.
func (c Config) Hierarchy() Hierarchy {
	levels := c.Levels
	if len(levels) == 0 {
		levels = DefaultLevels()
	}
	return Hierarchy{Levels: levels, Labels: c.Labels}
}

// Assignment is the result of classifying one date's universe.
type Assignment struct {
	Date       time.Time
	Levels     []Level
	Securities []string
	membership map[string]map[string]string // level -> security -> label
}

// Membership returns security -> label at level (nil for an unknown level).
func (a *Assignment) Membership(level string) map[string]string {
	m, ok := a.membership[level]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Label returns the label of securityID at level.
func (a *Assignment) Label(level, securityID string) (string, bool) {
	label, ok := a.membership[level][securityID]
	return label, ok
}

// Labels returns the sorted distinct labels present at level.
func (a *Assignment) Labels(level string) []string {
	set := make(map[string]bool)
	for _, label := range a.membership[level] {
		set[label] = true
	}
	labels := make([]string, 0, len(set))
	for label := range set {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Exposures expands the assignment into full one-hot rows: for every security and
// level, one row per label present at that level on the date.
func (a *Assignment) Exposures() []domain.IndustryExposure {
	labels := make(map[string][]string, len(a.Levels))
	for _, lvl := range a.Levels {
		labels[lvl.Name] = a.Labels(lvl.Name)
	}

	var rows []domain.IndustryExposure
	for _, sec := range a.Securities {
		for _, lvl := range a.Levels {
			assigned := a.membership[lvl.Name][sec]
			for _, label := range labels[lvl.Name] {
				exposure := 0.0
				if label == assigned {
					exposure = 1.0
				}
				rows = append(rows, domain.IndustryExposure{
					Date:       a.Date,
					SecurityID: sec,
					Level:      lvl.Name,
					Label:      label,
					Exposure:   exposure,
				})
			}
		}
	}
	return rows
}

// Assigner builds industry and country exposures
type Assigner struct {
	log zerolog.Logger
}

// NewAssigner creates a new assigner
func NewAssigner(log zerolog.Logger) *Assigner {
	return &Assigner{
		log: log.With().Str("component", "classification").Logger(),
	}
}

// AssignIndustry classifies every observation at every level of the hierarchy.
// The produced rows are re-checked for exactly one active label per level before returning.
func (a *Assigner) AssignIndustry(date time.Time, observations []domain.Observation, hierarchy Hierarchy) (*Assignment, error) {
	if err := hierarchy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hierarchy: %w", err)
	}
	date = domain.NormalizeDate(date)

	assignment := &Assignment{
		Date:       date,
		Levels:     hierarchy.Levels,
		Securities: make([]string, 0, len(observations)),
		membership: make(map[string]map[string]string, len(hierarchy.Levels)),
	}
	for _, lvl := range hierarchy.Levels {
		assignment.membership[lvl.Name] = make(map[string]string, len(observations))
	}

	unclassified := 0
	for _, obs := range observations {
		if _, dup := assignment.membership[hierarchy.Levels[0].Name][obs.SecurityID]; dup {
			return nil, &domain.SchemaViolationError{
				Date:       date,
				SecurityID: obs.SecurityID,
				Reason:     "security classified twice",
			}
		}
		assignment.Securities = append(assignment.Securities, obs.SecurityID)
		for _, lvl := range hierarchy.Levels {
			label := hierarchy.Resolve(obs.ClassificationCode, lvl)
			if label == Unclassified && lvl == hierarchy.Levels[0] {
				unclassified++
			}
			assignment.membership[lvl.Name][obs.SecurityID] = label
		}
	}
	sort.Strings(assignment.Securities)

	if err := Validate(date, assignment.Exposures()); err != nil {
		return nil, err
	}

	if unclassified > 0 {
		a.log.Debug().
			Str("date", domain.DateKey(date)).
			Int("unclassified", unclassified).
			Msg("Securities without a resolvable classification code")
	}

	return assignment, nil
}

// AssignCountry returns exposure 1.0 for every observed security.
func (a *Assigner) AssignCountry(date time.Time, observations []domain.Observation, country string) []domain.CountryExposure {
	date = domain.NormalizeDate(date)
	rows := make([]domain.CountryExposure, 0, len(observations))
	for _, obs := range observations {
		rows = append(rows, domain.CountryExposure{
			Date:       date,
			SecurityID: obs.SecurityID,
			Country:    country,
			Exposure:   1.0,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SecurityID < rows[j].SecurityID })
	return rows
}

// Validate checks that every (security, level) has exactly one active label and that
// exposures are 0 or 1.
func Validate(date time.Time, rows []domain.IndustryExposure) error {
	type key struct{ security, level string }
	active := make(map[key]int)
	for _, row := range rows {
		k := key{row.SecurityID, row.Level}
		switch row.Exposure {
		case 1:
			active[k]++
		case 0:
			if _, ok := active[k]; !ok {
				active[k] = 0
			}
		default:
			return &domain.SchemaViolationError{
				Date:       date,
				SecurityID: row.SecurityID,
				Level:      row.Level,
				Reason:     fmt.Sprintf("industry exposure %g is not 0 or 1", row.Exposure),
			}
		}
	}

	keys := make([]key, 0, len(active))
	for k := range active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].security != keys[j].security {
			return keys[i].security < keys[j].security
		}
		return keys[i].level < keys[j].level
	})
	for _, k := range keys {
		if n := active[k]; n != 1 {
			return &domain.SchemaViolationError{
				Date:       date,
				SecurityID: k.security,
				Level:      k.level,
				Reason:     fmt.Sprintf("%d active labels, expected exactly 1", n),
			}
		}
	}
	return nil
}
