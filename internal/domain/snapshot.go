package domain

import (
	"sort"
	"strings"
	"time"
)

// Snapshot is the validated set of observations for one rebalance date,
// ordered by security ID.
type Snapshot struct {
	Date         time.Time
	Observations []Observation
}

// NewSnapshot validates observations and returns them sorted by security ID.
// Empty or duplicate security IDs and observations dated differently from date
// are schema violations.
func NewSnapshot(date time.Time, observations []Observation) (Snapshot, error) {
	date = NormalizeDate(date)
	seen := make(map[string]bool, len(observations))
	sorted := make([]Observation, 0, len(observations))

	for _, obs := range observations {
		id := strings.TrimSpace(obs.SecurityID)
		if id == "" {
			return Snapshot{}, &SchemaViolationError{Date: date, Reason: "empty security id"}
		}
		if seen[id] {
			return Snapshot{}, &SchemaViolationError{Date: date, SecurityID: id, Reason: "duplicate security id"}
		}
		if !obs.Date.IsZero() && !NormalizeDate(obs.Date).Equal(date) {
			return Snapshot{}, &SchemaViolationError{
				Date:       date,
				SecurityID: id,
				Reason:     "observation dated " + DateKey(obs.Date),
			}
		}
		seen[id] = true
		obs.SecurityID = id
		obs.Date = date
		sorted = append(sorted, obs)
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SecurityID < sorted[j].SecurityID })
	return Snapshot{Date: date, Observations: sorted}, nil
}

// SecurityIDs returns the security IDs in snapshot order.
func (s Snapshot) SecurityIDs() []string {
	ids := make([]string, len(s.Observations))
	for i, obs := range s.Observations {
		ids[i] = obs.SecurityID
	}
	return ids
}

// ByID indexes the observations by security ID.
func (s Snapshot) ByID() map[string]Observation {
	out := make(map[string]Observation, len(s.Observations))
	for _, obs := range s.Observations {
		out[obs.SecurityID] = obs
	}
	return out
}
