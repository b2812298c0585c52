package riskmodel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aristath/factorrisk/internal/domain"
)

var sectorCodes = []string{"10102010", "20101010", "45102010"}

func rebalanceDate(d int) time.Time {
	return time.Date(2022, time.Month(d+2), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

func ptr(v float64) *float64 { return &v }

// securityReturn is the synthetic monthly return of security i in month m (m may be negative).
func securityReturn(i, m int) float64 {
	market := 0.015 * math.Sin(float64(m)*0.8)
	sector := 0.01 * math.Cos(float64(m)*1.3+float64(i%3))
	idio := 0.02 * math.Sin(float64(i*7+m*3)*0.37)
	beta := 0.6 + 0.1*float64(i%9)
	return beta*market + sector + idio
}

func syntheticSnapshot(d, numSecurities int) domain.Snapshot {
	date := rebalanceDate(d)
	obs := make([]domain.Observation, numSecurities)
	for i := range obs {
		f := float64(i + 1)
		history := make([]float64, 36)
		for k := range history {
			history[k] = securityReturn(i, d-35+k)
		}
		var foreign *float64
		if i%4 != 0 {
			foreign = ptr(0.05 * float64(i%10))
		}
		income := 50 + 5*math.Sin(f)
		if i%11 == 5 {
			income = -10
		}
		obs[i] = domain.Observation{
			Date:               date,
			SecurityID:         fmt.Sprintf("SEC%03d", i),
			MarketCap:          1e3 * (1 + float64(i%7)) * (1 + 0.01*float64(d)),
			Return:             securityReturn(i, d),
			ReturnHistory:      history,
			BookEquity:         ptr(300 + 20*f),
			NetIncome:          ptr(income),
			TotalDebt:          ptr(100 + 15*float64(i%5)),
			Sales:              ptr(900 + 10*f),
			Dividends:          ptr(10 + float64(i%6)),
			ForeignSalesRatio:  foreign,
			IncomeHistory:      []float64{40 + f, 45, 48 - f/4, income},
			SalesHistory:       []float64{800, 820 + f, 860 + 2*f, 900 + 10*f},
			Turnover:           []float64{0.01 * (1 + float64(i%4)), 0.012, 0.011 * (1 + float64(i%3))},
			ClassificationCode: sectorCodes[i%len(sectorCodes)],
		}
	}
	snap, err := domain.NewSnapshot(date, obs)
	if err != nil {
		panic(err)
	}
	return snap
}

type memorySource struct {
	dates     []time.Time
	snapshots map[string]domain.Snapshot
	fail      map[string]error
}

func newMemorySource(numDates, numSecurities int) *memorySource {
	src := &memorySource{snapshots: make(map[string]domain.Snapshot), fail: make(map[string]error)}
	for d := 0; d < numDates; d++ {
		snap := syntheticSnapshot(d, numSecurities)
		src.dates = append(src.dates, snap.Date)
		src.snapshots[domain.DateKey(snap.Date)] = snap
	}
	return src
}

func (m *memorySource) Dates(_ context.Context, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, d := range m.dates {
		if (from.IsZero() || !d.Before(from)) && !d.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memorySource) Snapshot(_ context.Context, date time.Time) (domain.Snapshot, error) {
	key := domain.DateKey(date)
	if err := m.fail[key]; err != nil {
		return domain.Snapshot{}, err
	}
	snap, ok := m.snapshots[key]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("no snapshot for %s", key)
	}
	return snap, nil
}

type memoryStore struct {
	mu         sync.Mutex
	saved      map[string]*DateResult
	runs       []*Report
	covariance map[string]*CovarianceSnapshot
	loads      int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]*DateResult), covariance: make(map[string]*CovarianceSnapshot)}
}

func (m *memoryStore) SaveDate(_ context.Context, _ string, result *DateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[domain.DateKey(result.Date)] = result
	if snap := Snapshot(result.Covariance); snap != nil {
		m.covariance[domain.DateKey(result.Date)] = snap
	} else {
		delete(m.covariance, domain.DateKey(result.Date))
	}
	return nil
}

func (m *memoryStore) SaveRun(_ context.Context, report *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, report)
	return nil
}

func (m *memoryStore) LoadReturns(_ context.Context, before time.Time) ([]domain.FactorReturn, []domain.SpecificReturn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]*DateResult, 0, len(m.saved))
	for _, r := range m.saved {
		if r.Date.Before(before) {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Date.Before(results[j].Date) })

	var factorReturns []domain.FactorReturn
	var specificReturns []domain.SpecificReturn
	for _, r := range results {
		factorReturns = append(factorReturns, r.FactorReturns...)
		specificReturns = append(specificReturns, r.SpecificReturns...)
	}
	return factorReturns, specificReturns, nil
}

func (m *memoryStore) LoadCovariance(_ context.Context, date time.Time) (*CovarianceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.covariance[domain.DateKey(date)], nil
}

type countingRecorder struct {
	mu       sync.Mutex
	dates    int
	failures int
	runs     int
}

func (c *countingRecorder) RecordDate(DateDiagnostics) { c.mu.Lock(); c.dates++; c.mu.Unlock() }
func (c *countingRecorder) RecordFailure(Failure)      { c.mu.Lock(); c.failures++; c.mu.Unlock() }
func (c *countingRecorder) RecordRun(*Report)          { c.mu.Lock(); c.runs++; c.mu.Unlock() }
