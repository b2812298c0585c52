package exposures

import (
	"fmt"
	"math"

	"github.com/aristath/factorrisk/internal/domain"
	"github.com/aristath/factorrisk/pkg/formulas"
)

// Style factor names
const (
	FactorSize                = "size"
	FactorBeta                = "beta"
	FactorMomentum            = "momentum"
	FactorResidualVolatility  = "residual_volatility"
	FactorEarningsYield       = "earnings_yield"
	FactorBookToPrice         = "book_to_price"
	FactorDividendYield       = "dividend_yield"
	FactorLeverage            = "leverage"
	FactorEarningsVariability = "earnings_variability"
	FactorGrowth              = "growth"
	FactorLiquidity           = "liquidity"
	FactorCurrencySensitivity = "currency_sensitivity"
)

type rawStatus int

const (
	rawOK rawStatus = iota
	rawMissing
	rawDefaulted
)

// rawValue is the outcome of a factor formula for one security.
type rawValue struct {
	value  float64
	status rawStatus
	reason string
}

func ok(v float64) rawValue {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return missing("non-finite value")
	}
	return rawValue{value: v, status: rawOK}
}

func missing(reason string) rawValue {
	return rawValue{value: math.NaN(), status: rawMissing, reason: reason}
}

// inputs carries the per-date data shared by all securities.
type inputs struct {
	cfg    Config
	market []float64 // market returns, oldest first, ending at the date
}

// definition is a style factor's raw formula and transform flags.
type definition struct {
	name         string
	logTransform bool
	compute      func(in *inputs, obs domain.Observation) rawValue
}

var definitions = []definition{
	{name: FactorSize, compute: computeSize},
	{name: FactorBeta, compute: computeBeta},
	{name: FactorMomentum, logTransform: true, compute: computeMomentum},
	{name: FactorResidualVolatility, compute: computeResidualVolatility},
	{name: FactorEarningsYield, compute: computeEarningsYield},
	{name: FactorBookToPrice, compute: computeBookToPrice},
	{name: FactorDividendYield, compute: computeDividendYield},
	{name: FactorLeverage, logTransform: true, compute: computeLeverage},
	{name: FactorEarningsVariability, logTransform: true, compute: computeEarningsVariability},
	{name: FactorGrowth, compute: computeGrowth},
	{name: FactorLiquidity, compute: computeLiquidity},
	{name: FactorCurrencySensitivity, compute: computeCurrencySensitivity},
}

// AllFactors returns every style factor name in canonical order.
func AllFactors() []string {
	names := make([]string, len(definitions))
	for i, d := range definitions {
		names[i] = d.name
	}
	return names
}

func lookupDefinitions(names []string) ([]definition, error) {
	byName := make(map[string]definition, len(definitions))
	for _, d := range definitions {
		byName[d.name] = d
	}
	out := make([]definition, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		d, found := byName[name]
		if !found {
			return nil, fmt.Errorf("unknown style factor %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("style factor %q listed twice", name)
		}
		seen[name] = true
		out = append(out, d)
	}
	return out, nil
}

func computeSize(_ *inputs, obs domain.Observation) rawValue {
	if obs.MarketCap <= 0 {
		return missing("non-positive market cap")
	}
	return ok(math.Log(obs.MarketCap))
}

// alignedMarket returns the trailing pairs of (security, market) returns, dropping
// pairs where either side is NaN.
func alignedMarket(in *inputs, history []float64) (sec, mkt []float64) {
	n := len(history)
	if len(in.market) < n {
		n = len(in.market)
	}
	if in.cfg.BetaWindow < n {
		n = in.cfg.BetaWindow
	}
	sec = make([]float64, 0, n)
	mkt = make([]float64, 0, n)
	hOff := len(history) - n
	mOff := len(in.market) - n
	for i := 0; i < n; i++ {
		s, m := history[hOff+i], in.market[mOff+i]
		if math.IsNaN(s) || math.IsNaN(m) {
			continue
		}
		sec = append(sec, s)
		mkt = append(mkt, m)
	}
	return sec, mkt
}

func computeBeta(in *inputs, obs domain.Observation) rawValue {
	sec, mkt := alignedMarket(in, obs.ReturnHistory)
	if len(sec) < in.cfg.MinObs {
		return missing(fmt.Sprintf("%d aligned returns, need %d", len(sec), in.cfg.MinObs))
	}
	beta, _, _, fit := formulas.Beta(sec, mkt)
	if !fit {
		return missing("market returns have no variance")
	}
	return ok(beta)
}

func computeResidualVolatility(in *inputs, obs domain.Observation) rawValue {
	sec, mkt := alignedMarket(in, obs.ReturnHistory)
	if len(sec) < in.cfg.MinObs {
		return missing(fmt.Sprintf("%d aligned returns, need %d", len(sec), in.cfg.MinObs))
	}
	_, _, residuals, fit := formulas.Beta(sec, mkt)
	if !fit {
		return missing("market returns have no variance")
	}
	std := formulas.TrailingStdDev(residuals, len(residuals))
	if std == nil {
		return missing("residual volatility undefined")
	}
	return ok(*std)
}

func computeMomentum(in *inputs, obs domain.Observation) rawValue {
	history := obs.ReturnHistory
	need := in.cfg.MomentumLookback
	if in.cfg.MinObs > need {
		need = in.cfg.MinObs
	}
	if len(history) < need {
		return missing(fmt.Sprintf("%d returns, need %d", len(history), need))
	}
	end := len(history) - in.cfg.MomentumSkip
	window := history[len(history)-in.cfg.MomentumLookback : end]
	for _, r := range window {
		if math.IsNaN(r) {
			return missing("gap in momentum window")
		}
	}
	return ok(formulas.CompoundReturn(window))
}

func computeEarningsYield(_ *inputs, obs domain.Observation) rawValue {
	switch {
	case obs.MarketCap <= 0:
		return missing("non-positive market cap")
	case obs.NetIncome == nil:
		return missing("net income not reported")
	case *obs.NetIncome < 0:
		return missing("negative earnings")
	}
	return ok(*obs.NetIncome / obs.MarketCap)
}

func computeBookToPrice(_ *inputs, obs domain.Observation) rawValue {
	switch {
	case obs.MarketCap <= 0:
		return missing("non-positive market cap")
	case obs.BookEquity == nil:
		return missing("book equity not reported")
	case *obs.BookEquity < 0:
		return missing("negative book equity")
	}
	return ok(*obs.BookEquity / obs.MarketCap)
}

func computeDividendYield(_ *inputs, obs domain.Observation) rawValue {
	switch {
	case obs.MarketCap <= 0:
		return missing("non-positive market cap")
	case obs.Dividends == nil:
		return missing("dividends not reported")
	case *obs.Dividends < 0:
		return missing("negative dividends")
	}
	return ok(*obs.Dividends / obs.MarketCap)
}

func computeLeverage(_ *inputs, obs domain.Observation) rawValue {
	switch {
	case obs.BookEquity == nil || *obs.BookEquity <= 0:
		return missing("non-positive book equity")
	case obs.TotalDebt == nil:
		return missing("total debt not reported")
	case *obs.TotalDebt < 0:
		return missing("negative total debt")
	}
	return ok(*obs.TotalDebt / *obs.BookEquity)
}

func computeEarningsVariability(in *inputs, obs domain.Observation) rawValue {
	history := formulas.Finite(obs.IncomeHistory)
	if len(history) < in.cfg.FundamentalMinYears {
		return missing(fmt.Sprintf("%d years of income, need %d", len(history), in.cfg.FundamentalMinYears))
	}
	mean := formulas.Mean(history)
	if mean == 0 {
		return missing("zero mean income")
	}
	return ok(formulas.StdDev(history) / math.Abs(mean))
}

func computeGrowth(in *inputs, obs domain.Observation) rawValue {
	history := formulas.Finite(obs.SalesHistory)
	if len(history) < in.cfg.FundamentalMinYears {
		return missing(fmt.Sprintf("%d years of sales, need %d", len(history), in.cfg.FundamentalMinYears))
	}
	growth, fit := formulas.CAGR(history)
	if !fit {
		return missing("non-positive sales")
	}
	return ok(growth)
}

func computeLiquidity(in *inputs, obs domain.Observation) rawValue {
	turnover := formulas.Finite(obs.Turnover)
	if len(turnover) < in.cfg.LiquidityMinObs {
		return missing(fmt.Sprintf("%d months of turnover, need %d", len(turnover), in.cfg.LiquidityMinObs))
	}
	sma := formulas.TrailingSMA(turnover, in.cfg.LiquidityWindow)
	if sma == nil || *sma <= 0 {
		return missing("non-positive average turnover")
	}
	return ok(math.Log(*sma))
}

// computeCurrencySensitivity assumes a domestic business (0) when no foreign-sales
// data exists. The default is a real value, not a missing one.
func computeCurrencySensitivity(_ *inputs, obs domain.Observation) rawValue {
	if obs.ForeignSalesRatio == nil || math.IsNaN(*obs.ForeignSalesRatio) {
		return rawValue{value: 0, status: rawDefaulted}
	}
	return ok(*obs.ForeignSalesRatio)
}
