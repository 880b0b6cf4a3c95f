package collect

import (
	"math"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

// StrikeLadder returns itm + 1 + otm strikes centered on the ATM strike,
// spaced by step. scale shrinks both wings under memory pressure; at least
// one strike survives on each side.
func StrikeLadder(atm, step float64, itm, otm int, scale float64) []float64 {
	if step <= 0 {
		return []float64{atm}
	}
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	itm = scaleWing(itm, scale)
	otm = scaleWing(otm, scale)

	out := make([]float64, 0, itm+1+otm)
	for i := -itm; i <= otm; i++ {
		out = append(out, atm+float64(i)*step)
	}
	return out
}

func scaleWing(n int, scale float64) int {
	if n <= 0 {
		return 0
	}
	scaled := int(math.Round(float64(n) * scale))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// PutCallOIRatio computes the PCR sentiment analytic over enriched rows.
// Returns 0 when no call open interest exists.
func PutCallOIRatio(rows []domain.OptionRow) float64 {
	var putOI, callOI int64
	for _, r := range rows {
		switch r.Instrument.Kind {
		case domain.OptionPut:
			putOI += r.Quote.OpenInterest
		case domain.OptionCall:
			callOI += r.Quote.OpenInterest
		}
	}
	if callOI == 0 {
		return 0
	}
	return float64(putOI) / float64(callOI)
}

// RepresentativeDayWidth returns the mean high-low range across rows that
// traded, a cheap per-expiry volatility proxy.
func RepresentativeDayWidth(rows []domain.OptionRow) float64 {
	var sum float64
	var n int
	for _, r := range rows {
		if w := r.Quote.DayWidth(); w > 0 {
			sum += w
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// riskFreeRate is the flat annualized rate used for greeks. Close enough
// for a sentiment collector; this is not a pricing engine.
const riskFreeRate = 0.07

// ComputeGreeks backs implied volatility out of the option price by
// bisection and evaluates Black-Scholes sensitivities at it. Returns nil
// when the price admits no solution (deep ITM/OTM junk quotes, expired).
func ComputeGreeks(spot, strike, price float64, expiry, now time.Time, kind domain.OptionKind) *domain.OptionGreeks {
	if spot <= 0 || strike <= 0 || price <= 0 {
		return nil
	}
	tte := expiry.Sub(now).Hours() / 24 / 365
	if tte <= 0 {
		return nil
	}
	isCall := kind == domain.OptionCall

	iv := impliedVol(spot, strike, tte, price, isCall)
	if iv <= 0 {
		return nil
	}

	d1 := (math.Log(spot/strike) + (riskFreeRate+iv*iv/2)*tte) / (iv * math.Sqrt(tte))
	d2 := d1 - iv*math.Sqrt(tte)
	pdf := math.Exp(-d1*d1/2) / math.Sqrt(2*math.Pi)

	g := &domain.OptionGreeks{
		IV:    iv,
		Gamma: pdf / (spot * iv * math.Sqrt(tte)),
		Vega:  spot * pdf * math.Sqrt(tte) / 100, // per vol point
	}
	if isCall {
		g.Delta = normCDF(d1)
		g.Theta = (-spot*pdf*iv/(2*math.Sqrt(tte)) -
			riskFreeRate*strike*math.Exp(-riskFreeRate*tte)*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (-spot*pdf*iv/(2*math.Sqrt(tte)) +
			riskFreeRate*strike*math.Exp(-riskFreeRate*tte)*normCDF(-d2)) / 365
	}
	return g
}

// impliedVol bisects vol in [1%, 500%] until the model price meets the
// observed price.
func impliedVol(spot, strike, tte, price float64, isCall bool) float64 {
	lo, hi := 0.01, 5.0
	if bsPrice(spot, strike, tte, lo, isCall) > price || bsPrice(spot, strike, tte, hi, isCall) < price {
		return 0
	}
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if bsPrice(spot, strike, tte, mid, isCall) < price {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

func bsPrice(spot, strike, tte, vol float64, isCall bool) float64 {
	d1 := (math.Log(spot/strike) + (riskFreeRate+vol*vol/2)*tte) / (vol * math.Sqrt(tte))
	d2 := d1 - vol*math.Sqrt(tte)
	if isCall {
		return spot*normCDF(d1) - strike*math.Exp(-riskFreeRate*tte)*normCDF(d2)
	}
	return strike*math.Exp(-riskFreeRate*tte)*normCDF(-d2) - spot*normCDF(-d1)
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
