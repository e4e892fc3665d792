package pricing

import (
	"math"

	"optionsBot/internal/domain"
)

// cnd approximates the cumulative standard normal distribution using the
// Abramowitz & Stegun polynomial (accurate to ~7.5e-8).
func cnd(x float64) float64 {
	neg := false
	if x < 0 {
		x = -x
		neg = true
	}
	k := 1.0 / (1.0 + 0.2316419*x)
	poly := k * (0.319381530 + k*(-0.356563782+k*(1.781477937+k*(-1.821255978+k*1.330274429))))
	n := 1.0 - math.Exp(-x*x/2.0)/math.Sqrt(2.0*math.Pi)*poly
	if neg {
		return 1.0 - n
	}
	return n
}

// Delta returns the Black-Scholes delta for an option, signed by type:
// calls in (0, 1), puts in (-1, 0). tYears is time to expiry in years,
// iv the implied volatility as a decimal, r the risk-free rate.
func Delta(spot, strike, tYears, iv, r float64, opt domain.OptionType) float64 {
	if spot <= 0 || strike <= 0 || tYears <= 0 || iv <= 0 {
		// Degenerate inputs: collapse to the intrinsic delta.
		switch {
		case opt == domain.Call && spot > strike:
			return 1
		case opt == domain.Put && spot < strike:
			return -1
		default:
			return 0
		}
	}
	d1 := (math.Log(spot/strike) + (r+iv*iv/2.0)*tYears) / (iv * math.Sqrt(tYears))
	if opt == domain.Call {
		return cnd(d1)
	}
	return cnd(d1) - 1.0
}

// EstimatePremium derives a deterministic option premium from spot distance:
// intrinsic value plus a time value that peaks at the money and decays with
// log-moneyness. Used by the backtest harness to simulate fills.
func EstimatePremium(spot, strike, tYears, iv float64, opt domain.OptionType) float64 {
	if spot <= 0 || strike <= 0 {
		return 0
	}
	var intrinsic float64
	if opt == domain.Call {
		intrinsic = math.Max(0, spot-strike)
	} else {
		intrinsic = math.Max(0, strike-spot)
	}
	if tYears <= 0 || iv <= 0 {
		return intrinsic
	}
	// Brenner-Subrahmanyam ATM approximation scaled down by distance.
	m := math.Log(spot / strike)
	atm := 0.4 * spot * iv * math.Sqrt(tYears)
	timeValue := atm * math.Exp(-(m*m)/(2.0*iv*iv*tYears))
	return intrinsic + timeValue
}
