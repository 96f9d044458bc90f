// Package quotes implements premium and yield quoting. Both quote paths are
// pure reads: nothing here touches the chain or mutates state.
package quotes

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// PutPremium prices a European PUT per unit of underlying.
//
//	d1 = (ln(S/K) + (r + sigma^2/2)*T) / (sigma*sqrt(T))
//	d2 = d1 - sigma*sqrt(T)
//	P  = K*e^(-rT)*Phi(-d2) - S*Phi(-d1)
//
// A degenerate sigma*sqrt(T) falls back to discounted intrinsic value. Any
// non-finite intermediate yields 0 rather than propagating NaN into quotes.
func PutPremium(spot, strike, sigma, years, riskFree float64) float64 {
	if spot <= 0 || strike <= 0 || years <= 0 {
		return 0
	}

	sigmaSqrtT := sigma * math.Sqrt(years)
	if sigmaSqrtT == 0 {
		return math.Exp(-riskFree*years) * math.Max(0, strike-spot)
	}

	d1 := (math.Log(spot/strike) + (riskFree+sigma*sigma/2)*years) / sigmaSqrtT
	d2 := d1 - sigmaSqrtT

	premium := strike*math.Exp(-riskFree*years)*stdNormal.CDF(-d2) - spot*stdNormal.CDF(-d1)
	if math.IsNaN(premium) || math.IsInf(premium, 0) || premium < 0 {
		return 0
	}
	return premium
}
