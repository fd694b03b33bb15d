package deribit

import (
	"math"
	"sort"
)

// Time conversion constants (365.25-day year).
const (
	MinutesPerYear = 525600
	DaysPerYear    = 365.25
)

// ExpectedMove is the 1-sigma price range implied by annualized IV over a
// horizon. About 68.3% of moves fall inside the band under a log-normal
// assumption.
type ExpectedMove struct {
	Spot           float64 `json:"spot"`
	IVUsed         float64 `json:"iv_used"`
	IVSource       string  `json:"iv_source"`
	HorizonMinutes int     `json:"horizon_minutes"`
	MovePoints     float64 `json:"move_points"`
	MoveBps        float64 `json:"move_bps"`
	Up1Sigma       float64 `json:"up_1sigma"`
	Down1Sigma     float64 `json:"down_1sigma"`
	Confidence     float64 `json:"confidence"`
}

// IVAnnualizedToHorizon scales annualized IV (decimal form) to a horizon:
// IV_horizon = IV_annual * sqrt(horizon_minutes / MinutesPerYear).
func IVAnnualizedToHorizon(ivAnnualized float64, horizonMinutes int) float64 {
	if horizonMinutes <= 0 {
		return 0
	}
	tYears := float64(horizonMinutes) / MinutesPerYear
	return ivAnnualized * math.Sqrt(tYears)
}

// CalculateExpectedMove computes the 1-sigma expected move:
// move = spot * IV_annual * sqrt(T_years). Invalid inputs yield a
// zero-move result with zero confidence.
func CalculateExpectedMove(spot, ivAnnualized float64, horizonMinutes int, ivSource string, confidence float64) ExpectedMove {
	if spot <= 0 || ivAnnualized <= 0 || horizonMinutes <= 0 {
		return ExpectedMove{
			Spot:           spot,
			IVUsed:         ivAnnualized,
			IVSource:       ivSource,
			HorizonMinutes: horizonMinutes,
			Up1Sigma:       spot,
			Down1Sigma:     spot,
		}
	}

	tYears := float64(horizonMinutes) / MinutesPerYear
	movePoints := spot * ivAnnualized * math.Sqrt(tYears)
	moveBps := movePoints / spot * 10000

	return ExpectedMove{
		Spot:           spot,
		IVUsed:         ivAnnualized,
		IVSource:       ivSource,
		HorizonMinutes: horizonMinutes,
		MovePoints:     round2(movePoints),
		MoveBps:        round2(moveBps),
		Up1Sigma:       round2(spot + movePoints),
		Down1Sigma:     round2(spot - movePoints),
		Confidence:     confidence,
	}
}

// DaysToExpiry converts an expiration timestamp (milliseconds) to days
// from now, clamping expired instruments to zero.
func DaysToExpiry(expirationTSMs, currentTSMs int64) float64 {
	diff := expirationTSMs - currentTSMs
	if diff <= 0 {
		return 0
	}
	return float64(diff) / (1000 * 60 * 60 * 24)
}

// RiskReversal computes the 25-delta risk reversal, call IV minus put IV.
// Positive values mean calls are bid (bullish skew).
func RiskReversal(callIV, putIV *float64) *float64 {
	if callIV == nil || putIV == nil {
		return nil
	}
	rr := *callIV - *putIV
	return &rr
}

// Butterfly computes the 25-delta butterfly, wing average IV minus ATM
// IV. Positive values mean fat-tail pricing.
func Butterfly(callIV, putIV, atmIV *float64) *float64 {
	if callIV == nil || putIV == nil || atmIV == nil {
		return nil
	}
	fly := (*callIV+*putIV)/2 - *atmIV
	return &fly
}

// IVPoint is a (days-to-expiry, IV) sample on the term structure.
type IVPoint struct {
	Days float64
	IV   float64
}

// InterpolateIVToTenor linearly interpolates IV to the target tenor,
// clamping to the nearest sample outside the observed range.
func InterpolateIVToTenor(points []IVPoint, targetDays float64) *float64 {
	if len(points) == 0 {
		return nil
	}
	if len(points) == 1 {
		iv := points[0].IV
		return &iv
	}

	sorted := make([]IVPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Days < sorted[j].Days })

	for i := 0; i < len(sorted)-1; i++ {
		p1, p2 := sorted[i], sorted[i+1]
		if p1.Days <= targetDays && targetDays <= p2.Days {
			weight := 0.5
			if p2.Days != p1.Days {
				weight = (targetDays - p1.Days) / (p2.Days - p1.Days)
			}
			iv := p1.IV + weight*(p2.IV-p1.IV)
			return &iv
		}
	}

	if targetDays < sorted[0].Days {
		iv := sorted[0].IV
		return &iv
	}
	iv := sorted[len(sorted)-1].IV
	return &iv
}

// DvolToDecimal converts a DVOL index value (percentage form, e.g. 80.5)
// to decimal IV.
func DvolToDecimal(dvol float64) float64 {
	return dvol / 100
}

// ForwardPrice computes F = S * e^(r*t).
func ForwardPrice(spot, rate, timeYears float64) float64 {
	return spot * math.Exp(rate*timeYears)
}

// ImpliedRateFromFutures backs out r = ln(F/S) / t from a futures price.
func ImpliedRateFromFutures(spot, futuresPrice, timeYears float64) *float64 {
	if spot <= 0 || futuresPrice <= 0 || timeYears <= 0 {
		return nil
	}
	r := math.Log(futuresPrice/spot) / timeYears
	return &r
}

// Imbalance computes (bid - ask) / (bid + ask) depth imbalance in
// [-1, 1], nil on an empty book.
func Imbalance(bidDepth, askDepth float64) *float64 {
	total := bidDepth + askDepth
	if total == 0 {
		return nil
	}
	imb := (bidDepth - askDepth) / total
	return &imb
}

// SpreadBps computes the bid/ask spread in basis points of mid.
func SpreadBps(bid, ask float64) *float64 {
	if bid <= 0 || ask <= 0 {
		return nil
	}
	mid := (bid + ask) / 2
	if mid == 0 {
		return nil
	}
	bps := (ask - bid) / mid * 10000
	return &bps
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
