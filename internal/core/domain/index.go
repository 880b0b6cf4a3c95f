package domain

import (
	"time"
)

// ExpiryRule is a symbolic contract-expiry selector.
type ExpiryRule string

const (
	ExpiryThisWeek  ExpiryRule = "this_week"
	ExpiryNextWeek  ExpiryRule = "next_week"
	ExpiryThisMonth ExpiryRule = "this_month"
	ExpiryNextMonth ExpiryRule = "next_month"
)

// ValidExpiryRule reports whether r is one of the supported selectors.
func ValidExpiryRule(r ExpiryRule) bool {
	switch r {
	case ExpiryThisWeek, ExpiryNextWeek, ExpiryThisMonth, ExpiryNextMonth:
		return true
	}
	return false
}

// IndexParams holds the static market parameters of an underlying index.
type IndexParams struct {
	Name          string
	Exchange      string // exchange of the option contracts, e.g. "NFO"
	SpotKey       string // quote key of the underlying, e.g. "NSE:NIFTY 50"
	StrikeStep    float64
	ExpiryWeekday time.Weekday // weekly contract expiry day
}

// knownIndices covers the NSE/BSE index option universe the collector
// understands out of the box. Config may override any of these.
var knownIndices = map[string]IndexParams{
	"NIFTY": {
		Name:          "NIFTY",
		Exchange:      "NFO",
		SpotKey:       "NSE:NIFTY 50",
		StrikeStep:    50,
		ExpiryWeekday: time.Thursday,
	},
	"BANKNIFTY": {
		Name:          "BANKNIFTY",
		Exchange:      "NFO",
		SpotKey:       "NSE:NIFTY BANK",
		StrikeStep:    100,
		ExpiryWeekday: time.Wednesday,
	},
	"FINNIFTY": {
		Name:          "FINNIFTY",
		Exchange:      "NFO",
		SpotKey:       "NSE:NIFTY FIN SERVICE",
		StrikeStep:    50,
		ExpiryWeekday: time.Tuesday,
	},
	"MIDCPNIFTY": {
		Name:          "MIDCPNIFTY",
		Exchange:      "NFO",
		SpotKey:       "NSE:NIFTY MID SELECT",
		StrikeStep:    25,
		ExpiryWeekday: time.Monday,
	},
	"SENSEX": {
		Name:          "SENSEX",
		Exchange:      "BFO",
		SpotKey:       "BSE:SENSEX",
		StrikeStep:    100,
		ExpiryWeekday: time.Friday,
	},
}

// LookupIndex returns the built-in parameters for a known index name.
func LookupIndex(name string) (IndexParams, bool) {
	p, ok := knownIndices[name]
	return p, ok
}

// ATMStrike rounds a spot price to the nearest strike on the index grid.
func (p IndexParams) ATMStrike(spot float64) float64 {
	if p.StrikeStep <= 0 {
		return spot
	}
	steps := int(spot/p.StrikeStep + 0.5)
	return float64(steps) * p.StrikeStep
}
