package domain

import (
	"fmt"
	"strings"
	"time"
)

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	OptionCall OptionKind = "CE"
	OptionPut  OptionKind = "PE"
)

// Instrument is a single tradable contract as published by the broker's
// instrument dump. Immutable once fetched; replaced wholesale on refresh.
type Instrument struct {
	Exchange      string
	TradingSymbol string
	Name          string
	Segment       string // e.g. "NFO-OPT"
	Kind          OptionKind
	Strike        float64
	Expiry        time.Time
	LotSize       int
	TickSize      float64
}

// Key returns the broker-wide identifier used in quote maps.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s", i.Exchange, i.TradingSymbol)
}

// IsOption reports whether the instrument belongs to an options segment.
func (i Instrument) IsOption() bool {
	return strings.HasSuffix(i.Segment, "-OPT")
}

// OHLC holds a day candle as returned by quote enrichment.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// OptionQuote is the transient per-call enrichment payload. Not persisted
// by the core; sinks receive it embedded in OptionRow.
type OptionQuote struct {
	LastPrice    float64
	Volume       int64
	OpenInterest int64
	AveragePrice float64
	OHLC         OHLC
}

// DayWidth returns high-low range, a cheap volatility proxy.
func (q OptionQuote) DayWidth() float64 {
	w := q.OHLC.High - q.OHLC.Low
	if w < 0 {
		return 0
	}
	return w
}

// OptionGreeks holds per-contract sensitivities derived from the quote.
type OptionGreeks struct {
	IV    float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// OptionRow is one enriched record handed to sinks. Greeks are nil when
// computation is skipped under memory pressure or yields no solution.
type OptionRow struct {
	Instrument Instrument
	Quote      OptionQuote
	ATMStrike  float64
	SpotPrice  float64
	Offset     int // strike steps from ATM, negative = ITM for calls
	Greeks     *OptionGreeks
}
