package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Sink persists option chain rows and per-index overview snapshots.
type Sink struct {
	db *sqlx.DB
}

// NewSink opens the connection pool and runs pending migrations from
// migrationsDir.
func NewSink(ctx context.Context, cfg Config, migrationsDir string) (*Sink, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if migrationsDir != "" {
		if err := goose.SetDialect("postgres"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set goose dialect: %w", err)
		}
		if err := goose.Up(db.DB, migrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &Sink{db: db}, nil
}

// Name implements collect.OptionsSink.
func (s *Sink) Name() string { return "postgres" }

// Health checks if the database is healthy.
func (s *Sink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Sink) Close() error { return s.db.Close() }

type optionRowRecord struct {
	Ts            time.Time `db:"ts"`
	IndexName     string    `db:"index_name"`
	Rule          string    `db:"rule"`
	Expiry        time.Time `db:"expiry"`
	TradingSymbol string    `db:"tradingsymbol"`
	Kind          string    `db:"kind"`
	Strike        float64   `db:"strike"`
	StrikeOffset  int       `db:"strike_offset"`
	SpotPrice     float64   `db:"spot_price"`
	ATMStrike     float64   `db:"atm_strike"`
	LastPrice     float64   `db:"last_price"`
	Volume        int64     `db:"volume"`
	OpenInterest  int64     `db:"open_interest"`
	AveragePrice  float64   `db:"average_price"`
	Open          float64   `db:"open"`
	High          float64   `db:"high"`
	Low           float64   `db:"low"`
	Close         float64   `db:"close"`
	IV            *float64  `db:"iv"`
	Delta         *float64  `db:"delta"`
	Gamma         *float64  `db:"gamma"`
	Theta         *float64  `db:"theta"`
	Vega          *float64  `db:"vega"`
}

const insertOptionRows = `
INSERT INTO option_quotes (
	ts, index_name, rule, expiry, tradingsymbol, kind, strike, strike_offset,
	spot_price, atm_strike, last_price, volume, open_interest, average_price,
	open, high, low, close, iv, delta, gamma, theta, vega
) VALUES (
	:ts, :index_name, :rule, :expiry, :tradingsymbol, :kind, :strike, :strike_offset,
	:spot_price, :atm_strike, :last_price, :volume, :open_interest, :average_price,
	:open, :high, :low, :close, :iv, :delta, :gamma, :theta, :vega
)`

// WriteOptionsData implements collect.OptionsSink.
func (s *Sink) WriteOptionsData(
	ctx context.Context,
	index string,
	rule domain.ExpiryRule,
	expiry time.Time,
	rows []domain.OptionRow,
	ts time.Time,
) error {
	if len(rows) == 0 {
		return nil
	}

	records := make([]optionRowRecord, 0, len(rows))
	for _, row := range rows {
		rec := optionRowRecord{
			Ts:            ts,
			IndexName:     index,
			Rule:          string(rule),
			Expiry:        expiry,
			TradingSymbol: row.Instrument.TradingSymbol,
			Kind:          string(row.Instrument.Kind),
			Strike:        row.Instrument.Strike,
			StrikeOffset:  row.Offset,
			SpotPrice:     row.SpotPrice,
			ATMStrike:     row.ATMStrike,
			LastPrice:     row.Quote.LastPrice,
			Volume:        row.Quote.Volume,
			OpenInterest:  row.Quote.OpenInterest,
			AveragePrice:  row.Quote.AveragePrice,
			Open:          row.Quote.OHLC.Open,
			High:          row.Quote.OHLC.High,
			Low:           row.Quote.OHLC.Low,
			Close:         row.Quote.OHLC.Close,
		}
		if g := row.Greeks; g != nil {
			iv, delta, gamma, theta, vega := g.IV, g.Delta, g.Gamma, g.Theta, g.Vega
			rec.IV, rec.Delta, rec.Gamma, rec.Theta, rec.Vega = &iv, &delta, &gamma, &theta, &vega
		}
		records = append(records, rec)
	}

	if _, err := s.db.NamedExecContext(ctx, insertOptionRows, records); err != nil {
		return fmt.Errorf("insert option rows for %s: %w", index, err)
	}
	return nil
}

const insertOverview = `
INSERT INTO index_overview (ts, index_name, pcr_by_rule, day_width, rules_expected, rules_present)
VALUES ($1, $2, $3, $4, $5, $6)`

// WriteOverviewSnapshot implements collect.OptionsSink. Rows with an
// empty pcr map are the per-cycle placeholder for indices that produced
// no data.
func (s *Sink) WriteOverviewSnapshot(
	ctx context.Context,
	index string,
	pcrByRule map[domain.ExpiryRule]float64,
	ts time.Time,
	dayWidth float64,
	expectedRules []domain.ExpiryRule,
) error {
	pcr, err := json.Marshal(pcrByRule)
	if err != nil {
		return fmt.Errorf("marshal pcr map for %s: %w", index, err)
	}

	_, err = s.db.ExecContext(ctx, insertOverview,
		ts, index, pcr, dayWidth, len(expectedRules), len(pcrByRule))
	if err != nil {
		return fmt.Errorf("insert overview for %s: %w", index, err)
	}
	return nil
}
