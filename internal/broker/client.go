package broker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/metrics"
)

// API is the opaque upstream boundary consumed by the provider facade.
// Quote and LTP results are keyed "EXCHANGE:TRADINGSYMBOL".
type API interface {
	LTP(ctx context.Context, keys []string) (map[string]float64, error)
	Quote(ctx context.Context, keys []string) (map[string]domain.OptionQuote, error)
	Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error)
}

// Client talks to a Kite-style REST API over HTTP.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

// NewClient creates an HTTP broker client.
func NewClient(baseURL string, timeout time.Duration, creds Credentials) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// envelope is the standard JSON response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// LTP fetches last traded prices for the given quote keys.
func (c *Client) LTP(ctx context.Context, keys []string) (map[string]float64, error) {
	var data map[string]struct {
		LastPrice float64 `json:"last_price"`
	}
	if err := c.getJSON(ctx, "ltp", "/quote/ltp", keys, &data); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(data))
	for k, v := range data {
		out[k] = v.LastPrice
	}
	return out, nil
}

// Quote fetches full quotes (price, volume, OI, average price, OHLC) for
// the given quote keys.
func (c *Client) Quote(ctx context.Context, keys []string) (map[string]domain.OptionQuote, error) {
	var data map[string]struct {
		LastPrice    float64 `json:"last_price"`
		Volume       int64   `json:"volume"`
		OI           int64   `json:"oi"`
		AveragePrice float64 `json:"average_price"`
		OHLC         struct {
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"ohlc"`
	}
	if err := c.getJSON(ctx, "quote", "/quote", keys, &data); err != nil {
		return nil, err
	}

	out := make(map[string]domain.OptionQuote, len(data))
	for k, v := range data {
		out[k] = domain.OptionQuote{
			LastPrice:    v.LastPrice,
			Volume:       v.Volume,
			OpenInterest: v.OI,
			AveragePrice: v.AveragePrice,
			OHLC: domain.OHLC{
				Open:  v.OHLC.Open,
				High:  v.OHLC.High,
				Low:   v.OHLC.Low,
				Close: v.OHLC.Close,
			},
		}
	}
	return out, nil
}

// Instruments downloads the instrument dump for one exchange. The upstream
// serves it as CSV.
func (c *Client) Instruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	body, err := c.get(ctx, "instruments", "/instruments/"+url.PathEscape(exchange), nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return parseInstrumentCSV(body, exchange)
}

func (c *Client) getJSON(ctx context.Context, call, path string, keys []string, out any) error {
	q := url.Values{}
	for _, k := range keys {
		q.Add("i", k)
	}

	body, err := c.get(ctx, call, path, q)
	if err != nil {
		return err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return faults.Wrap(fmt.Errorf("unmarshal envelope: %w", err),
			faults.CategoryMalformedData, faults.SeverityMedium, "broker")
	}
	if env.Status != "success" {
		return fmt.Errorf("upstream status %q: %s", env.Status, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return faults.Wrap(fmt.Errorf("unmarshal data: %w", err),
			faults.CategoryMalformedData, faults.SeverityMedium, "broker")
	}
	return nil
}

func (c *Client) get(ctx context.Context, call, path string, q url.Values) (io.ReadCloser, error) {
	start := time.Now()
	metrics.UpstreamCallsTotal.WithLabelValues(call).Inc()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", "3")
	req.Header.Set("Authorization", "token "+c.creds.APIKey+":"+c.creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(call).Inc()
		return nil, fmt.Errorf("upstream call: %w", err)
	}

	metrics.UpstreamLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		metrics.UpstreamErrorsTotal.WithLabelValues(call).Inc()
		return nil, faults.Wrap(errors.New("rate limited (429)"),
			faults.CategoryRateLimit, faults.SeverityMedium, "broker")
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		metrics.UpstreamErrorsTotal.WithLabelValues(call).Inc()
		return nil, faults.Wrap(fmt.Errorf("auth rejected (%d)", resp.StatusCode),
			faults.CategoryAuth, faults.SeverityHigh, "broker")
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		metrics.UpstreamErrorsTotal.WithLabelValues(call).Inc()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return resp.Body, nil
}

// parseInstrumentCSV decodes the upstream instrument dump. Column order
// follows the published dump format; rows with bad numerics are skipped
// rather than failing the entire universe.
func parseInstrumentCSV(r io.Reader, exchange string) ([]domain.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, faults.Wrap(fmt.Errorf("read instrument header: %w", err),
			faults.CategoryMalformedData, faults.SeverityMedium, "broker")
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var out []domain.Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, faults.Wrap(fmt.Errorf("read instrument row: %w", err),
				faults.CategoryMalformedData, faults.SeverityMedium, "broker")
		}

		strike, err := strconv.ParseFloat(field(rec, "strike"), 64)
		if err != nil {
			continue
		}
		var expiry time.Time
		if raw := field(rec, "expiry"); raw != "" {
			expiry, err = time.Parse("2006-01-02", raw)
			if err != nil {
				continue
			}
		}
		lotSize, _ := strconv.Atoi(field(rec, "lot_size"))
		tickSize, _ := strconv.ParseFloat(field(rec, "tick_size"), 64)

		out = append(out, domain.Instrument{
			Exchange:      exchange,
			TradingSymbol: field(rec, "tradingsymbol"),
			Name:          field(rec, "name"),
			Segment:       field(rec, "segment"),
			Kind:          domain.OptionKind(field(rec, "instrument_type")),
			Strike:        strike,
			Expiry:        expiry,
			LotSize:       lotSize,
			TickSize:      tickSize,
		})
	}
	return out, nil
}
