package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/stock-prediction-service/internal/platform/httpclient"
)

const (
	defaultBaseURL = "https://www.alphavantage.co"
	sourceName     = "alphavantage"

	// DefaultPoints is the point budget when the caller does not give one
	DefaultPoints = 200
)

// Client is the Alpha Vantage API client. It caches nothing: every call is a
// live fetch.
type Client struct {
	apiKey     string
	baseURL    string
	outputSize string
	httpClient *httpclient.Client
	logger     zerolog.Logger
}

// Options holds options for creating a new Alpha Vantage client
type Options struct {
	APIKey          string
	BaseURL         string
	OutputSize      string
	RequestTimeout  time.Duration
	RequestsPerSec  int
	MaxRetryTimeout time.Duration
}

// NewClient creates a new Alpha Vantage API client
func NewClient(options Options, logger zerolog.Logger) *Client {
	httpOpts := httpclient.ClientOptions{
		Timeout:         options.RequestTimeout,
		RequestsPerSec:  options.RequestsPerSec,
		MaxRetryTimeout: options.MaxRetryTimeout,
	}

	// Apply defaults if not set
	if options.BaseURL == "" {
		options.BaseURL = defaultBaseURL
	}
	if options.OutputSize == "" {
		options.OutputSize = "compact"
	}

	return &Client{
		apiKey:     options.APIKey,
		baseURL:    strings.TrimRight(options.BaseURL, "/"),
		outputSize: options.OutputSize,
		httpClient: httpclient.NewClient(httpOpts),
		logger:     logger.With().Str("component", "alphavantage_client").Logger(),
	}
}

// timeframeSpec maps a chart timeframe to the provider call that serves it
type timeframeSpec struct {
	function   string
	interval   string
	outputSize string

	// keep only points within this window of the newest point; zero keeps all
	window func(last time.Time) time.Time
}

var timeframes = map[string]timeframeSpec{
	"1D": {function: "TIME_SERIES_INTRADAY", interval: "5min", outputSize: "full", window: sameDay},
	"5D": {function: "TIME_SERIES_INTRADAY", interval: "30min", outputSize: "full", window: func(l time.Time) time.Time { return l.AddDate(0, 0, -7) }},
	"1M": {function: "TIME_SERIES_DAILY", interval: "daily", outputSize: "compact", window: func(l time.Time) time.Time { return l.AddDate(0, -1, 0) }},
	"6M": {function: "TIME_SERIES_DAILY", interval: "daily", outputSize: "full", window: func(l time.Time) time.Time { return l.AddDate(0, -6, 0) }},
	"1Y": {function: "TIME_SERIES_DAILY", interval: "daily", outputSize: "full", window: func(l time.Time) time.Time { return l.AddDate(-1, 0, 0) }},
	"5Y": {function: "TIME_SERIES_WEEKLY", interval: "weekly", window: func(l time.Time) time.Time { return l.AddDate(-5, 0, 0) }},
}

func sameDay(l time.Time) time.Time {
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, l.Location())
}

// Timeframes lists the supported chart timeframes
func Timeframes() []string {
	out := make([]string, 0, len(timeframes))
	for k := range timeframes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FetchDailySeries fetches the daily bars for symbol keyed by date
func (c *Client) FetchDailySeries(ctx context.Context, symbol string) (DailySeries, error) {
	payload, err := c.query(ctx, symbol, url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"outputsize": {c.outputSize},
	})
	if err != nil {
		return nil, err
	}

	rows, err := payload.series(symbol)
	if err != nil {
		return nil, err
	}

	series := make(DailySeries, len(rows))
	for day, row := range rows {
		series[day] = row.bar()
	}

	c.logger.Debug().Str("symbol", symbol).Int("count", len(series)).Msg("Fetched daily series")
	return series, nil
}

// FetchSeriesForTimeframe fetches a charting series for symbol, newest
// window only, down-sampled to at most points entries.
func (c *Client) FetchSeriesForTimeframe(ctx context.Context, symbol, timeframe string, points int) (*SeriesResult, error) {
	tf := strings.ToUpper(strings.TrimSpace(timeframe))
	frame, ok := timeframes[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, timeframe)
	}
	if points <= 0 {
		points = DefaultPoints
	}

	params := url.Values{"function": {frame.function}}
	if frame.function == "TIME_SERIES_INTRADAY" {
		params.Set("interval", frame.interval)
	}
	if frame.outputSize != "" {
		params.Set("outputsize", frame.outputSize)
	}

	payload, err := c.query(ctx, symbol, params)
	if err != nil {
		return nil, err
	}
	rows, err := payload.series(symbol)
	if err != nil {
		return nil, err
	}

	tzName := payload.metaValue("Time Zone")
	loc := time.UTC
	if tzName != "" {
		if l, err := time.LoadLocation(tzName); err == nil {
			loc = l
		}
	}

	all := make([]PricePoint, 0, len(rows))
	for key, row := range rows {
		ts, err := parseStamp(key, loc)
		if err != nil {
			c.logger.Warn().Str("symbol", symbol).Str("key", key).Msg("Skipping unparsable timestamp")
			continue
		}
		bar := row.bar()
		all = append(all, PricePoint{
			Time:  ts,
			Open:  bar.Open.InexactFloat64(),
			High:  bar.High.InexactFloat64(),
			Low:   bar.Low.InexactFloat64(),
			Close: bar.Close.InexactFloat64(),
		})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })

	window := all
	if len(all) > 0 && frame.window != nil {
		from := frame.window(all[len(all)-1].Time)
		idx := sort.Search(len(all), func(i int) bool { return !all[i].Time.Before(from) })
		window = all[idx:]
	}

	sampled := Downsample(window, points)
	return &SeriesResult{
		Points: sampled,
		Meta: SeriesMeta{
			Symbol:        symbol,
			Timeframe:     tf,
			Interval:      frame.interval,
			Source:        sourceName,
			TimeZone:      tzName,
			LastRefreshed: payload.metaValue("Last Refreshed"),
			RawCount:      len(window),
			Returned:      len(sampled),
			Downsampled:   len(sampled) < len(window),
		},
	}, nil
}

func (c *Client) query(ctx context.Context, symbol string, params url.Values) (*response, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", ErrNoData)
	}
	params.Set("symbol", symbol)
	params.Set("apikey", c.apiKey)

	endpoint := c.baseURL + "/query?" + params.Encode()
	c.logger.Debug().
		Str("function", params.Get("function")).
		Str("symbol", symbol).
		Msg("Fetching series")

	// Create a new request with context
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &TransportError{Symbol: symbol, Err: fmt.Errorf("creating request: %w", err)}
	}

	resp, err := c.httpClient.DoRequest(ctx, req)
	if err != nil {
		return nil, &TransportError{Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Symbol: symbol, Err: fmt.Errorf("reading response body: %w", err)}
	}

	var payload response
	if err := json.Unmarshal(body, &payload.fields); err != nil {
		c.logger.Error().Err(err).Str("symbol", symbol).Msg("Error parsing JSON")
		return nil, &TransportError{Symbol: symbol, Err: fmt.Errorf("parsing JSON: %w", err)}
	}

	// throttling arrives as a 200 with a Note/Information field
	if msg := payload.stringField("Note", "Information"); msg != "" {
		c.logger.Warn().Str("symbol", symbol).Str("message", msg).Msg("Alpha Vantage rate limit")
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	if msg := payload.stringField("Error Message"); msg != "" {
		c.logger.Warn().Str("symbol", symbol).Str("message", msg).Msg("Alpha Vantage returned no data")
		return nil, fmt.Errorf("%w: %s: %s", ErrNoData, symbol, msg)
	}

	return &payload, nil
}

type response struct {
	fields map[string]json.RawMessage
}

type row map[string]string

func (r row) field(suffix string) string {
	for k, v := range r {
		if strings.HasSuffix(k, suffix) {
			return v
		}
	}
	return ""
}

// bar converts a provider row. Unparsable prices come back as zero.
func (r row) bar() Bar {
	dec := func(s string) decimal.Decimal {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	vol, _ := strconv.ParseInt(strings.TrimSpace(r.field("volume")), 10, 64)
	return Bar{
		Open:   dec(r.field("open")),
		High:   dec(r.field("high")),
		Low:    dec(r.field("low")),
		Close:  dec(r.field("close")),
		Volume: vol,
	}
}

func (p *response) stringField(names ...string) string {
	for _, n := range names {
		raw, ok := p.fields[n]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// series finds the "Time Series (...)" or "Weekly Time Series" block.
func (p *response) series(symbol string) (map[string]row, error) {
	for k, raw := range p.fields {
		if !strings.Contains(k, "Time Series") {
			continue
		}
		var rows map[string]row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, &TransportError{Symbol: symbol, Err: fmt.Errorf("parsing series: %w", err)}
		}
		if len(rows) == 0 {
			break
		}
		return rows, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoData, symbol)
}

// metaValue looks up a "Meta Data" entry by name, ignoring its "N. " prefix.
func (p *response) metaValue(name string) string {
	raw, ok := p.fields["Meta Data"]
	if !ok {
		return ""
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	for k, v := range meta {
		if strings.HasSuffix(k, name) {
			return v
		}
	}
	return ""
}

func parseStamp(key string, loc *time.Location) (time.Time, error) {
	if len(key) == len("2006-01-02") {
		return time.ParseInLocation("2006-01-02", key, loc)
	}
	return time.ParseInLocation("2006-01-02 15:04:05", key, loc)
}
