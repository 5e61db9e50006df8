package marketdata

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited means the provider throttled the request. Retry later.
	ErrRateLimited = errors.New("market data provider rate limit reached")

	// ErrNoData means the provider has nothing for the symbol. Skip it this cycle.
	ErrNoData = errors.New("no market data for symbol")

	// ErrUnsupportedTimeframe means the chart timeframe is not one of Timeframes()
	ErrUnsupportedTimeframe = errors.New("unsupported timeframe")
)

// TransportError covers network failures, bad statuses and undecodable bodies.
type TransportError struct {
	Symbol string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("market data request for %s failed: %v", e.Symbol, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
