package predictor

import (
	"fmt"

	"github.com/trogers1052/stock-prediction-service/internal/process"
)

// The invoker reports failures with the process package's error types so
// callers can tell spawn, exit and timeout failures apart with errors.As.
type (
	ProcessSpawnError = process.SpawnError
	ProcessExitError  = process.ExitError
	TimeoutError      = process.TimeoutError
)

// OutputParseError means the predictor exited cleanly but printed no usable price.
type OutputParseError struct {
	Reason string
	Stdout string
}

func (e *OutputParseError) Error() string {
	return "failed to parse predicted price: " + e.Reason
}

// DatasetNotFoundError means no input dataset exists for the ticker after the
// preparation step. The invoker never substitutes another ticker's data.
type DatasetNotFoundError struct {
	Ticker string
	Path   string
}

func (e *DatasetNotFoundError) Error() string {
	return fmt.Sprintf("dataset for %s not found at %s", e.Ticker, e.Path)
}
