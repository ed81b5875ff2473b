package compute

import "errors"

var (
	// ErrInvalidConfig indicates Initialize rejected the configuration
	ErrInvalidConfig = errors.New("invalid compute config")
	// ErrNullDatabase indicates Initialize received no table manager
	ErrNullDatabase = errors.New("nil database")
	// ErrNullResourceHandle indicates Initialize received no handle
	ErrNullResourceHandle = errors.New("nil resource handle")
	// ErrAlreadyInitialized indicates a double Initialize
	ErrAlreadyInitialized = errors.New("engine already initialized")
	// ErrNotInitialized indicates execution before Initialize
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrInvalidRange indicates a window range with end <= start
	ErrInvalidRange = errors.New("invalid window range")
	// ErrQueryFailed wraps a stream table query failure
	ErrQueryFailed = errors.New("stream query failed")
	// ErrOperatorFailed wraps an operator failure
	ErrOperatorFailed = errors.New("operator failed")
	// ErrTimeout indicates the window exceeded its deadline with no
	// AQP fallback available
	ErrTimeout = errors.New("window computation timed out")
)
