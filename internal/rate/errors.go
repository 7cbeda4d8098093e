package rate

import "errors"

// ErrBackendUnavailable is returned when the counter backend cannot be
// reached. Callers decide whether to fail open or closed.
var ErrBackendUnavailable = errors.New("rate limiter backend unavailable")
