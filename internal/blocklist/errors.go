package blocklist

import "errors"

var (
	// ErrFetch covers transport failures, non-200 responses and oversized bodies.
	ErrFetch = errors.New("blocklist fetch failed")
	// ErrDecode means the downloaded body is not valid UTF-8.
	ErrDecode = errors.New("blocklist body is not valid UTF-8")
	// ErrImplausibleResult means the parsed list is below the configured floor.
	ErrImplausibleResult = errors.New("blocklist result implausibly small")
	// ErrNotEntitled rejects list mutations while the user is not entitled.
	ErrNotEntitled = errors.New("not entitled")
)
