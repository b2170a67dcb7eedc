package relay

import "errors"

// Sentinel errors the HTTP adapter maps to response statuses.
var (
	// ErrChannelNotFound means the requested virtual channel is not in the
	// catalog.
	ErrChannelNotFound = errors.New("relay: channel not found")

	// ErrNoTuner means the pool stayed saturated through the retry budget.
	ErrNoTuner = errors.New("relay: no tuner available")

	// ErrBadParams means the transcode parameters could not be parsed.
	ErrBadParams = errors.New("relay: bad parameters")

	// ErrRetry means an HLS session is still initialising; the client
	// should retry shortly.
	ErrRetry = errors.New("relay: session initialising")

	// ErrForbidden means a path component attempted traversal.
	ErrForbidden = errors.New("relay: forbidden path")

	// ErrSessionNotFound means no active HLS session has the given id.
	ErrSessionNotFound = errors.New("relay: session not found")

	// ErrSessionLimit means the HLS session pool is full.
	ErrSessionLimit = errors.New("relay: session limit reached")
)
