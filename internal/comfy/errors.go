package comfy

import "errors"

// Error taxonomy for upstream interaction. Handlers map these onto HTTP
// status codes; the relay maps them onto terminal job errors.
var (
	// ErrLinkFailure means the control connection could not be established
	// or died irrecoverably after retries
	ErrLinkFailure = errors.New("upstream link failure")

	// ErrTimeout means the control connection stayed open but produced no
	// frames for longer than the configured inactivity window
	ErrTimeout = errors.New("upstream activity timeout")

	// ErrResolution means the engine reported completion but no artifact
	// could be located or downloaded
	ErrResolution = errors.New("artifact resolution failed")

	// ErrMalformedEvent marks an upstream frame that could not be decoded.
	// Malformed frames are dropped and counted, never fatal.
	ErrMalformedEvent = errors.New("malformed upstream event")
)
