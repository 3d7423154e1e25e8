package relay

import "errors"

var (
	// ErrJobNotFound is returned for tokens the registry has never seen or
	// has already evicted
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateToken is returned when a token is registered twice
	ErrDuplicateToken = errors.New("job token already registered")
)
