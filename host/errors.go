package host

import "errors"

// Host errors
var (
	ErrInvalidConfig    = errors.New("invalid host configuration")
	ErrNoContexts       = errors.New("host configuration lists no contexts")
	ErrUnknownTransport = errors.New("unknown transport engine")
	ErrUnknownStore     = errors.New("unknown store engine")
	ErrUnknownContext   = errors.New("context not hosted by this process")
	ErrAlreadyStarted   = errors.New("host already started")
	ErrNotStarted       = errors.New("host not started")
)
