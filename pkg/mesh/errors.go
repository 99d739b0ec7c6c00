package mesh

import "errors"

var (
	// ErrNotFound is returned when a channel, contact or message does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidTarget is returned when a target names both or neither of channel and peer
	ErrInvalidTarget = errors.New("target must name exactly one of channel or peer")
)
