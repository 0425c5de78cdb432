package types

import "errors"

var (
	ErrInvalidEventKind    = errors.New("invalid connection event kind")
	ErrInvalidConnectionID = errors.New("connection ID must be 1-100 characters, alphanumeric + underscore/hyphen/colon/dot only")
	ErrMissingTimestamp    = errors.New("event timestamp is required")
	ErrDetailTooLarge      = errors.New("event detail exceeds 4KB limit")
)
