package dispatcher

import "errors"

// Sentinel errors returned by dispatcher construction and configuration.
var (
	// ErrNoLinks indicates an operation requires at least one output link.
	ErrNoLinks = errors.New("dispatcher: no output links configured")

	// ErrLinkNotFound indicates a referenced link index does not exist.
	ErrLinkNotFound = errors.New("dispatcher: link index out of range")

	// ErrWeightCountMismatch indicates a weights slice does not match the
	// number of configured links.
	ErrWeightCountMismatch = errors.New("dispatcher: weight count does not match link count")

	// ErrInvalidStrategy indicates an unrecognized weight strategy name.
	ErrInvalidStrategy = errors.New("dispatcher: unknown weight strategy")

	// ErrInvalidScheduler indicates an unrecognized scheduler name.
	ErrInvalidScheduler = errors.New("dispatcher: unknown scheduler")

	// ErrDuplicateLinkID indicates two output links share an identifier.
	ErrDuplicateLinkID = errors.New("dispatcher: duplicate link id")

	// ErrClosed indicates an operation was attempted after Close.
	ErrClosed = errors.New("dispatcher: already closed")

	// ErrNotLinked indicates no output link is currently eligible to carry
	// a packet; the upstream producer should treat this as back-pressure
	// (spec.md §7).
	ErrNotLinked = errors.New("dispatcher: no linked output session")
)
