package store

import "errors"

// Sentinel errors surfaced to HTTP handlers. A
// component deciding how to respond switches on kind, not on the
// underlying driver error, so the mapping to HTTP status lives in one
// place (the gateway layer) rather than being re-derived per call site.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrConflict          = errors.New("store: conflict")
	ErrInvalidTransition = errors.New("store: invalid status transition")
	ErrNoEligibleAgent   = errors.New("store: no eligible agent")
)
